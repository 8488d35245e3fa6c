package storage

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"time"

	"github.com/zond/e3"
	"github.com/zond/e3/digest"
	"golang.org/x/sync/errgroup"
)

// archiveStamp is the fixed modification time of every exported archive
// entry, making exports byte-reproducible.
var archiveStamp = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// ImportedPackage describes one package registered by an archive import.
type ImportedPackage struct {
	Name    string
	Version string
	Hash    digest.Hash
}

// ImportPackage ingests a package archive: a zip whose entries mirror a
// repository subset. Every object is re-hashed on ingest; a mismatch against
// its claimed path rejects the archive. Already-present objects are
// converged on by the store's normal write discipline.
func (r *Repository) ImportPackage(zipPath string) ([]ImportedPackage, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, e3.Wrapf(e3.PackageInvalid, err, "opening %q", zipPath)
	}
	defer zr.Close()

	var refs []*zip.File
	var objects []*zip.File
	for _, f := range zr.File {
		name := path.Clean(f.Name)
		switch {
		case strings.HasPrefix(name, objectsDir+"/"):
			objects = append(objects, f)
		case strings.HasPrefix(name, packagesDir+"/"):
			refs = append(refs, f)
		default:
			return nil, e3.Errf(e3.PackageInvalid, "unexpected archive entry %q", f.Name)
		}
	}
	if len(refs) == 0 {
		return nil, e3.Errf(e3.PackageInvalid, "%q contains no package reference", zipPath)
	}

	group := errgroup.Group{}
	group.SetLimit(runtime.NumCPU())
	for _, f := range objects {
		group.Go(func() error {
			claimed, ext, err := parseObjectEntry(path.Clean(f.Name))
			if err != nil {
				return err
			}
			rc, err := f.Open()
			if err != nil {
				return e3.Wrapf(e3.PackageInvalid, err, "archive entry %q", f.Name)
			}
			defer rc.Close()
			b, err := io.ReadAll(rc)
			if err != nil {
				return e3.Wrapf(e3.PackageInvalid, err, "archive entry %q", f.Name)
			}
			stored, err := r.Put(b, ext)
			if err != nil {
				return err
			}
			if stored != claimed {
				return e3.Errf(e3.PackageInvalid, "archive entry %q hashes to %s", f.Name, stored)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var imported []ImportedPackage
	for _, f := range refs {
		name := path.Clean(f.Name)
		parts := strings.Split(name, "/")
		if len(parts) != 3 {
			return nil, e3.Errf(e3.PackageInvalid, "archive entry %q is not a package reference", f.Name)
		}
		pkgName, version := parts[1], parts[2]
		rc, err := f.Open()
		if err != nil {
			return nil, e3.Wrapf(e3.PackageInvalid, err, "archive entry %q", f.Name)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, e3.Wrapf(e3.PackageInvalid, err, "archive entry %q", f.Name)
		}
		h, err := digest.Parse(strings.TrimSpace(string(b)))
		if err != nil {
			return nil, e3.Wrapf(e3.PackageInvalid, err, "archive entry %q", f.Name)
		}
		if err := r.RegisterPackage(pkgName, version, h); err != nil {
			return nil, err
		}
		imported = append(imported, ImportedPackage{Name: pkgName, Version: version, Hash: h})
		r.audit.Log(AuditPackageImport{Package: pkgName, Version: version, Hash: h.String()})
	}
	return imported, nil
}

// ExportPackage writes a byte-reproducible archive of the package closure.
func (r *Repository) ExportPackage(name, version, outPath string) error {
	if version == "" {
		var err error
		if version, err = r.LatestVersion(name); err != nil {
			return err
		}
	}
	h, err := r.GetRef(packageRefPath(name, version))
	if e3.IsKind(err, e3.ObjectNotFound) {
		return e3.Errf(e3.PackageNotFound, "package %s@%s", name, version)
	} else if err != nil {
		return err
	}
	closure, err := r.packageClosure(h)
	if err != nil {
		return err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return wrapFS(err)
	}
	defer out.Close()
	zw := zip.NewWriter(out)

	for _, hex := range SortedHashes(closure) {
		oh, err := digest.Parse(hex)
		if err != nil {
			return err
		}
		ext := BinExt
		b, err := r.Get(oh, BinExt)
		if e3.IsKind(err, e3.ObjectNotFound) {
			ext = TextExt
			b, err = r.Get(oh, TextExt)
		}
		if err != nil {
			return err
		}
		if err := writeArchiveEntry(zw, path.Join(objectsDir, oh.Dir(), oh.Rest()+"."+ext), b); err != nil {
			return err
		}
	}
	if err := writeArchiveEntry(zw, packageRefPath(name, version), []byte(h.String()+"\n")); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return e3.WithStack(err)
	}
	if err := out.Sync(); err != nil {
		return wrapFS(err)
	}
	r.audit.Log(AuditPackageExport{Package: name, Version: version, Out: outPath})
	return nil
}

func writeArchiveEntry(zw *zip.Writer, name string, content []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: archiveStamp,
	})
	if err != nil {
		return e3.WithStack(err)
	}
	if _, err := io.Copy(w, bytes.NewReader(content)); err != nil {
		return e3.WithStack(err)
	}
	return nil
}
