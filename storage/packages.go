package storage

import (
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zond/e3"
	"github.com/zond/e3/digest"
	"github.com/zond/e3/structs"
)

func packageRefPath(name, version string) string {
	return path.Join(packagesDir, name, version)
}

// ListPackages returns every package name mapped to its sorted versions.
func (r *Repository) ListPackages() (map[string][]string, error) {
	names, err := r.ListRefs(packagesDir)
	if err != nil {
		return nil, err
	}
	result := map[string][]string{}
	for _, name := range names {
		versions, err := r.ListRefs(path.Join(packagesDir, name))
		if err != nil {
			return nil, err
		}
		if len(versions) > 0 {
			result[name] = versions
		}
	}
	return result, nil
}

// LatestVersion returns the lexicographically greatest version of a package.
func (r *Repository) LatestVersion(name string) (string, error) {
	versions, err := r.ListRefs(path.Join(packagesDir, name))
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", e3.Errf(e3.PackageNotFound, "package %q", name)
	}
	return versions[len(versions)-1], nil
}

// GetPackage loads a package object by name and version. An empty version
// selects the latest.
func (r *Repository) GetPackage(name, version string) (*structs.Package, digest.Hash, error) {
	if version == "" {
		var err error
		if version, err = r.LatestVersion(name); err != nil {
			return nil, digest.Hash{}, err
		}
	}
	h, err := r.GetRef(packageRefPath(name, version))
	if e3.IsKind(err, e3.ObjectNotFound) {
		return nil, digest.Hash{}, e3.Errf(e3.PackageNotFound, "package %s@%s", name, version)
	} else if err != nil {
		return nil, digest.Hash{}, err
	}
	pkg, err := GetStruct[structs.Package](r, h)
	if err != nil {
		return nil, digest.Hash{}, err
	}
	return pkg, h, nil
}

// RegisterPackage points the package reference at an already stored package
// object. Fails if the name and version are already registered.
func (r *Repository) RegisterPackage(name, version string, h digest.Hash) error {
	refPath := packageRefPath(name, version)
	if _, err := r.GetRef(refPath); err == nil {
		return e3.Errf(e3.PackageExists, "package %s@%s", name, version)
	} else if !e3.IsKind(err, e3.ObjectNotFound) {
		return err
	}
	if _, err := GetStruct[structs.Package](r, h); err != nil {
		return e3.Wrapf(e3.PackageInvalid, err, "package object %s", h)
	}
	return r.SetRef(refPath, h)
}

// RemovePackage drops the package reference. The objects stay until the
// garbage collector reclaims them.
func (r *Repository) RemovePackage(name, version string) error {
	refPath := packageRefPath(name, version)
	if _, err := r.GetRef(refPath); e3.IsKind(err, e3.ObjectNotFound) {
		return e3.Errf(e3.PackageNotFound, "package %s@%s", name, version)
	} else if err != nil {
		return err
	}
	if err := r.DelRef(refPath); err != nil {
		return err
	}
	r.audit.Log(AuditPackageRemove{Package: name, Version: version})
	return nil
}

// packageClosure collects every object hash reachable from a package object:
// the package itself, task objects, their command IR objects, and the full
// initial tree with its values.
func (r *Repository) packageClosure(h digest.Hash) (e3.Set[digest.Hash], error) {
	pkg, err := GetStruct[structs.Package](r, h)
	if err != nil {
		return nil, err
	}
	closure := e3.Set[digest.Hash]{}
	closure.Set(h)
	taskNames := make([]string, 0, len(pkg.Tasks))
	for name := range pkg.Tasks {
		taskNames = append(taskNames, name)
	}
	sort.Strings(taskNames)
	for _, name := range taskNames {
		taskHash := pkg.Tasks[name]
		task, err := GetStruct[structs.Task](r, taskHash)
		if err != nil {
			return nil, err
		}
		closure.Set(taskHash)
		closure.Set(task.CommandIR)
	}
	if err := r.collectTree(pkg.RootTree, closure); err != nil {
		return nil, err
	}
	return closure, nil
}

// collectTree adds a tree node and everything below it to the set.
func (r *Repository) collectTree(h digest.Hash, into e3.Set[digest.Hash]) error {
	if into.Has(h) {
		return nil
	}
	node, err := GetStruct[structs.TreeNode](r, h)
	if err != nil {
		return err
	}
	into.Set(h)
	if node.IsLeaf() {
		if node.Leaf.Kind == structs.RefValue {
			into.Set(node.Leaf.Hash)
		}
		return nil
	}
	fields := make([]string, 0, len(node.Fields))
	for field := range node.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if err := r.collectTree(node.Fields[field], into); err != nil {
			return err
		}
	}
	return nil
}

// parseObjectEntry splits an `objects/<aa>/<rest>.<ext>` archive entry name
// into its claimed hash and extension.
func parseObjectEntry(name string) (digest.Hash, string, error) {
	dir, file := path.Split(name)
	aa := path.Base(strings.TrimSuffix(dir, "/"))
	ext := strings.TrimPrefix(filepath.Ext(file), ".")
	rest := strings.TrimSuffix(file, "."+ext)
	if len(aa) != digest.DirLen || ext == "" {
		return digest.Hash{}, "", e3.Errf(e3.PackageInvalid, "archive entry %q is not an object path", name)
	}
	h, err := digest.Parse(aa + rest)
	if err != nil {
		return digest.Hash{}, "", e3.Wrapf(e3.PackageInvalid, err, "archive entry %q", name)
	}
	return h, ext, nil
}
