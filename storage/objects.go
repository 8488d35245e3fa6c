package storage

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zond/e3"
	"github.com/zond/e3/digest"
	"github.com/zond/e3/structs"
)

// objectPath returns the canonical file path of an object with the given
// extension.
func (r *Repository) objectPath(h digest.Hash, ext string) string {
	return filepath.Join(r.dir, objectsDir, h.Dir(), h.Rest()+"."+ext)
}

// Put stores b as a content-addressed object and returns its hash. Racing
// writers of the same bytes converge on a single file: the object is staged
// as a partial in the target directory, fsynced, and renamed into place.
func (r *Repository) Put(b []byte, ext string) (digest.Hash, error) {
	h := digest.Sum(b)
	path := r.objectPath(h, ext)
	if _, err := os.Stat(path); err == nil {
		return h, nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return digest.Hash{}, wrapFS(err)
	}
	staged, err := os.CreateTemp(dir, "*."+partialExt)
	if err != nil {
		return digest.Hash{}, wrapFS(err)
	}
	defer os.Remove(staged.Name())
	if _, err := staged.Write(b); err != nil {
		staged.Close()
		return digest.Hash{}, wrapFS(err)
	}
	if err := commitStaged(staged, path); err != nil {
		return digest.Hash{}, err
	}
	return h, nil
}

// PutReader streams everything readable from rd into the store, computing the
// hash incrementally, and finalizes like Put.
func (r *Repository) PutReader(rd io.Reader, ext string) (digest.Hash, error) {
	staged, err := os.CreateTemp(filepath.Join(r.dir, objectsDir), "*."+partialExt)
	if err != nil {
		return digest.Hash{}, wrapFS(err)
	}
	defer os.Remove(staged.Name())
	hasher := digest.NewHasher()
	if _, err := io.Copy(io.MultiWriter(staged, hasher), rd); err != nil {
		staged.Close()
		return digest.Hash{}, e3.WithStack(err)
	}
	h := hasher.Sum()
	path := r.objectPath(h, ext)
	if _, err := os.Stat(path); err == nil {
		staged.Close()
		return h, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		staged.Close()
		return digest.Hash{}, wrapFS(err)
	}
	if err := commitStaged(staged, path); err != nil {
		return digest.Hash{}, err
	}
	return h, nil
}

// commitStaged fsyncs and closes the staged file, renames it into place, and
// fsyncs the containing directory. Durability requires both fsyncs: rename
// alone can be lost with the directory update on crash.
func commitStaged(staged *os.File, path string) error {
	if err := staged.Sync(); err != nil {
		staged.Close()
		return wrapFS(err)
	}
	if err := staged.Close(); err != nil {
		return wrapFS(err)
	}
	if err := os.Rename(staged.Name(), path); err != nil {
		return wrapFS(err)
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return wrapFS(err)
	}
	defer f.Close()
	return wrapFS(f.Sync())
}

// Get returns the bytes of an object.
func (r *Repository) Get(h digest.Hash, ext string) ([]byte, error) {
	b, err := os.ReadFile(r.objectPath(h, ext))
	if os.IsNotExist(err) {
		return nil, e3.Errf(e3.ObjectNotFound, "object %s.%s", h, ext)
	} else if err != nil {
		return nil, wrapFS(err)
	}
	return b, nil
}

// GetReader opens an object for streamed reads.
func (r *Repository) GetReader(h digest.Hash, ext string) (io.ReadCloser, error) {
	f, err := os.Open(r.objectPath(h, ext))
	if os.IsNotExist(err) {
		return nil, e3.Errf(e3.ObjectNotFound, "object %s.%s", h, ext)
	} else if err != nil {
		return nil, wrapFS(err)
	}
	return f, nil
}

// Exists cheaply reports whether the object is present under any extension.
func (r *Repository) Exists(h digest.Hash) bool {
	for _, ext := range []string{BinExt, TextExt} {
		if _, err := os.Stat(r.objectPath(h, ext)); err == nil {
			return true
		}
	}
	return false
}

// Verify re-hashes the stored bytes and fails with object_corrupt when they
// no longer match h. Used when resolving from live roots, where silent drops
// are forbidden.
func (r *Repository) Verify(h digest.Hash, ext string) error {
	f, err := r.GetReader(h, ext)
	if err != nil {
		return err
	}
	defer f.Close()
	sum, err := digest.SumReader(f)
	if err != nil {
		return err
	}
	if sum != h {
		return e3.Errf(e3.ObjectCorrupt, "object %s.%s hashes to %s", h, ext, sum)
	}
	return nil
}

// ResolvePrefix expands a unique object hash prefix to the full hash.
func (r *Repository) ResolvePrefix(prefix string) (digest.Hash, error) {
	if len(prefix) == digest.HexLen {
		return digest.Parse(prefix)
	}
	if len(prefix) < digest.DirLen || !digest.IsHex(prefix) {
		return digest.Hash{}, e3.Errf(e3.ObjectNotFound, "prefix %q too short or not hex", prefix)
	}
	entries, err := os.ReadDir(filepath.Join(r.dir, objectsDir, prefix[:digest.DirLen]))
	if os.IsNotExist(err) {
		return digest.Hash{}, e3.Errf(e3.ObjectNotFound, "no object with prefix %q", prefix)
	} else if err != nil {
		return digest.Hash{}, wrapFS(err)
	}
	matches := e3.Set[string]{}
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if strings.HasSuffix(entry.Name(), "."+partialExt) {
			continue
		}
		if strings.HasPrefix(prefix[:digest.DirLen]+name, prefix) {
			matches.Set(prefix[:digest.DirLen] + name)
		}
	}
	if len(matches) == 0 {
		return digest.Hash{}, e3.Errf(e3.ObjectNotFound, "no object with prefix %q", prefix)
	}
	if len(matches) > 1 {
		return digest.Hash{}, e3.Errf(e3.Ambiguous, "%d objects with prefix %q", len(matches), prefix)
	}
	for match := range matches {
		return digest.Parse(match)
	}
	panic("unreachable")
}

// eachObjectFile walks every file in the object store, including partials.
func (r *Repository) eachObjectFile(f func(path string, info os.FileInfo, partial bool) error) error {
	root := filepath.Join(r.dir, objectsDir)
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if os.IsNotExist(err) {
			return nil
		} else if err != nil {
			return wrapFS(err)
		}
		if info.IsDir() {
			return nil
		}
		return f(path, info, strings.HasSuffix(path, "."+partialExt))
	})
}

// PutStruct stores v in canonical binary encoding.
func (r *Repository) PutStruct(v any) (digest.Hash, error) {
	b, err := structs.Marshal(v)
	if err != nil {
		return digest.Hash{}, err
	}
	return r.Put(b, BinExt)
}

// PutTextStruct stores the printed equivalent of v as a text object.
func (r *Repository) PutTextStruct(v any) (digest.Hash, error) {
	b, err := structs.MarshalText(v)
	if err != nil {
		return digest.Hash{}, err
	}
	return r.Put(b, TextExt)
}

// GetStruct loads and verifies the canonical binary object h into a fresh T.
// Decoded objects are immutable, so results are served from an expiring LRU.
func GetStruct[T any](r *Repository, h digest.Hash) (*T, error) {
	key := h.String() + "." + BinExt
	if cached, found := r.decoded.Get(key); found {
		if v, ok := cached.(*T); ok {
			return v, nil
		}
	}
	b, err := r.Get(h, BinExt)
	if err != nil {
		return nil, err
	}
	if sum := digest.Sum(b); sum != h {
		return nil, e3.Errf(e3.ObjectCorrupt, "object %s hashes to %s", h, sum)
	}
	v, canonical, err := structs.Canonical[T](b)
	if err != nil {
		return nil, e3.Wrapf(e3.ObjectCorrupt, err, "object %s does not decode", h)
	}
	if !canonical {
		return nil, e3.Errf(e3.ObjectCorrupt, "object %s is not canonically encoded", h)
	}
	r.decoded.Set(key, v, 0)
	return v, nil
}

// SortedHashes renders a hash set in stable order, for logs and tests.
func SortedHashes(set e3.Set[digest.Hash]) []string {
	result := make([]string, 0, len(set))
	for h := range set {
		result = append(result, h.String())
	}
	sort.Strings(result)
	return result
}
