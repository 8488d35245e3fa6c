package storage

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zond/e3"
	"github.com/zond/e3/digest"
)

// References are small text files whose content is a hash plus a trailing
// newline, written with the same stage-then-rename discipline as objects.
// They form the garbage collector's roots.

// SetRef atomically points the reference at relPath to h.
func (r *Repository) SetRef(relPath string, h digest.Hash) error {
	return r.writeFileAtomic(relPath, []byte(h.String()+"\n"))
}

// GetRef reads the hash a reference points at.
func (r *Repository) GetRef(relPath string) (digest.Hash, error) {
	b, err := os.ReadFile(filepath.Join(r.dir, relPath))
	if os.IsNotExist(err) {
		return digest.Hash{}, e3.Errf(e3.ObjectNotFound, "ref %q", relPath)
	} else if err != nil {
		return digest.Hash{}, wrapFS(err)
	}
	return digest.Parse(strings.TrimSpace(string(b)))
}

// DelRef removes a reference. Removing an absent reference is not an error.
func (r *Repository) DelRef(relPath string) error {
	if err := os.Remove(filepath.Join(r.dir, relPath)); err != nil && !os.IsNotExist(err) {
		return wrapFS(err)
	}
	return nil
}

// ListRefs returns the names present in a reference directory at this moment.
// There is no snapshot isolation across calls.
func (r *Repository) ListRefs(relDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.dir, relDir))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, wrapFS(err)
	}
	var names []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), "."+partialExt) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ResolveRefPrefix finds the unique name in a reference directory matching
// the given prefix.
func (r *Repository) ResolveRefPrefix(relDir string, prefix string) (string, error) {
	names, err := r.ListRefs(relDir)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			matches = append(matches, name)
		}
	}
	if len(matches) == 0 {
		return "", e3.Errf(e3.ObjectNotFound, "no ref in %q matching %q", relDir, prefix)
	}
	if len(matches) > 1 {
		return "", e3.Errf(e3.Ambiguous, "%d refs in %q matching %q", len(matches), relDir, prefix)
	}
	return matches[0], nil
}

// writeFileAtomic stages content next to relPath and renames it into place.
func (r *Repository) writeFileAtomic(relPath string, content []byte) error {
	path := filepath.Join(r.dir, relPath)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return wrapFS(err)
	}
	staged, err := os.CreateTemp(filepath.Dir(path), "*."+partialExt)
	if err != nil {
		return wrapFS(err)
	}
	defer os.Remove(staged.Name())
	if _, err := staged.Write(content); err != nil {
		staged.Close()
		return wrapFS(err)
	}
	return commitStaged(staged, path)
}
