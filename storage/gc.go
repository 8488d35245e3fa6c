package storage

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/zond/e3"
	"github.com/zond/e3/digest"
	"github.com/zond/e3/structs"
)

// DefaultGCMinAge is the safety window protecting freshly written objects
// whose referencing refs haven't landed yet.
const DefaultGCMinAge = time.Minute

// GCStats summarizes one collection run.
type GCStats struct {
	DeletedObjects  int
	DeletedPartials int
	RetainedObjects int
	SkippedYoung    int
	BytesFreed      int64
}

// GC runs a mark-and-sweep collection over the object store. Roots are every
// package reference, every workspace state, and every successful execution
// record. The marker is conservative: object bytes are scanned for hash-
// shaped substrings (64-hex text and 32-byte CBOR byte strings), so a false
// positive retains an unreachable object but never deletes a live one. Marking may run concurrently with writers since
// anything younger than minAge is never swept.
func (r *Repository) GC(minAge time.Duration, dryRun bool) (*GCStats, error) {
	roots, err := r.gcRoots()
	if err != nil {
		return nil, err
	}
	marked, err := r.gcMark(roots)
	if err != nil {
		return nil, err
	}
	stats, err := r.gcSweep(marked, minAge, dryRun)
	if err != nil {
		return nil, err
	}
	if !dryRun {
		r.audit.Log(AuditGC{
			DeletedObjects:  stats.DeletedObjects,
			DeletedPartials: stats.DeletedPartials,
			BytesFreed:      stats.BytesFreed,
		})
	}
	return stats, nil
}

func (r *Repository) gcRoots() ([]digest.Hash, error) {
	var roots []digest.Hash

	packages, err := r.ListPackages()
	if err != nil {
		return nil, err
	}
	for name, versions := range packages {
		for _, version := range versions {
			h, err := r.GetRef(packageRefPath(name, version))
			if err != nil {
				return nil, err
			}
			roots = append(roots, h)
		}
	}

	workspaces, err := r.ListWorkspaces()
	if err != nil {
		return nil, err
	}
	for _, name := range workspaces {
		state, err := r.GetWorkspaceState(name)
		if e3.IsKind(err, e3.WorkspaceNotDeployed) {
			continue
		} else if err != nil {
			return nil, err
		}
		roots = append(roots, state.PackageHash, state.RootHash)
	}

	keys, err := r.ListAllExecutions()
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		ids, err := r.ListExecutionIDs(key.TaskHash, key.InputsHash)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			status, err := r.GetExecution(key.TaskHash, key.InputsHash, id)
			if err != nil {
				return nil, err
			}
			if status.Outcome == structs.OutcomeSuccess {
				roots = append(roots, status.Output)
			}
		}
	}
	return roots, nil
}

// gcMark walks the object graph breadth-first from the roots, scanning each
// object's bytes for embedded hashes, in hex or as raw CBOR byte strings.
func (r *Repository) gcMark(roots []digest.Hash) (e3.Set[digest.Hash], error) {
	marked := e3.Set[digest.Hash]{}
	queue := append([]digest.Hash{}, roots...)
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if marked.Has(h) || !r.Exists(h) {
			continue
		}
		marked.Set(h)
		for _, ext := range []string{BinExt, TextExt} {
			b, err := r.Get(h, ext)
			if e3.IsKind(err, e3.ObjectNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			candidates := digest.Scan(b)
			// Binary objects carry hashes as CBOR byte strings of digest.Size
			// bytes (header 0x58 0x20) rather than as hex.
			for i := 0; i+2+digest.Size <= len(b); i++ {
				if b[i] == 0x58 && b[i+1] == digest.Size {
					candidates = append(candidates, digest.Hash(b[i+2:i+2+digest.Size]))
				}
			}
			for _, embedded := range candidates {
				if !marked.Has(embedded) && r.Exists(embedded) {
					queue = append(queue, embedded)
				}
			}
		}
	}
	return marked, nil
}

func (r *Repository) gcSweep(marked e3.Set[digest.Hash], minAge time.Duration, dryRun bool) (*GCStats, error) {
	stats := &GCStats{}
	cutoff := time.Now().Add(-minAge)
	err := r.eachObjectFile(func(filePath string, info os.FileInfo, partial bool) error {
		old := !info.ModTime().After(cutoff)
		if partial {
			// Leftover staging files are not objects; reclaim any outside
			// the window unconditionally.
			if old {
				stats.DeletedPartials++
				if !dryRun {
					if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
						return wrapFS(err)
					}
				}
			}
			return nil
		}
		h, err := objectFileHash(filePath)
		if err != nil {
			return nil
		}
		if marked.Has(h) {
			stats.RetainedObjects++
			return nil
		}
		if !old {
			stats.SkippedYoung++
			return nil
		}
		stats.DeletedObjects++
		stats.BytesFreed += info.Size()
		if !dryRun {
			if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
				return wrapFS(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// objectFileHash recovers the hash of an object from its store path.
func objectFileHash(filePath string) (digest.Hash, error) {
	dir, file := path.Split(strings.ReplaceAll(filePath, string(os.PathSeparator), "/"))
	aa := path.Base(strings.TrimSuffix(dir, "/"))
	rest := file
	if idx := strings.IndexByte(rest, '.'); idx >= 0 {
		rest = rest[:idx]
	}
	return digest.Parse(aa + rest)
}
