package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zond/e3/digest"
	"github.com/zond/e3/structs"
)

func TestGCSafetyWindow(t *testing.T) {
	withRepo(t, func(r *Repository) {
		h, err := r.Put([]byte("unrooted"), BinExt)
		if err != nil {
			t.Fatal(err)
		}
		// Young and unreferenced: retained by the age gate.
		stats, err := r.GC(time.Minute, false)
		if err != nil {
			t.Fatal(err)
		}
		if stats.DeletedObjects != 0 || stats.SkippedYoung != 1 {
			t.Errorf("young sweep stats %+v", stats)
		}
		if !r.Exists(h) {
			t.Fatal("young object swept")
		}
		// Outside the window it goes.
		stats, err = r.GC(0, false)
		if err != nil {
			t.Fatal(err)
		}
		if stats.DeletedObjects != 1 {
			t.Errorf("old sweep stats %+v", stats)
		}
		if r.Exists(h) {
			t.Error("old unreachable object survived")
		}
	})
}

func TestGCRetainsPackageClosure(t *testing.T) {
	withRepo(t, func(r *Repository) {
		pkgHash := doublePackage(t, r)
		stats, err := r.GC(0, false)
		if err != nil {
			t.Fatal(err)
		}
		if stats.DeletedObjects != 0 {
			t.Errorf("deleted %d objects from a fully rooted store", stats.DeletedObjects)
		}
		closure, err := r.packageClosure(pkgHash)
		if err != nil {
			t.Fatal(err)
		}
		for h := range closure {
			if !r.Exists(h) {
				t.Errorf("closure object %s missing after GC", h)
			}
		}
	})
}

func TestGCAfterPackageRemove(t *testing.T) {
	withRepo(t, func(r *Repository) {
		pkgHash := doublePackage(t, r)
		closure, err := r.packageClosure(pkgHash)
		if err != nil {
			t.Fatal(err)
		}
		if err := r.RemovePackage("demo", "1.0.0"); err != nil {
			t.Fatal(err)
		}
		stats, err := r.GC(0, false)
		if err != nil {
			t.Fatal(err)
		}
		if stats.DeletedObjects != len(closure) {
			t.Errorf("deleted %d objects, want exactly the %d packaged ones", stats.DeletedObjects, len(closure))
		}
		for h := range closure {
			if r.Exists(h) {
				t.Errorf("packaged object %s survived", h)
			}
		}
	})
}

func TestGCRetainsWorkspaceRoots(t *testing.T) {
	withRepo(t, func(r *Repository) {
		doublePackage(t, r)
		if err := r.CreateWorkspace("w"); err != nil {
			t.Fatal(err)
		}
		if err := r.Deploy("w", "demo", ""); err != nil {
			t.Fatal(err)
		}
		valueHash, err := r.Put([]byte("7"), BinExt)
		if err != nil {
			t.Fatal(err)
		}
		if err := r.SetDatasetRef("w", "x", structs.ValueRef(valueHash)); err != nil {
			t.Fatal(err)
		}
		// The package is gone but the workspace still roots its tree and
		// the assigned value.
		if err := r.RemovePackage("demo", "1.0.0"); err != nil {
			t.Fatal(err)
		}
		if _, err := r.GC(0, false); err != nil {
			t.Fatal(err)
		}
		if !r.Exists(valueHash) {
			t.Error("assigned dataset value swept while workspace roots it")
		}
		ref, err := r.GetDatasetRef("w", "x")
		if err != nil {
			t.Fatal(err)
		}
		if ref.Kind != structs.RefValue || ref.Hash != valueHash {
			t.Errorf("dataset ref after GC = %+v", ref)
		}
	})
}

func TestGCRetainsExecutionOutputs(t *testing.T) {
	withRepo(t, func(r *Repository) {
		output, err := r.Put([]byte("execution output"), BinExt)
		if err != nil {
			t.Fatal(err)
		}
		record(t, r, digest.Sum([]byte("task")), digest.InputsHash(nil), structs.OutcomeSuccess, output)
		if _, err := r.GC(0, false); err != nil {
			t.Fatal(err)
		}
		if !r.Exists(output) {
			t.Error("successful execution output swept")
		}
	})
}

func TestGCRemovesStalePartials(t *testing.T) {
	withRepo(t, func(r *Repository) {
		partial := filepath.Join(r.Dir(), objectsDir, "leftover.partial")
		if err := os.WriteFile(partial, []byte("interrupted"), filePerm); err != nil {
			t.Fatal(err)
		}
		stats, err := r.GC(0, false)
		if err != nil {
			t.Fatal(err)
		}
		if stats.DeletedPartials != 1 {
			t.Errorf("DeletedPartials = %d", stats.DeletedPartials)
		}
		if _, err := os.Stat(partial); !os.IsNotExist(err) {
			t.Error("stale partial survived")
		}
	})
}

func TestGCDryRun(t *testing.T) {
	withRepo(t, func(r *Repository) {
		h, err := r.Put([]byte("doomed"), BinExt)
		if err != nil {
			t.Fatal(err)
		}
		stats, err := r.GC(0, true)
		if err != nil {
			t.Fatal(err)
		}
		if stats.DeletedObjects != 1 {
			t.Errorf("dry run stats %+v", stats)
		}
		if !r.Exists(h) {
			t.Error("dry run deleted an object")
		}
	})
}
