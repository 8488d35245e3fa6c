package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bxcodec/faker/v4"
	"github.com/zond/e3"
	"github.com/zond/e3/digest"
)

func withRepo(t *testing.T, f func(r *Repository)) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "repo")
	r, err := Create(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	f(r)
}

func TestCreateOpenRemove(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "repo")
	if _, err := Open(dir); !e3.IsKind(err, e3.RepoNotFound) {
		t.Errorf("Open of missing dir = %v", err)
	}
	r, err := Create(dir)
	if err != nil {
		t.Fatal(err)
	}
	r.Close()
	if _, err := Create(dir); err == nil {
		t.Error("second Create succeeded")
	}
	if r, err = Open(dir); err != nil {
		t.Fatal(err)
	}
	r.Close()
	if err := Remove(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir); !e3.IsKind(err, e3.RepoNotFound) {
		t.Errorf("Open after Remove = %v", err)
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	withRepo(t, func(r *Repository) {
		payloads := [][]byte{
			nil,
			[]byte("14"),
			bytes.Repeat([]byte{0}, 1024),
		}
		for i := 0; i < 10; i++ {
			payloads = append(payloads, []byte(faker.Paragraph()))
		}
		for _, b := range payloads {
			h, err := r.Put(b, BinExt)
			if err != nil {
				t.Fatal(err)
			}
			if h != digest.Sum(b) {
				t.Errorf("Put hash = %s, want %s", h, digest.Sum(b))
			}
			got, err := r.Get(h, BinExt)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, b) {
				t.Errorf("Get(%s) returned different bytes", h)
			}
			if !r.Exists(h) {
				t.Errorf("Exists(%s) = false", h)
			}
		}
	})
}

func TestEmptyObject(t *testing.T) {
	withRepo(t, func(r *Repository) {
		h, err := r.Put(nil, BinExt)
		if err != nil {
			t.Fatal(err)
		}
		if h != digest.Empty {
			t.Errorf("empty object hash = %s, want %s", h, digest.Empty)
		}
		b, err := r.Get(h, BinExt)
		if err != nil {
			t.Fatal(err)
		}
		if len(b) != 0 {
			t.Errorf("empty object returned %d bytes", len(b))
		}
	})
}

func TestPutIdempotent(t *testing.T) {
	withRepo(t, func(r *Repository) {
		content := []byte("same bytes")
		first, err := r.Put(content, BinExt)
		if err != nil {
			t.Fatal(err)
		}
		second, err := r.Put(content, BinExt)
		if err != nil {
			t.Fatal(err)
		}
		if first != second {
			t.Errorf("puts of identical bytes diverged: %s vs %s", first, second)
		}
	})
}

func TestConcurrentPutConverges(t *testing.T) {
	withRepo(t, func(r *Repository) {
		content := []byte("racing writers")
		want := digest.Sum(content)
		wg := sync.WaitGroup{}
		results := make([]digest.Hash, 16)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h, err := r.Put(content, BinExt)
				if err != nil {
					t.Error(err)
					return
				}
				results[i] = h
			}()
		}
		wg.Wait()
		for _, h := range results {
			if h != want {
				t.Errorf("racing put = %s, want %s", h, want)
			}
		}
		entries, err := os.ReadDir(filepath.Join(r.Dir(), objectsDir, want.Dir()))
		if err != nil {
			t.Fatal(err)
		}
		count := 0
		for _, entry := range entries {
			if !bytes.HasSuffix([]byte(entry.Name()), []byte("."+partialExt)) {
				count++
			}
		}
		if count != 1 {
			t.Errorf("%d files on disk for one object", count)
		}
	})
}

func TestPutReader(t *testing.T) {
	withRepo(t, func(r *Repository) {
		content := []byte(faker.Paragraph())
		h, err := r.PutReader(bytes.NewReader(content), BinExt)
		if err != nil {
			t.Fatal(err)
		}
		if h != digest.Sum(content) {
			t.Errorf("PutReader hash = %s", h)
		}
		rc, err := r.GetReader(h, BinExt)
		if err != nil {
			t.Fatal(err)
		}
		defer rc.Close()
		got := &bytes.Buffer{}
		if _, err := got.ReadFrom(rc); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got.Bytes(), content) {
			t.Error("GetReader returned different bytes")
		}
	})
}

func TestGetMissing(t *testing.T) {
	withRepo(t, func(r *Repository) {
		if _, err := r.Get(digest.Sum([]byte("absent")), BinExt); !e3.IsKind(err, e3.ObjectNotFound) {
			t.Errorf("Get of missing object = %v", err)
		}
	})
}

func TestVerifyDetectsCorruption(t *testing.T) {
	withRepo(t, func(r *Repository) {
		h, err := r.Put([]byte("pristine"), BinExt)
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Verify(h, BinExt); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(r.objectPath(h, BinExt), []byte("tampered"), filePerm); err != nil {
			t.Fatal(err)
		}
		if err := r.Verify(h, BinExt); !e3.IsKind(err, e3.ObjectCorrupt) {
			t.Errorf("Verify of tampered object = %v", err)
		}
	})
}

func TestResolvePrefix(t *testing.T) {
	withRepo(t, func(r *Repository) {
		h, err := r.Put([]byte("prefix target"), BinExt)
		if err != nil {
			t.Fatal(err)
		}
		got, err := r.ResolvePrefix(h.String()[:12])
		if err != nil {
			t.Fatal(err)
		}
		if got != h {
			t.Errorf("ResolvePrefix = %s, want %s", got, h)
		}
		if _, err := r.ResolvePrefix("0123456789ab"); !e3.IsKind(err, e3.ObjectNotFound) {
			t.Errorf("ResolvePrefix of absent prefix = %v", err)
		}
		if _, err := r.ResolvePrefix("z"); err == nil {
			t.Error("ResolvePrefix of non-hex prefix succeeded")
		}
	})
}

func TestRefs(t *testing.T) {
	withRepo(t, func(r *Repository) {
		h := digest.Sum([]byte("ref target"))
		if err := r.SetRef("packages/demo/1.0.0", h); err != nil {
			t.Fatal(err)
		}
		got, err := r.GetRef("packages/demo/1.0.0")
		if err != nil {
			t.Fatal(err)
		}
		if got != h {
			t.Errorf("GetRef = %s, want %s", got, h)
		}
		raw, err := os.ReadFile(filepath.Join(r.Dir(), "packages/demo/1.0.0"))
		if err != nil {
			t.Fatal(err)
		}
		if string(raw) != h.String()+"\n" {
			t.Errorf("ref file content %q", raw)
		}
		names, err := r.ListRefs("packages/demo")
		if err != nil {
			t.Fatal(err)
		}
		if len(names) != 1 || names[0] != "1.0.0" {
			t.Errorf("ListRefs = %v", names)
		}
		if err := r.DelRef("packages/demo/1.0.0"); err != nil {
			t.Fatal(err)
		}
		if err := r.DelRef("packages/demo/1.0.0"); err != nil {
			t.Errorf("second DelRef = %v", err)
		}
		if _, err := r.GetRef("packages/demo/1.0.0"); !e3.IsKind(err, e3.ObjectNotFound) {
			t.Errorf("GetRef after delete = %v", err)
		}
	})
}

func TestStructRoundtripWithVerification(t *testing.T) {
	withRepo(t, func(r *Repository) {
		task := &structTestPayload{Name: "double", Level: 3}
		h, err := r.PutStruct(task)
		if err != nil {
			t.Fatal(err)
		}
		got, err := GetStruct[structTestPayload](r, h)
		if err != nil {
			t.Fatal(err)
		}
		if *got != *task {
			t.Errorf("GetStruct = %+v, want %+v", got, task)
		}
		// Cached reads return the decoded object without touching disk.
		again, err := GetStruct[structTestPayload](r, h)
		if err != nil {
			t.Fatal(err)
		}
		if again != got {
			t.Error("second read did not hit the decoded cache")
		}
	})
}

type structTestPayload struct {
	Name  string `cbor:"1,keyasint"`
	Level int    `cbor:"2,keyasint"`
}

func TestStatus(t *testing.T) {
	withRepo(t, func(r *Repository) {
		if _, err := r.Put([]byte("one"), BinExt); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Put([]byte("two"), BinExt); err != nil {
			t.Fatal(err)
		}
		if err := r.CreateWorkspace("w"); err != nil {
			t.Fatal(err)
		}
		status, err := r.Status()
		if err != nil {
			t.Fatal(err)
		}
		if status.Objects != 2 {
			t.Errorf("Objects = %d", status.Objects)
		}
		if status.Workspaces != 1 {
			t.Errorf("Workspaces = %d", status.Workspaces)
		}
	})
}
