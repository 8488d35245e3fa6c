package storage

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zond/e3"
	"github.com/zond/e3/digest"
	"github.com/zond/e3/storage/lock"
	"github.com/zond/e3/structs"
)

const (
	lockSuffix      = ".lock"
	executionSuffix = ".execution"
)

func (r *Repository) workspaceStatePath(name string) string {
	return filepath.Join(r.dir, workspacesDir, name)
}

// WorkspaceLockPath returns the flock target guarding a workspace.
func (r *Repository) WorkspaceLockPath(name string) string {
	return r.workspaceStatePath(name) + lockSuffix
}

// WorkspaceExecutionPath returns the per-workspace execution state file.
func (r *Repository) WorkspaceExecutionPath(name string) string {
	return r.workspaceStatePath(name) + executionSuffix
}

// LockWorkspace takes the exclusive advisory lock of a workspace.
func (r *Repository) LockWorkspace(name, operation string, opts lock.Options) (*lock.Handle, error) {
	if _, err := os.Stat(r.workspaceStatePath(name)); os.IsNotExist(err) {
		return nil, e3.Errf(e3.WorkspaceNotFound, "workspace %q", name)
	} else if err != nil {
		return nil, wrapFS(err)
	}
	return lock.Acquire(r.WorkspaceLockPath(name), operation, opts)
}

// CreateWorkspace creates a named workspace in the created-but-not-deployed
// state: an empty state file.
func (r *Repository) CreateWorkspace(name string) error {
	if name == "" || strings.ContainsAny(name, "/.") {
		return e3.Errf(e3.WorkspaceNotFound, "invalid workspace name %q", name)
	}
	path := r.workspaceStatePath(name)
	if _, err := os.Stat(path); err == nil {
		return e3.Errf(e3.WorkspaceExists, "workspace %q", name)
	} else if !os.IsNotExist(err) {
		return wrapFS(err)
	}
	if err := r.writeFileAtomic(filepath.Join(workspacesDir, name), nil); err != nil {
		return err
	}
	r.audit.Log(AuditWorkspaceCreate{Workspace: name})
	return nil
}

// ListWorkspaces returns every workspace name.
func (r *Repository) ListWorkspaces() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.dir, workspacesDir))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, wrapFS(err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, lockSuffix) ||
			strings.HasSuffix(name, executionSuffix) ||
			strings.HasSuffix(name, "."+partialExt) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetWorkspaceState loads and decodes a workspace state. A present but empty
// state file means the workspace was created but never deployed.
func (r *Repository) GetWorkspaceState(name string) (*structs.WorkspaceState, error) {
	b, err := os.ReadFile(r.workspaceStatePath(name))
	if os.IsNotExist(err) {
		return nil, e3.Errf(e3.WorkspaceNotFound, "workspace %q", name)
	} else if err != nil {
		return nil, wrapFS(err)
	}
	if len(b) == 0 {
		return nil, e3.Errf(e3.WorkspaceNotDeployed, "workspace %q", name)
	}
	state := &structs.WorkspaceState{}
	if err := structs.Unmarshal(b, state); err != nil {
		return nil, e3.Wrapf(e3.ObjectCorrupt, err, "workspace %q state", name)
	}
	return state, nil
}

// PutWorkspaceState atomically replaces a workspace state file. The caller
// must hold the workspace lock.
func (r *Repository) PutWorkspaceState(name string, state *structs.WorkspaceState) error {
	b, err := structs.Marshal(state)
	if err != nil {
		return err
	}
	return r.writeFileAtomic(filepath.Join(workspacesDir, name), b)
}

// RemoveWorkspace deletes a workspace's state, lock, and execution files.
func (r *Repository) RemoveWorkspace(name string) error {
	handle, err := r.LockWorkspace(name, "remove", lock.Options{})
	if err != nil {
		return err
	}
	for _, path := range []string{
		r.workspaceStatePath(name),
		r.WorkspaceExecutionPath(name),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			handle.Release()
			return wrapFS(err)
		}
	}
	if err := handle.Release(); err != nil {
		return err
	}
	r.audit.Log(AuditWorkspaceRemove{Workspace: name})
	return nil
}

// Deploy resolves a package and computes the workspace's new state under the
// workspace lock. Dataset values already assigned in the old tree are
// preserved wherever their paths survive with a compatible type.
func (r *Repository) Deploy(name, pkgName, pkgVersion string) error {
	handle, err := r.LockWorkspace(name, "deploy", lock.Options{Wait: true, Timeout: 10 * time.Second})
	if err != nil {
		return err
	}
	defer handle.Release()

	if pkgVersion == "" {
		if pkgVersion, err = r.LatestVersion(pkgName); err != nil {
			return err
		}
	}
	pkg, pkgHash, err := r.GetPackage(pkgName, pkgVersion)
	if err != nil {
		return err
	}

	rootHash := pkg.RootTree
	old, err := r.GetWorkspaceState(name)
	if err != nil && !e3.IsKind(err, e3.WorkspaceNotDeployed) {
		return err
	}
	if old != nil {
		if rootHash, err = r.carryDatasets(old, pkg, rootHash); err != nil {
			return err
		}
	}

	if err := r.PutWorkspaceState(name, &structs.WorkspaceState{
		PackageName:    pkgName,
		PackageVersion: pkgVersion,
		PackageHash:    pkgHash,
		RootHash:       rootHash,
		Structure:      pkg.Structure,
		TaskMap:        pkg.Tasks,
	}); err != nil {
		return err
	}
	r.audit.Log(AuditDeploy{Workspace: name, Package: pkgName, Version: pkgVersion})
	return nil
}

// carryDatasets copies assigned values from the old tree into the new one at
// every dataset path present in both structures with the same type.
func (r *Repository) carryDatasets(old *structs.WorkspaceState, pkg *structs.Package, rootHash digest.Hash) (digest.Hash, error) {
	for _, path := range pkg.Structure.DatasetPaths() {
		oldNode := old.Structure.At(path)
		newNode := pkg.Structure.At(path)
		if oldNode == nil || !oldNode.IsValue() || oldNode.Type != newNode.Type {
			continue
		}
		ref, err := r.treeRefAt(old.RootHash, path)
		if err != nil {
			return digest.Hash{}, err
		}
		if ref.Kind != structs.RefValue {
			continue
		}
		if rootHash, err = r.treeSetAt(rootHash, pkg.Structure, path, ref); err != nil {
			return digest.Hash{}, err
		}
	}
	return rootHash, nil
}

// treeRefAt walks the tree to the given path and returns the DataRef there: a
// leaf's own ref, or a tree ref for an interior node.
func (r *Repository) treeRefAt(root digest.Hash, path structs.Path) (structs.DataRef, error) {
	h := root
	for _, field := range path.Fields() {
		node, err := GetStruct[structs.TreeNode](r, h)
		if err != nil {
			return structs.DataRef{}, err
		}
		if node.IsLeaf() {
			return structs.DataRef{}, e3.Errf(e3.DatasetNotFound, "path %q descends below a dataset", path)
		}
		child, found := node.Fields[field]
		if !found {
			return structs.DataRef{}, e3.Errf(e3.DatasetNotFound, "path %q", path)
		}
		h = child
	}
	node, err := GetStruct[structs.TreeNode](r, h)
	if err != nil {
		return structs.DataRef{}, err
	}
	if node.IsLeaf() {
		return *node.Leaf, nil
	}
	return structs.TreeRef(h), nil
}

// treeSetAt rewrites the tree along path, copy-on-write, so the dataset leaf
// at path carries ref. Returns the new root hash. The path must name a
// dataset in the structure.
func (r *Repository) treeSetAt(root digest.Hash, structure *structs.Structure, path structs.Path, ref structs.DataRef) (digest.Hash, error) {
	node := structure.At(path)
	if node == nil {
		return digest.Hash{}, e3.Errf(e3.DatasetNotFound, "path %q", path)
	}
	if !node.IsValue() {
		return digest.Hash{}, e3.Errf(e3.DatasetNotFound, "path %q is a subtree, not a dataset", path)
	}
	return r.treeRewrite(root, path.Fields(), ref)
}

func (r *Repository) treeRewrite(h digest.Hash, fields []string, ref structs.DataRef) (digest.Hash, error) {
	if len(fields) == 0 {
		return r.PutStruct(structs.LeafNode(ref))
	}
	node, err := GetStruct[structs.TreeNode](r, h)
	if err != nil {
		return digest.Hash{}, err
	}
	if node.IsLeaf() {
		return digest.Hash{}, e3.Errf(e3.DatasetNotFound, "path descends below a dataset")
	}
	child, found := node.Fields[fields[0]]
	if !found {
		return digest.Hash{}, e3.Errf(e3.DatasetNotFound, "field %q", fields[0])
	}
	newChild, err := r.treeRewrite(child, fields[1:], ref)
	if err != nil {
		return digest.Hash{}, err
	}
	updated := map[string]digest.Hash{}
	for name, childHash := range node.Fields {
		updated[name] = childHash
	}
	updated[fields[0]] = newChild
	return r.PutStruct(structs.StructNode(updated))
}

// GetDatasetRef reads the DataRef at a workspace path.
func (r *Repository) GetDatasetRef(name string, path structs.Path) (structs.DataRef, error) {
	state, err := r.GetWorkspaceState(name)
	if err != nil {
		return structs.DataRef{}, err
	}
	if state.Structure.At(path) == nil {
		return structs.DataRef{}, e3.Errf(e3.DatasetNotFound, "path %q in workspace %q", path, name)
	}
	return r.treeRefAt(state.RootHash, path)
}

// UpdateDatasetRef rewrites the workspace tree so the dataset at path carries
// ref, and atomically writes the new state. The caller must hold the
// workspace lock.
func (r *Repository) UpdateDatasetRef(name string, path structs.Path, ref structs.DataRef) error {
	state, err := r.GetWorkspaceState(name)
	if err != nil {
		return err
	}
	newRoot, err := r.treeSetAt(state.RootHash, state.Structure, path, ref)
	if err != nil {
		return err
	}
	state.RootHash = newRoot
	return r.PutWorkspaceState(name, state)
}

// SetDatasetRef is UpdateDatasetRef behind its own lock acquisition, for
// callers outside an execution.
func (r *Repository) SetDatasetRef(name string, path structs.Path, ref structs.DataRef) error {
	handle, err := r.LockWorkspace(name, "set", lock.Options{Wait: true, Timeout: 10 * time.Second})
	if err != nil {
		return err
	}
	defer handle.Release()
	return r.UpdateDatasetRef(name, path, ref)
}

// GetTask resolves a named task of a workspace.
func (r *Repository) GetTask(name, taskName string) (*structs.Task, digest.Hash, error) {
	state, err := r.GetWorkspaceState(name)
	if err != nil {
		return nil, digest.Hash{}, err
	}
	taskHash, found := state.TaskMap[taskName]
	if !found {
		return nil, digest.Hash{}, e3.Errf(e3.TaskNotFound, "task %q in workspace %q", taskName, name)
	}
	task, err := GetStruct[structs.Task](r, taskHash)
	if err != nil {
		return nil, digest.Hash{}, err
	}
	return task, taskHash, nil
}

// VerifyWorkspaceShape checks the invariant that the workspace tree has
// exactly the shape of its structure.
func (r *Repository) VerifyWorkspaceShape(state *structs.WorkspaceState) error {
	var walk func(h digest.Hash, node *structs.Structure, prefix structs.Path) error
	walk = func(h digest.Hash, node *structs.Structure, prefix structs.Path) error {
		tree, err := GetStruct[structs.TreeNode](r, h)
		if err != nil {
			return err
		}
		if node.IsValue() {
			if !tree.IsLeaf() {
				return e3.Errf(e3.ObjectCorrupt, "struct node at dataset path %q", prefix)
			}
			return nil
		}
		if tree.IsLeaf() {
			return e3.Errf(e3.ObjectCorrupt, "dataset node at subtree path %q", prefix)
		}
		if len(tree.Fields) != len(node.Fields) {
			return e3.Errf(e3.ObjectCorrupt, "tree shape mismatch at %q", prefix)
		}
		for field, childStructure := range node.Fields {
			childHash, found := tree.Fields[field]
			if !found {
				return e3.Errf(e3.ObjectCorrupt, "missing tree field %q at %q", field, prefix)
			}
			if err := walk(childHash, childStructure, prefix.Child(field)); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(state.RootHash, state.Structure, "")
}
