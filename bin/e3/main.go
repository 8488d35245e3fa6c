package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gertd/go-pluralize"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"
	"github.com/zond/e3"
	"github.com/zond/e3/dataflow"
	"github.com/zond/e3/storage"
	"github.com/zond/e3/storage/execstate"
	"github.com/zond/e3/structs"
)

var plural = pluralize.NewClient()

func main() {
	log.SetFlags(0)
	root := &cobra.Command{
		Use:           "e3",
		Short:         "Durable content-addressed execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(repoCmd(), packageCmd(), workspaceCmd(), startCmd(), getCmd(), setCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// repoArgs resolves the repository path argument, falling back to E3_REPO
// when the command got one argument fewer than expected.
func repoArgs(args []string, rest int) (string, []string, error) {
	if len(args) == rest+1 {
		return args[0], args[1:], nil
	}
	if len(args) == rest {
		if dir := e3.DefaultRepoPath(); dir != "" {
			return dir, args, nil
		}
	}
	return "", nil, fmt.Errorf("repository path required (or set %s)", e3.RepoEnv)
}

func openRepo(args []string, rest int) (*storage.Repository, []string, error) {
	dir, remaining, err := repoArgs(args, rest)
	if err != nil {
		return nil, nil, err
	}
	repo, err := storage.Open(dir)
	if err != nil {
		return nil, nil, err
	}
	return repo, remaining, nil
}

// splitVersioned splits name or name@version.
func splitVersioned(s string) (string, string) {
	if idx := strings.IndexByte(s, '@'); idx >= 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

// splitDataset splits ws.path.to.dataset into workspace and path.
func splitDataset(s string) (string, structs.Path, error) {
	idx := strings.IndexByte(s, '.')
	if idx <= 0 || idx == len(s)-1 {
		return "", "", fmt.Errorf("%q is not of the form <workspace>.<path>", s)
	}
	return s[:idx], structs.Path(s[idx+1:]), nil
}

func repoCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "repo", Short: "Manage repositories"}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <path>",
		Short: "Initialize a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := storage.Create(args[0])
			if err != nil {
				return err
			}
			defer repo.Close()
			fmt.Printf("created repository %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status [path]",
		Short: "Summarize a repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, _, err := openRepo(args, 0)
			if err != nil {
				return err
			}
			defer repo.Close()
			status, err := repo.Status()
			if err != nil {
				return err
			}
			tbl := table.New("", "count")
			tbl.AddRow("objects", status.Objects)
			tbl.AddRow("object bytes", status.Bytes)
			tbl.AddRow("partials", status.Partials)
			tbl.AddRow("packages", status.Packages)
			tbl.AddRow("workspaces", status.Workspaces)
			tbl.AddRow("executions", status.Executions)
			tbl.Print()
			return nil
		},
	})

	var dryRun bool
	var minAge int
	gc := &cobra.Command{
		Use:   "gc [path]",
		Short: "Collect unreachable objects",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, _, err := openRepo(args, 0)
			if err != nil {
				return err
			}
			defer repo.Close()
			stats, err := repo.GC(time.Duration(minAge)*time.Second, dryRun)
			if err != nil {
				return err
			}
			verb := "deleted"
			if dryRun {
				verb = "would delete"
			}
			fmt.Printf("%s %s and %s, freeing %d bytes; retained %d, skipped %d young\n",
				verb,
				plural.Pluralize("object", stats.DeletedObjects, true),
				plural.Pluralize("partial", stats.DeletedPartials, true),
				stats.BytesFreed, stats.RetainedObjects, stats.SkippedYoung)
			return nil
		},
	}
	gc.Flags().BoolVar(&dryRun, "dry-run", false, "Only report what would be deleted.")
	gc.Flags().IntVar(&minAge, "min-age", int(storage.DefaultGCMinAge/time.Second), "Minimum object age in seconds before sweeping.")
	cmd.AddCommand(gc)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <path>",
		Short: "Delete a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return storage.Remove(args[0])
		},
	})
	return cmd
}

func packageCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "package", Short: "Manage packages"}

	cmd.AddCommand(&cobra.Command{
		Use:   "import [repo] <zip>",
		Short: "Import a package archive",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, rest, err := openRepo(args, 1)
			if err != nil {
				return err
			}
			defer repo.Close()
			imported, err := repo.ImportPackage(rest[0])
			if err != nil {
				return err
			}
			for _, pkg := range imported {
				fmt.Printf("imported %s@%s (%s)\n", pkg.Name, pkg.Version, pkg.Hash)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list [repo]",
		Short: "List packages",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, _, err := openRepo(args, 0)
			if err != nil {
				return err
			}
			defer repo.Close()
			packages, err := repo.ListPackages()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(packages))
			for name := range packages {
				names = append(names, name)
			}
			sort.Strings(names)
			tbl := table.New("package", "versions")
			for _, name := range names {
				tbl.AddRow(name, strings.Join(packages[name], ", "))
			}
			tbl.Print()
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get [repo] <name>[@version]",
		Short: "Show a package",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, rest, err := openRepo(args, 1)
			if err != nil {
				return err
			}
			defer repo.Close()
			name, version := splitVersioned(rest[0])
			pkg, hash, err := repo.GetPackage(name, version)
			if err != nil {
				return err
			}
			fmt.Printf("package %s (%s)\n", rest[0], hash)
			taskNames := make([]string, 0, len(pkg.Tasks))
			for taskName := range pkg.Tasks {
				taskNames = append(taskNames, taskName)
			}
			sort.Strings(taskNames)
			tbl := table.New("task", "hash")
			for _, taskName := range taskNames {
				tbl.AddRow(taskName, pkg.Tasks[taskName])
			}
			tbl.Print()
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export [repo] <name>@<version> <out.zip>",
		Short: "Export a package archive",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, rest, err := openRepo(args, 2)
			if err != nil {
				return err
			}
			defer repo.Close()
			name, version := splitVersioned(rest[0])
			return repo.ExportPackage(name, version, rest[1])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove [repo] <name>@<version>",
		Short: "Remove a package reference",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, rest, err := openRepo(args, 1)
			if err != nil {
				return err
			}
			defer repo.Close()
			name, version := splitVersioned(rest[0])
			if version == "" {
				return fmt.Errorf("package remove requires an explicit version")
			}
			return repo.RemovePackage(name, version)
		},
	})
	return cmd
}

func workspaceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workspace", Short: "Manage workspaces"}

	cmd.AddCommand(&cobra.Command{
		Use:   "create [repo] <name>",
		Short: "Create a workspace",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, rest, err := openRepo(args, 1)
			if err != nil {
				return err
			}
			defer repo.Close()
			return repo.CreateWorkspace(rest[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list [repo]",
		Short: "List workspaces",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, _, err := openRepo(args, 0)
			if err != nil {
				return err
			}
			defer repo.Close()
			names, err := repo.ListWorkspaces()
			if err != nil {
				return err
			}
			tbl := table.New("workspace", "package")
			for _, name := range names {
				state, err := repo.GetWorkspaceState(name)
				if e3.IsKind(err, e3.WorkspaceNotDeployed) {
					tbl.AddRow(name, "(not deployed)")
					continue
				} else if err != nil {
					return err
				}
				tbl.AddRow(name, state.PackageName+"@"+state.PackageVersion)
			}
			tbl.Print()
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deploy [repo] <workspace> <package>[@version]",
		Short: "Deploy a package into a workspace",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, rest, err := openRepo(args, 2)
			if err != nil {
				return err
			}
			defer repo.Close()
			name, version := splitVersioned(rest[1])
			return repo.Deploy(rest[0], name, version)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove [repo] <name>",
		Short: "Remove a workspace",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, rest, err := openRepo(args, 1)
			if err != nil {
				return err
			}
			defer repo.Close()
			return repo.RemoveWorkspace(rest[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status [repo] <name>",
		Short: "Show workspace datasets",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, rest, err := openRepo(args, 1)
			if err != nil {
				return err
			}
			defer repo.Close()
			state, err := repo.GetWorkspaceState(rest[0])
			if err != nil {
				return err
			}
			fmt.Printf("workspace %s: %s@%s\n", rest[0], state.PackageName, state.PackageVersion)
			tbl := table.New("dataset", "state")
			for _, path := range state.Structure.DatasetPaths() {
				ref, err := repo.GetDatasetRef(rest[0], path)
				if err != nil {
					return err
				}
				switch ref.Kind {
				case structs.RefValue:
					tbl.AddRow(path, ref.Hash)
				default:
					tbl.AddRow(path, "(unassigned)")
				}
			}
			tbl.Print()
			return nil
		},
	})
	return cmd
}

func startCmd() *cobra.Command {
	var concurrency int
	var force bool
	var filter []string
	cmd := &cobra.Command{
		Use:   "start [repo] <workspace>",
		Short: "Run the dataflow of a workspace",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, rest, err := openRepo(args, 1)
			if err != nil {
				return err
			}
			defer repo.Close()
			workspace := rest[0]

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store := execstate.NewFileStore(repo.Dir())
			done := make(chan struct{})
			go tailEvents(ctx, store, workspace, done)

			state, err := dataflow.Start(ctx, repo, workspace, dataflow.Options{
				Concurrency: concurrency,
				Force:       force,
				Filter:      filter,
				Store:       store,
			})
			close(done)
			if err != nil {
				return err
			}
			fmt.Printf("execution %s %s: %s executed, %s cached, %s failed, %s skipped\n",
				state.ID, state.Status,
				plural.Pluralize("task", state.Counters.Executed, true),
				plural.Pluralize("task", state.Counters.Cached, true),
				plural.Pluralize("task", state.Counters.Failed, true),
				plural.Pluralize("task", state.Counters.Skipped, true))
			if state.Status == structs.ExecFailed {
				return fmt.Errorf("execution %s failed", state.ID)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Maximum in-progress tasks (default: number of CPUs).")
	cmd.Flags().BoolVar(&force, "force", false, "Re-run tasks even on memoization hits.")
	cmd.Flags().StringSliceVar(&filter, "filter", nil, "Only run the named tasks and their dependencies.")
	return cmd
}

// tailEvents polls the execution state store and prints events as they land.
func tailEvents(ctx context.Context, store execstate.Store, workspace string, done chan struct{}) {
	var id string
	var seq uint64
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			// Drain anything emitted since the last tick.
		case <-ctx.Done():
		case <-ticker.C:
		}
		if id == "" {
			state, err := store.ReadLatest(context.Background(), workspace)
			if err != nil {
				if isDone(done) {
					return
				}
				continue
			}
			id = state.ID
		}
		events, err := store.EventsSince(context.Background(), workspace, id, seq)
		if err == nil {
			for _, event := range events {
				printEvent(event)
				seq = event.Seq
			}
		}
		if isDone(done) {
			return
		}
	}
}

func isDone(done chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func printEvent(event structs.Event) {
	switch event.Type {
	case structs.EventTaskStarted:
		fmt.Printf("  %s started\n", event.Task)
	case structs.EventTaskCompleted:
		if event.Cached {
			fmt.Printf("  %s completed (cached) -> %s\n", event.Task, event.Output)
		} else {
			fmt.Printf("  %s completed in %dms -> %s\n", event.Task, event.Duration, event.Output)
		}
	case structs.EventTaskFailed:
		fmt.Printf("  %s failed (exit %d) %s\n", event.Task, event.ExitCode, event.Message)
	case structs.EventTaskSkipped:
		fmt.Printf("  %s skipped (%s failed)\n", event.Task, event.Cause)
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [repo] <workspace>.<path>",
		Short: "Print a dataset value",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, rest, err := openRepo(args, 1)
			if err != nil {
				return err
			}
			defer repo.Close()
			workspace, path, err := splitDataset(rest[0])
			if err != nil {
				return err
			}
			ref, err := repo.GetDatasetRef(workspace, path)
			if err != nil {
				return err
			}
			if ref.Kind != structs.RefValue {
				return e3.Errf(e3.DatasetNotFound, "dataset %q has no value", rest[0])
			}
			b, err := repo.Get(ref.Hash, storage.BinExt)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(b)
			return err
		},
	}
}

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [repo] <workspace>.<path> <value-file>",
		Short: "Assign a dataset value from a file",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, rest, err := openRepo(args, 2)
			if err != nil {
				return err
			}
			defer repo.Close()
			workspace, path, err := splitDataset(rest[0])
			if err != nil {
				return err
			}
			b, err := os.ReadFile(rest[1])
			if err != nil {
				return err
			}
			h, err := repo.Put(b, storage.BinExt)
			if err != nil {
				return err
			}
			if err := repo.SetDatasetRef(workspace, path, structs.ValueRef(h)); err != nil {
				return err
			}
			fmt.Printf("%s = %s\n", rest[0], h)
			return nil
		},
	}
}
