// Command segalloc-driver replays allocator traces against independent
// Heap instances, optionally watching a directory and re-replaying a file
// when it changes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/selenia-project/segalloc/internal/alloc"
	"github.com/selenia-project/segalloc/internal/trace"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("segalloc-driver", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := fs.Bool("version", false, "print the version and exit")
	jsonOut := fs.Bool("json", false, "print one JSON report line per trace file")
	watchDir := fs.String("watch", "", "watch this directory and re-replay a trace file when it changes")
	growthStep := fs.Uint64("growth-step", uint64(alloc.PageStep), "heap growth step in bytes, per replayed trace")
	debugCheck := fs.Bool("debug-check", false, "run the invariant checker after every allocator call")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintln(stdout, "segalloc-driver", version)
		return 0
	}

	opts := []alloc.Option{
		alloc.WithGrowthStep(uintptr(*growthStep)),
		alloc.WithCheckOnEveryCall(*debugCheck),
	}

	if *watchDir != "" {
		return runWatch(*watchDir, opts, *jsonOut, stdout, stderr)
	}

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintln(stderr, "segalloc-driver: no trace files given (and -watch not set)")
		return 2
	}

	return runOnce(context.Background(), paths, opts, *jsonOut, stdout, stderr)
}

// runOnce replays every path concurrently, each against its own Heap, and
// reports the first error through errgroup, matching the
// single-threaded-per-heap model: no Heap is ever touched by more than one
// goroutine. The group's context is not passed to the replays, so one
// failing file does not stop the others.
func runOnce(ctx context.Context, paths []string, opts []alloc.Option, jsonOut bool, stdout, stderr *os.File) int {
	g, _ := errgroup.WithContext(ctx)

	reports := make([]trace.Report, len(paths))
	failed := make([]bool, len(paths))

	for i, path := range paths {
		i, path := i, path

		g.Go(func() error {
			rep, bad, err := replayFile(path, opts)
			reports[i] = rep
			failed[i] = bad

			return err
		})
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintln(stderr, "segalloc-driver:", err)
		return 1
	}

	exitCode := 0

	for i, path := range paths {
		printReport(stdout, path, reports[i], jsonOut)

		if failed[i] {
			exitCode = 1
		}
	}

	return exitCode
}

func replayFile(path string, opts []alloc.Option) (trace.Report, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return trace.Report{}, false, fmt.Errorf("%s: %w", path, err)
	}
	defer f.Close()

	h, err := alloc.Open(opts...)
	if err != nil {
		return trace.Report{}, false, fmt.Errorf("%s: open heap: %w", path, err)
	}

	rep, err := trace.Replay(f, h)
	if err != nil {
		return trace.Report{}, false, fmt.Errorf("%s: %w", path, err)
	}

	return rep, rep.FinalCheckError != nil, nil
}

func printReport(w *os.File, path string, rep trace.Report, jsonOut bool) {
	if jsonOut {
		status := "ok"
		if rep.FinalCheckError != nil {
			status = rep.FinalCheckError.Error()
		}

		fmt.Fprintf(w, "{\"path\":%q,\"operations\":%d,\"bytes_allocated\":%d,\"bytes_freed\":%d,\"failed_requests\":%d,\"status\":%q}\n",
			path, rep.Operations, rep.BytesAllocated, rep.BytesFreed, rep.FailedRequests, status)

		return
	}

	fmt.Fprintf(w, "%s: %d ops, %d bytes allocated, %d bytes freed, %d failed requests",
		path, rep.Operations, rep.BytesAllocated, rep.BytesFreed, rep.FailedRequests)

	if rep.FinalCheckError != nil {
		fmt.Fprintf(w, ", INVARIANT VIOLATION: %v\n", rep.FinalCheckError)
	} else {
		fmt.Fprintln(w, ", ok")
	}
}

// runWatch replays every .trace file already in dir once, then re-replays
// whichever one fsnotify reports as written, until the process is killed.
func runWatch(dir string, opts []alloc.Option, jsonOut bool, stdout, stderr *os.File) int {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintln(stderr, "segalloc-driver: fsnotify:", err)
		return 1
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		fmt.Fprintln(stderr, "segalloc-driver: watch", dir, ":", err)
		return 1
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintln(stderr, "segalloc-driver: read", dir, ":", err)
		return 1
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".trace" {
			continue
		}

		replayAndPrint(filepath.Join(dir, e.Name()), opts, jsonOut, stdout, stderr)
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return 0
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 || filepath.Ext(ev.Name) != ".trace" {
				continue
			}

			replayAndPrint(ev.Name, opts, jsonOut, stdout, stderr)

		case werr, ok := <-watcher.Errors:
			if !ok {
				return 0
			}

			fmt.Fprintln(stderr, "segalloc-driver: watch error:", werr)
		}
	}
}

func replayAndPrint(path string, opts []alloc.Option, jsonOut bool, stdout, stderr *os.File) {
	rep, _, err := replayFile(path, opts)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return // file was removed between the event firing and the open
		}

		fmt.Fprintln(stderr, "segalloc-driver:", err)

		return
	}

	printReport(stdout, path, rep, jsonOut)
}
