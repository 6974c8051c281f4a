// Command demo runs a colorized, self-contained demonstration of the dispatch
// broker: seeding a queue, multiple agents leasing and finishing work, a
// crashed agent losing its lease to the reaper, and an orderly shutdown.
// It shells out to the dispatch binary against a throwaway data directory.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/dotcommander/dispatch/internal/demo"
)

func main() {
	var binPath string
	var backend string
	var continueOnError bool
	var fast bool
	flag.StringVar(&binPath, "bin", "", "Path to dispatch binary (default: builds from source)")
	flag.StringVar(&backend, "backend", "sqlite", "Storage backend to demo: sqlite|file")
	flag.BoolVar(&continueOnError, "continue-on-error", false, "Continue after step failures")
	flag.BoolVar(&fast, "fast", false, "Skip 2s pause after each successful step")
	flag.Parse()

	// The memory backend lives and dies with a single process; a demo that
	// shells out per command needs a durable one.
	if backend != "sqlite" && backend != "file" {
		fmt.Fprintf(os.Stderr, "Unsupported demo backend %q (want sqlite or file)\n", backend)
		os.Exit(1)
	}

	if binPath == "" {
		tmpDir, err := os.MkdirTemp("", "dispatch-demo-bin-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create temp dir: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = os.RemoveAll(tmpDir) }()

		binPath = filepath.Join(tmpDir, "dispatch")
		fmt.Fprintln(os.Stderr, "Building dispatch binary...")
		buildCmd := exec.Command("go", "build", "-o", binPath, "./cmd/dispatch")
		buildCmd.Stdout = os.Stderr
		buildCmd.Stderr = os.Stderr
		if err := buildCmd.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to build dispatch: %v\n", err)
			os.Exit(1)
		}
	}

	dataDir, err := os.MkdirTemp("", "dispatch-demo-data-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data dir: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = os.RemoveAll(dataDir) }()

	r := demo.NewRunner(binPath, dataDir, backend, os.Stdout, fast)
	passed, failed := r.RunAll(continueOnError)

	_, _ = fmt.Fprintf(os.Stdout, "\n%d passed, %d failed, %d total\n", passed, failed, passed+failed)
	if failed > 0 {
		os.Exit(1)
	}
}
