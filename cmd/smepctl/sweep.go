package main

import (
	"flag"
	"log"
	"os"

	smep "github.com/smfabric/smep"
)

// runSweep removes control-socket and shared-memory stragglers left by
// processes that exited without calling Close (spec.md §6 "Cleanup
// hook").
func runSweep(args []string) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	user := fs.String("user", currentUser(), "namespace user (default: $USER)")
	prefix := fs.String("prefix", "smep", "shared-memory/control-socket prefix")
	tmpDir := fs.String("tmp-dir", "", "control-socket root (default: os.TempDir())")
	shmDir := fs.String("shm-dir", "/dev/shm", "shared-memory namespace root")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	dir := *tmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := smep.Sweep(dir, *shmDir, *prefix, *user); err != nil {
		log.Printf("sweep: %v", err)
		return 1
	}
	return 0
}
