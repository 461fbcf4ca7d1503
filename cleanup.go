package smep

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Sweep scans the per-user control-socket tree and the shared-memory
// namespace, removing stragglers left behind by processes that exited
// without a clean Close (spec.md §6 "Cleanup hook"). It is best-effort: a
// file still mapped or bound by a live process is left alone (removing a
// SHM object's directory entry doesn't invalidate an existing mapping).
func Sweep(tmpDir, shmDir, prefix, user string) error {
	sweepControlTree(tmpDir, prefix, user)
	sweepSHMNamespace(shmDir, prefix, user)
	return nil
}

func sweepControlTree(tmpDir, prefix, user string) {
	root := filepath.Join(tmpDir, prefix+"_"+user)
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, pidEntry := range entries {
		pidDir := filepath.Join(root, pidEntry.Name())
		pid, err := parsePID(pidEntry.Name())
		if err != nil || processAlive(pid) {
			continue
		}
		os.RemoveAll(pidDir)
	}
	// Prune the root itself once empty (spec.md §6: "pruned at endpoint
	// close"; the sweep extends this to cover crashed processes too).
	os.Remove(root)
}

func sweepSHMNamespace(shmDir, prefix, user string) {
	want := prefix + "_" + user + "-"
	entries, err := os.ReadDir(shmDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if len(name) <= len(want) || name[:len(want)] != want {
			continue
		}
		pid, _, ok := parseRegionName(name, want)
		if !ok || processAlive(pid) {
			continue
		}
		os.Remove(filepath.Join(shmDir, name))
	}
}

func parsePID(s string) (int, error) {
	var pid int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, os.ErrInvalid
		}
		pid = pid*10 + int(r-'0')
	}
	return pid, nil
}

// parseRegionName extracts the PID out of "<want><pid>-<instance>".
func parseRegionName(name, want string) (pid int, instance int, ok bool) {
	rest := name[len(want):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '-' {
			p, err := parsePID(rest[:i])
			if err != nil {
				return 0, 0, false
			}
			inst, err := parsePID(rest[i+1:])
			if err != nil {
				return 0, 0, false
			}
			return p, inst, true
		}
	}
	return 0, 0, false
}

// processAlive probes liveness with signal 0, the standard kill(2) idiom
// that delivers no signal but still reports ESRCH for a dead PID.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
