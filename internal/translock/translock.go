// Package translock provides an advisory cross-process lock so only one
// session client holds a given console endpoint at a time (spec.md §5
// "Transport Lock"). Locking is file-based; a lock is released by Release
// or when the holding process exits.
package translock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lukeb-aidev/cohesix/internal/cherr"
)

// Lock guards one console endpoint for the lifetime of a client connection.
type Lock struct {
	path string
	file *os.File
}

// PathFor derives a deterministic lock file path for an endpoint, so two
// processes targeting the same endpoint contend on the same file.
func PathFor(dir, endpoint string) string {
	safe := strings.NewReplacer(":", "_", "/", "_").Replace(endpoint)
	return filepath.Join(dir, "cohesix-"+safe+".lock")
}

// Acquire takes an exclusive, non-blocking lock on path. If another process
// already holds it, Acquire returns a cherr.Capacity error carrying the
// owner's recorded PID for diagnostics — spec.md's Open Questions leave
// liveness-probing the owner to the caller, so the PID is surfaced, not
// interpreted.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, cherr.Wrap(cherr.Closed, "open-lock-file", err)
	}
	if err := tryFlock(f); err != nil {
		owner := readOwnerPID(f)
		f.Close()
		return nil, cherr.Wrap(cherr.Capacity, fmt.Sprintf("locked-by-pid=%d", owner), err)
	}
	if err := writeOwnerPID(f); err != nil {
		f.Close()
		return nil, cherr.Wrap(cherr.Closed, "write-owner-pid", err)
	}
	return &Lock{path: path, file: f}, nil
}

// Release unlocks and closes the lock file. It does not remove the file,
// so the next Acquire can reuse it without a race on creation.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlockFlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return cherr.Wrap(cherr.Closed, "unlock", err)
	}
	if closeErr != nil {
		return cherr.Wrap(cherr.Closed, "close-lock-file", closeErr)
	}
	return nil
}

func writeOwnerPID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		return err
	}
	return nil
}

func readOwnerPID(f *os.File) int {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	pid, _ := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	return pid
}
