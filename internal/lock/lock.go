// Package lock implements the single-instance run lock: a file in the data
// directory holding the holder's PID and acquisition time.
//
// A lock left behind by a crashed run is not expired automatically. The
// operator removes it (icdbench stop) once no run is active.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// FileName is the lock file created inside the data directory.
const FileName = "icdbench.lock"

// ErrHeld matches any *HeldError via errors.Is.
var ErrHeld = errors.New("run lock held")

// Info is the content of a lock file.
type Info struct {
	PID   int
	Since time.Time
}

// HeldError reports that another run holds the lock.
type HeldError struct {
	Path string
	Info
}

func (e *HeldError) Error() string {
	if e.PID == 0 {
		return fmt.Sprintf("run lock %s is held", e.Path)
	}
	return fmt.Sprintf("run lock %s is held by PID %d since %s", e.Path, e.PID, e.Since.Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrHeld) true for every HeldError.
func (e *HeldError) Is(target error) bool {
	return target == ErrHeld
}

// Lock is an acquired run lock.
type Lock struct {
	mu       sync.Mutex
	path     string
	info     Info
	released bool
}

// Path returns the lock file path for a data directory.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// Acquire creates the lock file exclusively. If the file already exists it
// returns a *HeldError describing the holder and leaves the file untouched.
func Acquire(dataDir string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	path := Path(dataDir)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		info, _ := Read(path)
		return nil, &HeldError{Path: path, Info: info}
	}
	if err != nil {
		return nil, fmt.Errorf("creating lock file: %w", err)
	}

	info := Info{PID: os.Getpid(), Since: time.Now().UTC().Truncate(time.Second)}
	_, werr := fmt.Fprintf(f, "%d\n%s\n", info.PID, info.Since.Format(time.RFC3339))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing lock file: %w", errors.Join(werr, cerr))
	}

	return &Lock{path: path, info: info}, nil
}

// Info returns the holder identity written at acquisition.
func (l *Lock) Info() Info { return l.info }

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release removes the lock file if it still belongs to this lock. Calling
// Release more than once is a no-op.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true

	cur, err := Read(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && cur.PID != l.info.PID {
		return fmt.Errorf("lock file %s now belongs to PID %d", l.path, cur.PID)
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// Read parses a lock file.
func Read(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	var info Info
	if info.PID, err = strconv.Atoi(strings.TrimSpace(lines[0])); err != nil {
		return Info{}, fmt.Errorf("parsing lock PID: %w", err)
	}
	if len(lines) > 1 {
		if info.Since, err = time.Parse(time.RFC3339, strings.TrimSpace(lines[1])); err != nil {
			return Info{}, fmt.Errorf("parsing lock time: %w", err)
		}
	}
	return info, nil
}

// Check returns a *HeldError when the lock file exists in dataDir and nil
// when it does not. It never creates or removes anything.
func Check(dataDir string) error {
	path := Path(dataDir)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("checking lock file: %w", err)
	}
	info, _ := Read(path)
	return &HeldError{Path: path, Info: info}
}

// Remove deletes the lock file regardless of its holder.
func Remove(dataDir string) error {
	err := os.Remove(Path(dataDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
