package fetchengine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"fetchd/internal"
)

// stagingLayout resolves every path a job touches inside its staging directory.
type stagingLayout struct {
	dir string

	// lockFile is the open handle backing the advisory flock held by
	// acquire. The kernel releases this lock the moment the holding
	// process exits for any reason, including SIGKILL, so a crashed
	// owner never wedges a future acquire the way a bare O_EXCL marker
	// file would.
	lockFile *os.File
}

func newStagingLayout(finalPath string) stagingLayout {
	dir, base := filepath.Split(finalPath)
	return stagingLayout{dir: filepath.Join(dir, "."+base+".download")}
}

func (s stagingLayout) segmentPath(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("seg.%04d", index))
}

func (s stagingLayout) journalPath() string {
	return filepath.Join(s.dir, "journal")
}

func (s stagingLayout) journalTmpPath() string {
	return filepath.Join(s.dir, "journal.tmp")
}

func (s stagingLayout) lockPath() string {
	return filepath.Join(s.dir, "lock")
}

func (s stagingLayout) partPath(finalPath string) string {
	return finalPath + ".part"
}

// acquire creates the staging directory and claims the advisory lock via
// flock(2). flock is the right primitive here over a bare O_EXCL marker
// file: the lock is attached to the open file description, so the kernel
// drops it automatically when the owning process dies for any reason
// (normal exit, panic, SIGKILL), instead of leaving a marker file that
// would wedge every future acquire against a process that no longer
// exists. A live holder still gets LOCK_NB -> EWOULDBLOCK immediately.
func (s *stagingLayout) acquire() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return internal.NewFetchError(0, err.Error(), internal.KindIoPermission)
	}

	f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return internal.NewFetchError(0, err.Error(), internal.KindIoPermission)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		owner := readLockOwnerPID(f)
		f.Close()
		if err == unix.EWOULDBLOCK {
			return internal.NewBusyError(s.dir).WithContext("owner_pid", owner)
		}
		return internal.NewFetchError(0, err.Error(), internal.KindIoPermission)
	}

	if err := f.Truncate(0); err == nil {
		f.WriteString(strconv.Itoa(os.Getpid()))
		f.Sync()
	}

	s.lockFile = f
	return nil
}

// readLockOwnerPID reads the PID an existing lock holder recorded, for
// diagnostics in the Busy error; it has no bearing on lock correctness,
// which rests entirely on flock's kernel-enforced liveness.
func readLockOwnerPID(f *os.File) string {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return ""
	}
	buf := make([]byte, 32)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return ""
	}
	return strings.TrimSpace(string(buf[:n]))
}

// release drops the flock and closes the handle without touching the rest
// of staging, so a failed/cancelled job can be resubmitted against the
// same directory. The lock file itself is left in place; only its flock
// state matters, and deleting-then-recreating it here would reopen the
// exact unlink/acquire race flock was chosen to avoid.
func (s *stagingLayout) release() error {
	if s.lockFile == nil {
		return nil
	}
	_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	err := s.lockFile.Close()
	s.lockFile = nil
	return err
}

// destroy removes the entire staging directory, used after publication and
// when a corrupt journal forces a restart from empty.
func (s *stagingLayout) destroy() error {
	if s.lockFile != nil {
		_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
		s.lockFile.Close()
		s.lockFile = nil
	}
	return os.RemoveAll(s.dir)
}

// exists reports whether the staging directory is present on disk. It does
// not look at the lock.
func (s stagingLayout) exists() bool {
	_, err := os.Stat(s.dir)
	return err == nil
}
