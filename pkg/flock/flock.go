// Package flock provides cross-process advisory file locks built on flock(2).
//
// Locks are identified by a pathname. Acquire creates the lock file if it does
// not exist and blocks until the exclusive lock is granted or the context is
// done. Release removes the lock file before unlocking, so an idle lock leaves
// nothing behind on disk; see [Lock.Release] for the ordering guarantees this
// relies on.
//
// flock is advisory and applies to an inode, not a pathname. All cooperating
// processes must take the lock for it to have effect, and a lock file that is
// removed while waiters are queued leaves those waiters holding an orphaned
// inode. Acquire detects that case by re-checking the inode after the kernel
// grants the lock and retrying on a fresh file, so callers always end up
// locked on the inode currently at the path.
//
// This implementation is Unix-only.
package flock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const lockFilePerm = 0o644

// Locker acquires named cross-process locks.
type Locker interface {
	// Acquire blocks until it holds the exclusive lock at path or ctx is
	// done. The lock file is created if it does not exist.
	Acquire(ctx context.Context, path string) (Lock, error)
}

// Lock is a held lock. Callers must release it exactly once; releasing more
// than once is safe and returns nil.
type Lock interface {
	Release() error
}

// FileLocker implements [Locker] with flock(2) on real files.
//
// The zero value is ready to use. FileLocker has no state; it is safe for
// concurrent use.
type FileLocker struct{}

// New returns a ready-to-use [FileLocker].
func New() *FileLocker {
	return &FileLocker{}
}

// Acquire opens (creating if needed) the file at path and blocks until it
// holds the exclusive flock on it.
//
// The kernel wait cannot be interrupted, so cancellation is cooperative: when
// ctx is done Acquire returns ctx.Err() immediately and a background goroutine
// disposes of the lock if the kernel grants it later.
//
// Because [Lock.Release] removes the lock file, a waiter can win the flock on
// an inode that no longer backs the pathname. Acquire verifies the inode after
// every grant and retries on a fresh file until the lock it holds is the one
// currently at path.
func (l *FileLocker) Acquire(ctx context.Context, path string) (Lock, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePerm)
		if err != nil {
			return nil, fmt.Errorf("opening lock file: %w", err)
		}

		var openStat unix.Stat_t
		if err := unix.Fstat(int(file.Fd()), &openStat); err != nil {
			_ = file.Close()

			return nil, fmt.Errorf("fstat lock file: %w", err)
		}

		if err := flockExclusive(ctx, file); err != nil {
			return nil, err
		}

		// Verify the file at the path still has the same identity. If not,
		// a previous holder removed it while we were waiting and our lock
		// guards a dead inode. Retry on the file currently at path.
		var pathStat unix.Stat_t

		statErr := unix.Stat(path, &pathStat)
		if statErr != nil || pathStat.Dev != openStat.Dev || pathStat.Ino != openStat.Ino {
			_ = flockRetryEINTR(int(file.Fd()), unix.LOCK_UN)
			_ = file.Close()

			continue
		}

		return &fileLock{path: path, file: file}, nil
	}
}

// flockExclusive blocks until file holds the exclusive flock or ctx is done.
//
// On success the caller owns file. On any error the caller must not touch
// file again: flock failures close it here, and on cancellation ownership
// moves to a goroutine that unlocks and closes it once the kernel wait ends.
func flockExclusive(ctx context.Context, file *os.File) error {
	fd := int(file.Fd())

	done := make(chan error, 1)

	go func() {
		done <- flockRetryEINTR(fd, unix.LOCK_EX)
	}()

	select {
	case err := <-done:
		if err != nil {
			_ = file.Close()

			return fmt.Errorf("flock: %w", err)
		}

		return nil
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				_ = flockRetryEINTR(fd, unix.LOCK_UN)
			}

			_ = file.Close()
		}()

		return ctx.Err()
	}
}

// fileLock is a held flock(2) lock. It keeps the lock file open for the
// lifetime of the lock; the flock is attached to that descriptor and is
// released by the kernel if the process dies.
type fileLock struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Release removes the lock file, unlocks, and closes the descriptor - in that
// order. Removing while still holding the flock means a pathname without a
// lock file is never mid-write: anyone who finds the file absent is seeing a
// fully released lock. Waiters queued on the removed inode are handled by the
// retry in [FileLocker.Acquire].
//
// Release is idempotent; calls after the first return nil.
//
// If both unlocking and closing fail, the returned error wraps both (see
// [errors.Join]).
func (l *fileLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	_ = os.Remove(l.path)

	unlockErr := flockRetryEINTR(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// flockRetryEINTR wraps [unix.Flock], retrying on EINTR.
//
// EINTR means the syscall was interrupted by a signal before it could
// complete; the call didn't fail, it just needs to be retried. Retries are
// capped to avoid spinning forever under pathological signal storms.
func flockRetryEINTR(fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = unix.Flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}

// Compile-time interface check.
var _ Locker = (*FileLocker)(nil)
