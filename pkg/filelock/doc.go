/*
Package filelock provides an advisory lock shared between independent operating
system processes, identified by a filesystem path.

# Overview

A lock is a marker file created with an exclusive create (O_CREATE|O_EXCL), so
two processes can never both observe "absent" and both acquire. The marker
holds a JSON Holder record: a random ownership token, the holder's pid,
hostname, process name and acquisition time.

Acquisition polls: when the marker already exists the caller sleeps for the
poll interval and tries again, until it succeeds or the timeout measured from
the first attempt is exhausted. The loop never gives up before the timeout and
never later than the timeout plus one poll interval. Only "already exists" is
retried; every other I/O error is returned immediately. There is no wake-up
signal from the releasing process.

Release removes the marker only when it still carries the handle's token.

# Crashed holders

A process that dies while holding a lock leaves its marker behind and the
lock stays held; there is no automatic expiry. Use Inspect to see who holds a
lock and Break to clear it once the holder is known to be gone.

# Usage Examples

Scoped acquisition:

	locker, err := filelock.New("data.lck", nil)
	if err != nil {
		return err
	}
	err = locker.Do(ctx, func(ctx context.Context) error {
		return rewrite("data.txt")
	})

Explicit handles:

	lock, err := filelock.Acquire(ctx, "job.lck", 500*time.Millisecond, 100*time.Millisecond)
	if errors.Is(err, types.ErrLockTimeout) {
		// someone else is working on the job
	}
	defer lock.Release()
*/
package filelock
