package ledger

import (
	"fmt"
	"math/rand"
	"os"
	"time"
)

// withFileLock serializes writes to path across process instances using an
// exclusive ".lock" sidecar file created with O_EXCL. It retries
// acquisition up to maxLockAttempts times with randomized backoff before
// surfacing a write failure.
const (
	maxLockAttempts = 5
	lockBaseBackoff = 20 * time.Millisecond
)

func withFileLock(path string, fn func() error) error {
	lockPath := path + ".lock"

	var f *os.File
	var err error
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		f, err = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return fmt.Errorf("ledger: acquire lock %s: %w", lockPath, err)
		}
		backoff := lockBaseBackoff * time.Duration(attempt+1)
		backoff += time.Duration(rand.Intn(int(lockBaseBackoff)))
		time.Sleep(backoff)
	}
	if err != nil {
		return fmt.Errorf("ledger: failed to acquire lock on %s after %d attempts: %w", lockPath, maxLockAttempts, err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(lockPath)
	}()

	return fn()
}
