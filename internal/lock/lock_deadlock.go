//go:build deadlock_test

package lock

import (
	"time"

	"github.com/sasha-s/go-deadlock"
)

func init() {
	// a trust prompt can legitimately block on operator input
	deadlock.Opts.DeadlockTimeout = 2 * time.Minute
}

type Mutex = deadlock.Mutex

type RWMutex = deadlock.RWMutex
