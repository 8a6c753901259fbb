package daemon

import "errors"

// ErrLocked is returned when another process already holds the lock.
var ErrLocked = errors.New("already locked by another process")
