//go:build !unix

package store

import "errors"

// ErrLocked is returned by Open when another process holds the data directory.
var ErrLocked = errors.New("registry data directory is locked by another process")

// dirLock is a no-op where flock is unavailable; run a single instance per data directory.
type dirLock struct{}

func lockDir(string) (*dirLock, error) { return &dirLock{}, nil }

func (l *dirLock) release() error { return nil }
