package dispatch

import "errors"

var (
	ErrAlreadyRunning  = errors.New("a batch is already running")
	ErrNotRunning      = errors.New("no batch is running")
	ErrNotPaused       = errors.New("batch is not paused")
	ErrSessionNotReady = errors.New("session is not ready")
	ErrNoTargets       = errors.New("batch has no dispatchable targets")
)
