package service

import "github.com/pkg/errors"

// ErrWaitTimeout is returned when a wait budget elapses before every watched
// task (or workflow step) reaches a terminal state. The underlying tasks keep
// running; only the wait stops.
var ErrWaitTimeout = errors.New("timed out waiting for task completion")

// ErrCyclicDependency is returned when a workflow's step graph is not acyclic.
var ErrCyclicDependency = errors.New("cycle detected in workflow dependencies")
