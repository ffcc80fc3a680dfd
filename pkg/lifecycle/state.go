// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

package lifecycle

// State is the lifecycle phase of a managed service.
type State uint8

// Lifecycle states. Transitions are linear except Error, which is reachable
// from Starting or Stopping and is terminal for that run.
const (
	StateCreated State = iota
	StateStarting
	StateStarted
	StateStopping
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Event names emitted on the manager's bus.
const (
	EventStarting      = "lifecycle.starting"
	EventStarted       = "lifecycle.started"
	EventStopping      = "lifecycle.stopping"
	EventStopped       = "lifecycle.stopped"
	EventStateChanged  = "lifecycle.stateChanged"
	EventHookExecuting = "lifecycle.hookExecuting"
	EventHookExecuted  = "lifecycle.hookExecuted"
	EventHookError     = "lifecycle.hookError"
)

// StateChange is the payload of EventStateChanged.
type StateChange struct {
	From State
	To   State
}
