// Package events carries task status changes from the component that
// persisted them to everything that reacts to them.
//
// The primary components are:
// - TaskEvent: a task snapshot taken right after a transition was persisted
// - EventHandler: interface for components that react to task events
// - EventEmitter: interface for components that fan events out to handlers
// - Recorder: persists a transition through a task.Store, then emits it
package events
