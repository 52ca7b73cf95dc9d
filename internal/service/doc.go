// Package service contains the task registry: the application-level
// operations that create, read, list and cancel tasks for an owner.
//
// TaskService coordinates the collaborators that live in their own
// packages. The admission gate (internal/plan) decides whether a task may
// start, the dispatcher (internal/dispatch) hands it to a worker, and the
// recorder (internal/events) persists every status change before it is
// relayed to observers.
//
// Owner scoping is enforced here and nowhere below: the task store and the
// state machine operate on ids alone.
package service
