// Package task defines the task record, its status state machine and the
// wire shapes exchanged with out-of-process workers: the dispatch
// envelope, control messages and the response slot a worker deposits its
// result in. Transitions are pure and idempotent so that several delivery
// paths may race to record the same terminal state.
package task
