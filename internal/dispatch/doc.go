// Package dispatch hands task envelopes and control messages to the
// out-of-process workers and keeps a worker running for every kind that
// has work queued.
package dispatch
