// Package reconcile moves Processing tasks to their terminal status by
// consuming the response slots workers write, on a fixed interval and on
// demand when a worker announces it has finished.
package reconcile
