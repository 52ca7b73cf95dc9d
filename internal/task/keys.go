package task

import "fmt"

// Keys names every backend location shared with the worker. The prefix
// namespaces them when several deployments share one backend.
type Keys struct {
	Prefix string
}

func (k Keys) name(format string, args ...any) string {
	return k.Prefix + fmt.Sprintf(format, args...)
}

// Queue is the durable list the dispatch envelope is appended to.
func (k Keys) Queue(kind string) string { return k.name("queue:%s", kind) }

// Channel is the publish channel that wakes an already-listening worker.
func (k Keys) Channel(kind string) string { return k.name("channel:%s", kind) }

// Control is the list carrying control messages for workers of a kind.
func (k Keys) Control(kind string) string { return k.name("control:%s", kind) }

// Response is the slot a worker writes its final result to.
func (k Keys) Response(identity, kind string) string {
	return k.name("response:%s:%s", identity, kind)
}

// Events is the channel workers publish progress notices on.
func (k Keys) Events(kind string) string { return k.name("events:%s", kind) }
