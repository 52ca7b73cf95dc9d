// Package api exposes the task registry over HTTP: create, read, list and
// cancel tasks, aggregate stats, an administrative cleanup, and a
// websocket that streams a task's status snapshots as they are persisted.
package api
