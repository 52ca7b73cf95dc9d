// Package relay fans task status snapshots out to observers. A new
// observer first receives the latest persisted snapshot, then every later
// version in order, and its stream ends after the terminal snapshot.
// Relaying is delivery only; the task store stays the source of truth.
package relay
