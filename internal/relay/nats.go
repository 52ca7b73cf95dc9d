package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/phrazzld/banksync/internal/events"
	"github.com/phrazzld/banksync/internal/task"
)

// subjectRoot prefixes every per-task status subject.
const subjectRoot = "task-status"

// Subject is the NATS subject a task's snapshots travel on. The
// task-status:{id} channel uses "." in place of ":" so that
// task-status.* matches every task.
func Subject(taskID uuid.UUID) string {
	return subjectRoot + "." + taskID.String()
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with local defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "banksync",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		// Local observers are served by the hub directly.
		nats.NoEcho(),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	return opts
}

// NATSBridge carries snapshots between instances: local mutations are
// published to NATS and snapshots from other instances are fed to the
// local hub.
type NATSBridge struct {
	conn   *nats.Conn
	hub    *Hub
	sub    *nats.Subscription
	logger *slog.Logger
}

var _ events.EventHandler = (*NATSBridge)(nil)

// ConnectNATS dials NATS and starts forwarding remote snapshots to hub.
func ConnectNATS(cfg NATSConfig, hub *Hub, logger *slog.Logger) (*NATSBridge, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	b := &NATSBridge{
		conn:   conn,
		hub:    hub,
		logger: logger.With("component", "nats_bridge"),
	}

	b.sub, err = conn.Subscribe(subjectRoot+".*", func(m *nats.Msg) {
		snap, err := decodeSnapshot(m.Data)
		if err != nil {
			b.logger.Warn("dropping undecodable snapshot", "subject", m.Subject, "error", err)
			return
		}
		b.hub.Publish(snap)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	if err := conn.Flush(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	return b, nil
}

// HandleEvent implements events.EventHandler by publishing the snapshot
// for other instances.
func (b *NATSBridge) HandleEvent(_ context.Context, event *events.TaskEvent) error {
	data, err := json.Marshal(event.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := b.conn.Publish(Subject(event.Snapshot.TaskID), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Close drains the subscription and closes the connection.
func (b *NATSBridge) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

func decodeSnapshot(data []byte) (task.Snapshot, error) {
	var snap task.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return task.Snapshot{}, err
	}
	if snap.TaskID == uuid.Nil || !snap.Status.Valid() {
		return task.Snapshot{}, fmt.Errorf("snapshot missing task id or status")
	}
	return snap, nil
}
