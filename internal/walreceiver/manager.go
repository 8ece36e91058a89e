package walreceiver

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"pagestore/internal/config"
	"pagestore/pkg/id"
	"pagestore/pkg/lsn"
	"pagestore/pkg/timeline"
	"pagestore/pkg/wal"
)

// Manager keeps one receiver goroutine per registered timeline, each
// streaming records from the WAL source into its timeline. Receivers
// reconnect with backoff and always resume from the timeline's own
// last_record_lsn, so a dropped connection replays the gap instead of
// skipping it.
type Manager struct {
	cfg      config.WALSourceConfig
	registry *timeline.Registry

	// newSource is swappable for tests.
	newSource func(tid id.TimelineID) wal.Source

	mu        sync.Mutex
	receivers map[id.TimelineID]context.CancelFunc
	wg        sync.WaitGroup
	runCtx    context.Context
	cancel    context.CancelFunc
}

func NewManager(cfg config.WALSourceConfig, registry *timeline.Registry) *Manager {
	m := &Manager{
		cfg:       cfg,
		registry:  registry,
		receivers: make(map[id.TimelineID]context.CancelFunc),
	}
	m.newSource = func(tid id.TimelineID) wal.Source {
		return &TCPSource{Addr: cfg.Addr, Timeline: tid}
	}
	return m
}

// Start begins streaming for every timeline currently registered. No-op
// when no source address is configured.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.Addr == "" {
		return
	}
	m.mu.Lock()
	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()
	for _, t := range m.registry.List() {
		m.Attach(t)
	}
}

// Attach starts a receiver for one timeline. Called for timelines created
// after Start.
func (m *Manager) Attach(t *timeline.Timeline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx == nil {
		return
	}
	if _, running := m.receivers[t.ID]; running {
		return
	}
	rctx, cancel := context.WithCancel(m.runCtx)
	m.receivers[t.ID] = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runReceiver(rctx, t)
	}()
}

// Detach stops the receiver of one timeline, if any.
func (m *Manager) Detach(tid id.TimelineID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.receivers[tid]; ok {
		cancel()
		delete(m.receivers, tid)
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// runReceiver is the per-timeline connect-stream-ingest loop. It exits
// only on shutdown or on a non-monotonic record, which means the source
// and this node disagree about history and replaying blindly would
// corrupt the timeline.
func (m *Manager) runReceiver(ctx context.Context, t *timeline.Timeline) {
	src := m.newSource(t.ID)
	backoff := m.cfg.ReconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return
		}
		start := t.GetLastRecordLSN()
		err := m.streamOnce(ctx, src, t, start)
		switch {
		case err == nil || errors.Is(err, io.EOF):
			backoff = m.cfg.ReconnectMin
		case errors.Is(err, context.Canceled):
			return
		case errors.Is(err, wal.ErrNonMonotonicLSN):
			slog.Error("wal stream out of order, receiver halted",
				"timeline", t.ID, "error", err)
			return
		default:
			slog.Warn("wal stream interrupted, reconnecting",
				"timeline", t.ID, "resume_lsn", start, "backoff", backoff, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > m.cfg.ReconnectMax {
			backoff = m.cfg.ReconnectMax
		}
	}
}

func (m *Manager) streamOnce(ctx context.Context, src wal.Source, t *timeline.Timeline, start lsn.Lsn) error {
	reader, err := src.Stream(ctx, start)
	if err != nil {
		return err
	}
	defer reader.Close()

	// Close the connection when ctx ends so a blocked Next returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			reader.Close()
		case <-done:
		}
	}()

	for {
		rec, err := reader.Next(ctx)
		if err != nil {
			return err
		}
		if err := t.IngestRecord(rec); err != nil {
			return err
		}
	}
}
