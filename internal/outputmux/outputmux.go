// Package outputmux implements the Output Multiplexer (C6): a
// per-stream pub/sub fanout used to carry an Agent Runner's streamed
// output lines to any number of live viewers plus a bounded in-memory
// history, with optional durable persistence for cross-process reads.
//
// Grounded on the teacher's internal/events.EventBus (buffered
// per-subscriber channels, a drop-on-full backpressure policy, a
// global map-mutation lock distinct from per-item delivery) adapted
// from a single global event stream to spec §4.6's per-stream_id
// fanout with history and completion semantics.
package outputmux

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgepilot/forgepilot/internal/domain"
	"github.com/forgepilot/forgepilot/internal/logging"
)

// Store is the optional durable backing for output lines, letting a
// second process read a stream's history and giving line numbering a
// cross-process-consistent starting point (spec §4.6, "Cross-process
// semantics").
type Store interface {
	AppendLine(ctx context.Context, streamID string, line domain.OutputLine) error
	MaxLineNumber(ctx context.Context, streamID string) (int64, error)
	HistorySince(ctx context.Context, streamID string, fromLine int64) ([]domain.OutputLine, error)
}

// Config tunes a Multiplexer.
type Config struct {
	// MaxHistory bounds the in-memory retained lines per stream.
	MaxHistory int
	// SubscriberQueueSize bounds each live subscriber's backlog; a full
	// queue drops the line for that subscriber (spec §4.6 publish).
	SubscriberQueueSize int
	// Retention is how long a completed stream's in-memory state is
	// kept before CleanupOldStreams drops it.
	Retention time.Duration
}

// DefaultConfig returns sane defaults: 1000 lines of history, a
// 256-line subscriber backlog, and a one-hour retention window.
func DefaultConfig() Config {
	return Config{MaxHistory: 1000, SubscriberQueueSize: 256, Retention: time.Hour}
}

// Multiplexer fans out Publish calls for many independent stream_ids.
type Multiplexer struct {
	cfg   Config
	store Store
	log   *logging.Logger

	// mu guards only the streams map itself (lazy per-stream creation);
	// every other operation locks the per-stream mutex instead, per
	// spec §4.6's concurrency note.
	mu      sync.Mutex
	streams map[string]*stream

	droppedTotal atomic.Int64
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithStore attaches a durable Store.
func WithStore(s Store) Option { return func(m *Multiplexer) { m.store = s } }

// WithLogger attaches a logger for dropped-line diagnostics.
func WithLogger(log *logging.Logger) Option { return func(m *Multiplexer) { m.log = log } }

// New creates a Multiplexer.
func New(cfg Config, opts ...Option) *Multiplexer {
	m := &Multiplexer{cfg: cfg, log: logging.NewNop(), streams: make(map[string]*stream)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type subscriber struct {
	id int
	ch chan domain.OutputLine
}

type stream struct {
	mu          sync.Mutex
	lines       []domain.OutputLine
	nextLine    int64
	complete    bool
	completedAt time.Time
	subs        map[int]*subscriber
	nextSubID   int
	dropped     int64
}

func (m *Multiplexer) getOrCreateStream(ctx context.Context, streamID string) (*stream, error) {
	m.mu.Lock()
	st, ok := m.streams[streamID]
	if ok {
		m.mu.Unlock()
		return st, nil
	}
	st = &stream{subs: make(map[int]*subscriber)}
	m.streams[streamID] = st
	m.mu.Unlock()

	if m.store != nil {
		maxLine, err := m.store.MaxLineNumber(ctx, streamID)
		if err != nil {
			return nil, err
		}
		st.mu.Lock()
		st.nextLine = maxLine + 1
		st.mu.Unlock()
	}
	return st, nil
}

// Publish appends content as the next line of streamID, retains it in
// bounded history, optionally persists it durably, and notifies every
// live subscriber. A subscriber whose queue is full has the line
// dropped for it (bounded lag), counted but not otherwise reported.
func (m *Multiplexer) Publish(ctx context.Context, streamID, content string) error {
	st, err := m.getOrCreateStream(ctx, streamID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	line := domain.OutputLine{StreamID: streamID, LineNumber: st.nextLine, Content: content, Timestamp: time.Now()}
	st.nextLine++
	st.lines = append(st.lines, line)
	if m.cfg.MaxHistory > 0 && len(st.lines) > m.cfg.MaxHistory {
		st.lines = st.lines[len(st.lines)-m.cfg.MaxHistory:]
	}
	subsSnapshot := make([]*subscriber, 0, len(st.subs))
	for _, sub := range st.subs {
		subsSnapshot = append(subsSnapshot, sub)
	}
	st.mu.Unlock()

	if m.store != nil {
		if err := m.store.AppendLine(ctx, streamID, line); err != nil {
			return err
		}
	}

	// Notifications happen outside the stream lock (spec §4.6).
	for _, sub := range subsSnapshot {
		select {
		case sub.ch <- line:
		default:
			st.mu.Lock()
			st.dropped++
			st.mu.Unlock()
			m.droppedTotal.Add(1)
			m.log.With("stream_id", streamID, "subscriber", sub.id).Warn("output line dropped: subscriber queue full")
		}
	}
	return nil
}

// Subscribe returns a channel yielding every line of streamID with
// line_number >= fromLine: first the retained in-memory history, then
// live lines as Publish delivers them. The channel closes once the
// stream is marked complete and fully drained, or ctx is done.
func (m *Multiplexer) Subscribe(ctx context.Context, streamID string, fromLine int64) (<-chan domain.OutputLine, error) {
	st, err := m.getOrCreateStream(ctx, streamID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	var historical []domain.OutputLine
	for _, l := range st.lines {
		if l.LineNumber >= fromLine {
			historical = append(historical, l)
		}
	}
	sub := &subscriber{ch: make(chan domain.OutputLine, m.cfg.SubscriberQueueSize)}
	alreadyComplete := st.complete
	if !alreadyComplete {
		sub.id = st.nextSubID
		st.nextSubID++
		st.subs[sub.id] = sub
	}
	st.mu.Unlock()

	out := make(chan domain.OutputLine, len(historical)+1)
	go func() {
		defer close(out)
		for _, l := range historical {
			select {
			case out <- l:
			case <-ctx.Done():
				m.unsubscribe(st, sub)
				return
			}
		}
		if alreadyComplete {
			return
		}
		for {
			select {
			case l, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- l:
				case <-ctx.Done():
					m.unsubscribe(st, sub)
					return
				}
			case <-ctx.Done():
				m.unsubscribe(st, sub)
				return
			}
		}
	}()
	return out, nil
}

func (m *Multiplexer) unsubscribe(st *stream, sub *subscriber) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.subs, sub.id)
}

// MarkComplete signals end-of-stream to every live subscriber (closing
// its channel once already-queued lines are drained) and records the
// completion time for CleanupOldStreams.
func (m *Multiplexer) MarkComplete(ctx context.Context, streamID string) error {
	st, err := m.getOrCreateStream(ctx, streamID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.complete {
		st.mu.Unlock()
		return nil
	}
	st.complete = true
	st.completedAt = time.Now()
	subsSnapshot := make([]*subscriber, 0, len(st.subs))
	for _, sub := range st.subs {
		subsSnapshot = append(subsSnapshot, sub)
	}
	st.subs = make(map[int]*subscriber)
	st.mu.Unlock()

	for _, sub := range subsSnapshot {
		close(sub.ch)
	}
	return nil
}

// GetHistory returns a synchronous snapshot of historical lines with
// line_number >= fromLine, preferring in-memory state and falling back
// to the durable Store for lines this process has never held (a
// cross-process read of a stream another process is publishing to).
func (m *Multiplexer) GetHistory(ctx context.Context, streamID string, fromLine int64) ([]domain.OutputLine, error) {
	m.mu.Lock()
	st, ok := m.streams[streamID]
	m.mu.Unlock()
	if ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		if len(st.lines) > 0 && st.lines[0].LineNumber <= fromLine {
			var out []domain.OutputLine
			for _, l := range st.lines {
				if l.LineNumber >= fromLine {
					out = append(out, l)
				}
			}
			return out, nil
		}
	}
	if m.store != nil {
		return m.store.HistorySince(ctx, streamID, fromLine)
	}
	if ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		var out []domain.OutputLine
		for _, l := range st.lines {
			if l.LineNumber >= fromLine {
				out = append(out, l)
			}
		}
		return out, nil
	}
	return nil, nil
}

// CleanupOldStreams drops in-memory state for every stream that
// completed longer than cfg.Retention ago, returning the count removed.
func (m *Multiplexer) CleanupOldStreams() int {
	cutoff := time.Now().Add(-m.cfg.Retention)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, st := range m.streams {
		st.mu.Lock()
		drop := st.complete && st.completedAt.Before(cutoff)
		st.mu.Unlock()
		if drop {
			delete(m.streams, id)
			removed++
		}
	}
	return removed
}

// DroppedCount returns the cumulative number of lines dropped across
// every stream due to a full subscriber queue.
func (m *Multiplexer) DroppedCount() int64 {
	return m.droppedTotal.Load()
}
