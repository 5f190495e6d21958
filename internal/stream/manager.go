// Package stream wraps the venue's push event stream with reconnection,
// liveness detection, and a bounded delivery queue. The stream only lowers
// latency; the reconciler's poll remains the source of truth, so dropping
// events here is safe.
package stream

import (
	"context"
	"sync"
	"time"

	"keel/internal/logger"
	"keel/internal/venue"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
)

type Stats struct {
	State         State     `json:"state"`
	Reconnects    int64     `json:"reconnects"`
	Dropped       int64     `json:"dropped"`
	Delivered     int64     `json:"delivered"`
	QueueDepth    int       `json:"queue_depth"`
	LastMessageAt time.Time `json:"last_message_at"`
	LastError     string    `json:"last_error,omitempty"`
}

type Options struct {
	QueueSize  int
	MinDelay   time.Duration
	MaxDelay   time.Duration
	StaleAfter time.Duration
}

func (o *Options) withDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 10_000
	}
	if o.MinDelay <= 0 {
		o.MinDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 90 * time.Second
	}
}

type Manager struct {
	gateway venue.Gateway
	opts    Options
	out     chan venue.OrderEvent

	statsMu sync.Mutex
	stats   Stats
}

func NewManager(gw venue.Gateway, opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		gateway: gw,
		opts:    opts,
		out:     make(chan venue.OrderEvent, opts.QueueSize),
		stats:   Stats{State: StateDisconnected},
	}
}

// Events is the bounded delivery queue consumed by the engine.
func (m *Manager) Events() <-chan venue.OrderEvent {
	return m.out
}

func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	s := m.stats
	s.QueueDepth = len(m.out)
	return s
}

// Run owns the connection lifecycle until ctx is canceled: connect,
// consume, detect silent death via last-message age, then reconnect with
// exponential backoff. Opening the stream again after a drop re-subscribes
// the same channel set, which the venue treats as a no-op.
func (m *Manager) Run(ctx context.Context) error {
	delay := m.opts.MinDelay
	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return nil
		}
		m.setState(StateConnecting)

		sctx, cancel := context.WithCancel(ctx)
		ch, err := m.gateway.StreamEvents(sctx, venue.StreamOptions{Buffer: 512})
		if err != nil {
			cancel()
			m.recordError(err)
			m.setState(StateReconnecting)
			logger.Warnf("stream: connect failed, retrying in %s: %v", delay, err)
			if !sleepWithContext(ctx, delay) {
				m.setState(StateDisconnected)
				return nil
			}
			delay = nextDelay(delay, m.opts.MaxDelay)
			continue
		}
		m.setState(StateConnected)
		m.touch()
		logger.Infof("stream: connected")
		delay = m.opts.MinDelay

		alive := m.consume(ctx, sctx, cancel, ch)
		cancel()
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return nil
		}
		m.bumpReconnects()
		m.setState(StateReconnecting)
		if alive {
			logger.Warnf("stream: connection lost, reconnecting in %s", delay)
		}
		if !sleepWithContext(ctx, delay) {
			m.setState(StateDisconnected)
			return nil
		}
		delay = nextDelay(delay, m.opts.MaxDelay)
	}
}

// consume pumps events into the bounded queue until the connection dies or
// goes silent past the staleness threshold. Returns false when the drop was
// forced by the liveness check.
func (m *Manager) consume(ctx, sctx context.Context, cancel context.CancelFunc, ch <-chan venue.OrderEvent) bool {
	heartbeat := time.NewTicker(m.opts.StaleAfter / 3)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return true
		case evt, ok := <-ch:
			if !ok {
				return true
			}
			m.touch()
			m.publish(evt)
		case <-heartbeat.C:
			if age := m.lastMessageAge(); age > m.opts.StaleAfter {
				m.setState(StateDegraded)
				logger.Warnf("stream: no message for %s, forcing reconnect", age.Round(time.Second))
				cancel()
				// Drain until the gateway closes the channel.
				for range ch {
				}
				return false
			}
		case <-sctx.Done():
			return true
		}
	}
}

// publish enqueues one event, dropping the oldest queued event when full.
// The next poll cycle recovers anything lost here.
func (m *Manager) publish(evt venue.OrderEvent) {
	select {
	case m.out <- evt:
		m.bumpDelivered()
		return
	default:
	}
	select {
	case <-m.out:
		m.bumpDropped()
	default:
	}
	select {
	case m.out <- evt:
		m.bumpDelivered()
	default:
		m.bumpDropped()
	}
}

func (m *Manager) setState(s State) {
	m.statsMu.Lock()
	m.stats.State = s
	m.statsMu.Unlock()
}

func (m *Manager) recordError(err error) {
	m.statsMu.Lock()
	m.stats.LastError = err.Error()
	m.statsMu.Unlock()
}

func (m *Manager) bumpReconnects() {
	m.statsMu.Lock()
	m.stats.Reconnects++
	m.statsMu.Unlock()
}

func (m *Manager) bumpDelivered() {
	m.statsMu.Lock()
	m.stats.Delivered++
	m.statsMu.Unlock()
}

func (m *Manager) bumpDropped() {
	m.statsMu.Lock()
	m.stats.Dropped++
	dropped := m.stats.Dropped
	m.statsMu.Unlock()
	if dropped%1000 == 1 {
		logger.Warnf("stream: queue full, dropped %d events so far", dropped)
	}
}

func (m *Manager) touch() {
	m.statsMu.Lock()
	m.stats.LastMessageAt = time.Now()
	m.statsMu.Unlock()
}

func (m *Manager) lastMessageAge() time.Duration {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	if m.stats.LastMessageAt.IsZero() {
		return 0
	}
	return time.Since(m.stats.LastMessageAt)
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
