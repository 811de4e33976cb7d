// Package presence is the best-effort realtime layer of a duel: every
// participant broadcasts its full live snapshot on a shared channel keyed
// by session ID, and receivers rebuild their opponent view from the
// latest snapshot per participant. The same channel carries change
// notifications for durable row mutations, which should trigger an
// authoritative re-fetch; presence itself never gates a game action.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/duelo/internal/domain"
)

const (
	// EventSnapshot announces a participant's full snapshot. Snapshots are
	// never merged; the latest one per participant wins.
	EventSnapshot = "presence.snapshot"
	// EventLeave drops a participant from the connected set.
	EventLeave = "presence.leave"
)

// Key is the pub/sub channel for one duel session. The API relay and the
// client subscription must agree on it.
func Key(prefix, sessionID string) string {
	return fmt.Sprintf("%s:duel:%s", prefix, sessionID)
}

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
}

// Channel connects clients to per-session pub/sub channels.
type Channel struct {
	redis  redis.UniversalClient
	prefix string
}

func NewChannel(c Config) *Channel {
	return &Channel{
		redis:  c.Redis,
		prefix: c.Prefix,
	}
}

type message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type leave struct {
	UserID string `json:"user_id"`
}

// SyncFunc receives the rebuilt set of currently-connected snapshots,
// keyed by user ID.
type SyncFunc func(snapshots map[string]domain.Snapshot)

// ChangeFunc receives the event name of a durable row mutation.
type ChangeFunc func(event string)

// Subscription is one client's connection to a session channel.
type Subscription struct {
	ch        *Channel
	sessionID string
	sub       *redis.PubSub

	mu        sync.Mutex
	snapshots map[string]domain.Snapshot
	onSync    SyncFunc
	onChange  ChangeFunc
	tracked   string // user ID of our own last snapshot
	closed    bool
}

// Subscribe opens the channel for a session. The subscription is
// confirmed before returning, so a Track right after is not lost.
func (c *Channel) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	sub := c.redis.Subscribe(ctx, Key(c.prefix, sessionID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("presence: subscribe session=%s: %w", sessionID, err)
	}

	s := &Subscription{
		ch:        c,
		sessionID: sessionID,
		sub:       sub,
		snapshots: make(map[string]domain.Snapshot),
	}

	go s.receive()

	return s, nil
}

// OnSync registers the callback invoked whenever the connected set
// changes. Invoked with a copy; callers may retain it.
func (s *Subscription) OnSync(fn SyncFunc) {
	s.mu.Lock()
	s.onSync = fn
	s.mu.Unlock()
}

// OnRowChange registers the callback for durable change notifications.
func (s *Subscription) OnRowChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Track broadcasts the caller's full snapshot. Best-effort: a lost
// publish only stales the opponent's view until the next one.
func (s *Subscription) Track(ctx context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	s.tracked = snap.UserID
	s.mu.Unlock()

	return s.publish(ctx, EventSnapshot, snap)
}

// Close announces departure and tears the subscription down. No delta
// replay on reconnect; a fresh Subscribe starts from scratch.
func (s *Subscription) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tracked := s.tracked
	s.mu.Unlock()

	if tracked != "" {
		if err := s.publish(ctx, EventLeave, leave{UserID: tracked}); err != nil {
			slog.ErrorContext(ctx, "presence: announce leave failed", "error", err)
		}
	}

	return s.sub.Close()
}

func (s *Subscription) publish(ctx context.Context, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("presence: marshal %s: %w", event, err)
	}

	m, err := json.Marshal(message{Event: event, Data: b})
	if err != nil {
		return fmt.Errorf("presence: marshal message: %w", err)
	}

	return s.ch.redis.Publish(ctx, Key(s.ch.prefix, s.sessionID), m).Err()
}

func (s *Subscription) receive() {
	for msg := range s.sub.Channel() {
		var m message
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			slog.Error("presence: drop malformed message", "error", err)
			continue
		}

		switch m.Event {
		case EventSnapshot:
			var snap domain.Snapshot
			if err := json.Unmarshal(m.Data, &snap); err != nil {
				slog.Error("presence: drop malformed snapshot", "error", err)
				continue
			}
			s.apply(func() { s.snapshots[snap.UserID] = snap })

		case EventLeave:
			var l leave
			if err := json.Unmarshal(m.Data, &l); err != nil {
				continue
			}
			s.apply(func() { delete(s.snapshots, l.UserID) })

		default:
			// Durable row mutation relayed by the server.
			s.mu.Lock()
			fn := s.onChange
			s.mu.Unlock()
			if fn != nil {
				fn(m.Event)
			}
		}
	}
}

// apply mutates the connected set and rebuilds the sync view from the
// full set, last-broadcast-wins.
func (s *Subscription) apply(mutate func()) {
	s.mu.Lock()
	mutate()
	fn := s.onSync
	view := make(map[string]domain.Snapshot, len(s.snapshots))
	for id, snap := range s.snapshots {
		view[id] = snap
	}
	s.mu.Unlock()

	if fn != nil {
		fn(view)
	}
}

// Snapshots returns the current connected set.
func (s *Subscription) Snapshots() map[string]domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := make(map[string]domain.Snapshot, len(s.snapshots))
	for id, snap := range s.snapshots {
		view[id] = snap
	}
	return view
}
