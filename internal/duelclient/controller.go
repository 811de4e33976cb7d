// Package duelclient composes one player's duel experience: it joins the
// session, mirrors the durable state, broadcasts presence, and owns the
// local answer state with its debounced autosave. Presence keeps the
// opponent view fresh; every gating decision re-derives from the durable
// store.
package duelclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/duel"
	"github.com/victornm/duelo/internal/errors"
	"github.com/victornm/duelo/internal/presence"
	"github.com/victornm/duelo/internal/score"
)

const (
	// draftDelay coalesces a burst of keystrokes into one draft write.
	draftDelay = 350 * time.Millisecond
	// typingClear clears the typing flag after the last edit, independent
	// of network delivery.
	typingClear = 900 * time.Millisecond
)

// SessionAPI is the durable store surface the controller drives.
// *duel.Service satisfies it.
type SessionAPI interface {
	JoinSession(ctx context.Context, req duel.JoinSessionRequest) (*duel.SessionState, error)
	GetState(ctx context.Context, req duel.GetStateRequest) (*duel.SessionState, error)
	SaveDraft(ctx context.Context, req duel.SaveDraftRequest) error
	Finalize(ctx context.Context, req duel.FinalizeRequest) (*duel.SessionState, error)
}

// Subscription is the realtime channel surface the controller consumes.
type Subscription interface {
	OnSync(presence.SyncFunc)
	OnRowChange(presence.ChangeFunc)
	Track(ctx context.Context, snap domain.Snapshot) error
	Close(ctx context.Context) error
}

// Realtime opens per-session subscriptions.
type Realtime interface {
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)
}

// NewRealtime adapts a presence channel to the Realtime interface.
func NewRealtime(ch *presence.Channel) Realtime {
	return realtime{ch: ch}
}

type realtime struct {
	ch *presence.Channel
}

func (r realtime) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	return r.ch.Subscribe(ctx, sessionID)
}

type Config struct {
	Session  SessionAPI
	Realtime Realtime
	Clock    clockwork.Clock

	// BaseURL is the public site root used to build invite links.
	BaseURL string

	SessionID   string
	UserID      string
	DisplayName string
	AvatarURL   string

	// Level the duel is played on; read-only, only its question count and
	// ordering matter here.
	Level domain.Level
}

// Controller is one player's view of a duel. Methods are safe for the
// mixed goroutines that drive it (UI calls, timer callbacks, channel
// receive loop).
type Controller struct {
	c   Config
	sub Subscription

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	session     domain.Session
	entries     []domain.Entry
	answers     map[string]string
	current     int // 0-based local question pointer
	typing      bool
	hydrated    bool
	submitting  bool
	opponents   map[string]domain.Snapshot
	typingTimer clockwork.Timer
	draftTimer  clockwork.Timer
	closed      bool
}

func New(c Config) *Controller {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	return &Controller{
		c:         c,
		answers:   make(map[string]string),
		opponents: make(map[string]domain.Snapshot),
	}
}

// Start joins the session, loads the authoritative state, hydrates any
// saved draft exactly once, opens the presence channel and announces the
// first snapshot.
func (ctl *Controller) Start(ctx context.Context) error {
	st, err := ctl.c.Session.JoinSession(ctx, duel.JoinSessionRequest{
		SessionID:   ctl.c.SessionID,
		UserID:      ctl.c.UserID,
		DisplayName: ctl.c.DisplayName,
		AvatarURL:   ctl.c.AvatarURL,
	})
	if err != nil {
		return fmt.Errorf("duelclient: join: %w", err)
	}

	ctl.ctx, ctl.cancel = context.WithCancel(context.WithoutCancel(ctx))

	ctl.mu.Lock()
	ctl.applyStateLocked(st)
	ctl.mu.Unlock()

	sub, err := ctl.c.Realtime.Subscribe(ctx, ctl.c.SessionID)
	if err != nil {
		return fmt.Errorf("duelclient: subscribe: %w", err)
	}
	ctl.sub = sub

	sub.OnSync(func(snapshots map[string]domain.Snapshot) {
		ctl.mu.Lock()
		ctl.opponents = snapshots
		ctl.mu.Unlock()
	})

	sub.OnRowChange(func(event string) {
		// Durable truth changed; presence told us, the store decides.
		go ctl.refetch()
	})

	ctl.announce(ctx)
	return nil
}

// applyStateLocked replaces the mirrored durable state. Local answers are
// hydrated from our own saved entry exactly once, so a stale re-fetch can
// never clobber local edits.
func (ctl *Controller) applyStateLocked(st *duel.SessionState) {
	ctl.session = st.Session
	ctl.entries = st.Entries

	if ctl.hydrated {
		return
	}

	for _, e := range st.Entries {
		if e.UserID != ctl.c.UserID {
			continue
		}
		for q, a := range e.Answers {
			ctl.answers[q] = a
		}
		if e.CurrentQuestion > 0 {
			ctl.current = clamp(e.CurrentQuestion-1, len(ctl.c.Level.Questions))
		}
		ctl.hydrated = true
		return
	}
}

func (ctl *Controller) refetch() {
	st, err := ctl.c.Session.GetState(ctl.ctx, duel.GetStateRequest{SessionID: ctl.c.SessionID})
	if err != nil {
		slog.ErrorContext(ctl.ctx, "duelclient: refetch failed", "error", err)
		return
	}

	ctl.mu.Lock()
	ctl.applyStateLocked(st)
	ctl.mu.Unlock()
}

// SetAnswer records a local edit, marks typing, and schedules the
// debounced draft write. A new edit cancels and restarts both pending
// timers; the flag and the write are single-slot, never a queue.
func (ctl *Controller) SetAnswer(questionID, text string) {
	ctl.mu.Lock()

	if ctl.closed || ctl.isSubmittedLocked() {
		ctl.mu.Unlock()
		return
	}

	ctl.answers[questionID] = text
	ctl.typing = true

	if ctl.typingTimer != nil {
		ctl.typingTimer.Stop()
	}
	ctl.typingTimer = ctl.c.Clock.AfterFunc(typingClear, ctl.clearTyping)

	if ctl.draftTimer != nil {
		ctl.draftTimer.Stop()
	}
	ctl.draftTimer = ctl.c.Clock.AfterFunc(draftDelay, ctl.flushDraft)

	ctl.mu.Unlock()

	ctl.announce(ctl.ctx)
}

func (ctl *Controller) clearTyping() {
	ctl.mu.Lock()
	if ctl.closed || !ctl.typing {
		ctl.mu.Unlock()
		return
	}
	ctl.typing = false
	ctl.mu.Unlock()

	ctl.announce(ctl.ctx)
}

// flushDraft persists the coalesced answers. Transient failures are
// swallowed: the next debounce cycle carries the full state again.
func (ctl *Controller) flushDraft() {
	ctl.mu.Lock()
	if ctl.closed || ctl.session.Status != domain.StatusRunning || ctl.isSubmittedLocked() {
		ctl.mu.Unlock()
		return
	}
	req := duel.SaveDraftRequest{
		SessionID:       ctl.c.SessionID,
		UserID:          ctl.c.UserID,
		Answers:         copyAnswers(ctl.answers),
		CurrentQuestion: ctl.current + 1,
	}
	ctl.mu.Unlock()

	if err := ctl.c.Session.SaveDraft(ctl.ctx, req); err != nil {
		slog.DebugContext(ctl.ctx, "duelclient: draft save dropped", "error", err)
	}
}

// Next moves the local question pointer forward. Navigation never gates
// answering; the pointer only feeds the opponent's progress display.
func (ctl *Controller) Next() {
	ctl.move(1)
}

// Prev moves the local question pointer back.
func (ctl *Controller) Prev() {
	ctl.move(-1)
}

func (ctl *Controller) move(delta int) {
	ctl.mu.Lock()
	ctl.current = clamp(ctl.current+delta, len(ctl.c.Level.Questions))
	ctl.mu.Unlock()

	ctl.announce(ctl.ctx)
}

// Finalize submits the final answers. Refused while already submitted or
// mid-submit. On failure local answers are untouched, so the caller can
// retry without losing anything.
func (ctl *Controller) Finalize(ctx context.Context) (*duel.SessionState, error) {
	ctl.mu.Lock()
	if ctl.submitting || ctl.isSubmittedLocked() {
		ctl.mu.Unlock()
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("already submitted: session=%s user=%s", ctl.c.SessionID, ctl.c.UserID))
	}
	ctl.submitting = true
	if ctl.draftTimer != nil {
		ctl.draftTimer.Stop()
	}
	req := duel.FinalizeRequest{
		SessionID:   ctl.c.SessionID,
		UserID:      ctl.c.UserID,
		Answers:     copyAnswers(ctl.answers),
		DisplayName: ctl.c.DisplayName,
		AvatarURL:   ctl.c.AvatarURL,
	}
	ctl.mu.Unlock()

	st, err := ctl.c.Session.Finalize(ctx, req)

	ctl.mu.Lock()
	ctl.submitting = false
	if err == nil {
		ctl.applyStateLocked(st)
	}
	ctl.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ctl.announce(ctx)
	return st, nil
}

// Close tears down the presence channel and cancels pending debounce
// timers. In-flight writes are not aborted, but nothing new is scheduled.
func (ctl *Controller) Close(ctx context.Context) error {
	ctl.mu.Lock()
	if ctl.closed {
		ctl.mu.Unlock()
		return nil
	}
	ctl.closed = true
	if ctl.typingTimer != nil {
		ctl.typingTimer.Stop()
	}
	if ctl.draftTimer != nil {
		ctl.draftTimer.Stop()
	}
	sub := ctl.sub
	ctl.mu.Unlock()

	if ctl.cancel != nil {
		defer ctl.cancel()
	}

	if sub != nil {
		return sub.Close(ctx)
	}
	return nil
}

// announce broadcasts the full local snapshot. Best-effort: a dropped
// broadcast is replaced by the next one.
func (ctl *Controller) announce(ctx context.Context) {
	ctl.mu.Lock()
	if ctl.sub == nil || ctl.closed {
		ctl.mu.Unlock()
		return
	}
	sub := ctl.sub
	snap := domain.Snapshot{
		UserID:          ctl.c.UserID,
		DisplayName:     ctl.c.DisplayName,
		Typing:          ctl.typing,
		AnsweredCount:   domain.CountAnswered(ctl.answers),
		CurrentQuestion: ctl.current + 1,
		IsSubmitted:     ctl.isSubmittedLocked(),
	}
	ctl.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if err := sub.Track(ctx, snap); err != nil {
		slog.DebugContext(ctx, "duelclient: snapshot dropped", "error", err)
	}
}

func (ctl *Controller) isSubmittedLocked() bool {
	for _, e := range ctl.entries {
		if e.UserID == ctl.c.UserID {
			return e.IsSubmitted
		}
	}
	return false
}

// Session returns the mirrored durable session.
func (ctl *Controller) Session() domain.Session {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.session
}

// Answers returns a copy of the local answer state.
func (ctl *Controller) Answers() map[string]string {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return copyAnswers(ctl.answers)
}

// CurrentQuestion is the 0-based local pointer.
func (ctl *Controller) CurrentQuestion() int {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.current
}

// Rival is the first entry whose participant differs from the local
// user. Derived, never stored.
func (ctl *Controller) Rival() (domain.Entry, bool) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	for _, e := range ctl.entries {
		if e.UserID != ctl.c.UserID {
			return e, true
		}
	}
	return domain.Entry{}, false
}

// RivalSnapshot is the opponent's live presence, when connected.
func (ctl *Controller) RivalSnapshot() (domain.Snapshot, bool) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	for id, snap := range ctl.opponents {
		if id != ctl.c.UserID {
			return snap, true
		}
	}
	return domain.Snapshot{}, false
}

// Result is one line of the result screen.
type Result struct {
	UserID      string
	DisplayName string
	Score       int
	Total       int
	Duration    string
	Points      int64
	Won         bool
}

// Results renders the finished duel for display, one row per entry,
// winner first. Empty until the session finishes.
func (ctl *Controller) Results() []Result {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	if ctl.session.Status != domain.StatusFinished {
		return nil
	}

	out := make([]Result, 0, len(ctl.entries))
	for _, e := range ctl.entries {
		r := Result{
			UserID:      e.UserID,
			DisplayName: e.DisplayName,
			Score:       e.Score,
			Total:       e.Total,
			Duration:    score.FormatDuration(e.DurationMs),
			Points:      score.SpeedRunPoints(e.Score, e.Total, e.DurationMs),
			Won:         e.UserID == ctl.session.WinnerUserID && ctl.session.WinnerUserID != "",
		}
		if r.Won {
			out = append([]Result{r}, out...)
		} else {
			out = append(out, r)
		}
	}
	return out
}

// InviteURL builds the shareable link that carries the session ID.
func (ctl *Controller) InviteURL() string {
	u, err := url.Parse(ctl.c.BaseURL)
	if err != nil || ctl.c.BaseURL == "" {
		u = &url.URL{Path: "/"}
	}

	u.Path = "/duel"
	q := u.Query()
	q.Set("session", ctl.c.SessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

func clamp(i, total int) int {
	if total == 0 {
		return 0
	}
	if i < 0 {
		return 0
	}
	if i > total-1 {
		return total - 1
	}
	return i
}

func copyAnswers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
