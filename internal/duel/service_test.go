package duel_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/duel"
	"github.com/victornm/duelo/internal/errors"
	"github.com/victornm/duelo/internal/event"
)

var testLevel = domain.Level{
	LevelID:    "l1",
	CategoryID: "c1",
	Mode:       domain.ModeText,
	Questions: []domain.Question{
		{QuestionID: "q1", Answers: []string{"japao"}},
		{QuestionID: "q2", Answers: []string{"paris"}},
		{QuestionID: "q3", Answers: []string{"lima"}},
	},
}

func TestJoinSession(t *testing.T) {
	t.Run("second player joins a waiting session", func(t *testing.T) {
		f := makeFixture(t)
		st := f.createSession(t)

		got, err := f.svc.JoinSession(context.Background(), duel.JoinSessionRequest{
			SessionID:   st.Session.SessionID,
			UserID:      "guest",
			DisplayName: "Guest",
		})
		require.NoError(t, err)
		require.Len(t, got.Entries, 2)
		require.Equal(t, domain.StatusWaiting, got.Session.Status)
	})

	t.Run("rejoin is idempotent", func(t *testing.T) {
		f := makeFixture(t)
		st := f.createSession(t)
		f.join(t, st.Session.SessionID, "guest")

		got, err := f.svc.JoinSession(context.Background(), duel.JoinSessionRequest{
			SessionID: st.Session.SessionID,
			UserID:    "guest",
		})
		require.NoError(t, err)
		require.Len(t, got.Entries, 2, "rejoin must not create a third entry")
	})

	t.Run("third player is rejected", func(t *testing.T) {
		f := makeFixture(t)
		st := f.createSession(t)
		f.join(t, st.Session.SessionID, "guest")

		_, err := f.svc.JoinSession(context.Background(), duel.JoinSessionRequest{
			SessionID: st.Session.SessionID,
			UserID:    "intruder",
		})
		require.True(t, errors.Is(err, errors.CodeResourceExhausted), "got %v", err)
	})

	t.Run("joining a cancelled session fails", func(t *testing.T) {
		f := makeFixture(t)
		st := f.createSession(t)

		_, err := f.svc.CancelDuel(context.Background(), duel.CancelDuelRequest{
			SessionID: st.Session.SessionID,
			UserID:    "host",
		})
		require.NoError(t, err)

		_, err = f.svc.JoinSession(context.Background(), duel.JoinSessionRequest{
			SessionID: st.Session.SessionID,
			UserID:    "guest",
		})
		require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "got %v", err)
	})

	t.Run("unknown session", func(t *testing.T) {
		f := makeFixture(t)

		_, err := f.svc.JoinSession(context.Background(), duel.JoinSessionRequest{
			SessionID: "nope",
			UserID:    "guest",
		})
		require.True(t, errors.Is(err, errors.CodeNotFound), "got %v", err)
	})
}

func TestStartDuel(t *testing.T) {
	t.Run("host starts once both joined", func(t *testing.T) {
		f := makeFixture(t)
		st := f.createSession(t)
		f.join(t, st.Session.SessionID, "guest")

		ss, err := f.svc.StartDuel(context.Background(), duel.StartDuelRequest{
			SessionID: st.Session.SessionID,
			UserID:    "host",
		})
		require.NoError(t, err)
		require.Equal(t, domain.StatusRunning, ss.Status)
		require.False(t, ss.StartTime.IsZero())
	})

	t.Run("starting with a single entry fails", func(t *testing.T) {
		f := makeFixture(t)
		st := f.createSession(t)

		_, err := f.svc.StartDuel(context.Background(), duel.StartDuelRequest{
			SessionID: st.Session.SessionID,
			UserID:    "host",
		})
		require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "got %v", err)
	})

	t.Run("non-host cannot start", func(t *testing.T) {
		f := makeFixture(t)
		st := f.createSession(t)
		f.join(t, st.Session.SessionID, "guest")

		_, err := f.svc.StartDuel(context.Background(), duel.StartDuelRequest{
			SessionID: st.Session.SessionID,
			UserID:    "guest",
		})
		require.True(t, errors.Is(err, errors.CodePermissionDenied), "got %v", err)
	})

	t.Run("second start fails", func(t *testing.T) {
		f := makeFixture(t)
		st := f.createSession(t)
		f.join(t, st.Session.SessionID, "guest")
		f.start(t, st.Session.SessionID)

		_, err := f.svc.StartDuel(context.Background(), duel.StartDuelRequest{
			SessionID: st.Session.SessionID,
			UserID:    "host",
		})
		require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "got %v", err)
	})
}

func TestSaveDraft(t *testing.T) {
	t.Run("draft recomputes answered count", func(t *testing.T) {
		f := makeFixture(t)
		sid := f.runningSession(t)

		err := f.svc.SaveDraft(context.Background(), duel.SaveDraftRequest{
			SessionID:       sid,
			UserID:          "guest",
			Answers:         map[string]string{"q1": "japao", "q2": "  ", "q3": ""},
			CurrentQuestion: 2,
		})
		require.NoError(t, err)

		st, err := f.svc.GetState(context.Background(), duel.GetStateRequest{SessionID: sid})
		require.NoError(t, err)

		e := findEntry(t, st.Entries, "guest")
		require.Equal(t, 1, e.AnsweredCount)
		require.Equal(t, 2, e.CurrentQuestion)
	})

	t.Run("draft before the duel starts fails", func(t *testing.T) {
		f := makeFixture(t)
		st := f.createSession(t)
		f.join(t, st.Session.SessionID, "guest")

		err := f.svc.SaveDraft(context.Background(), duel.SaveDraftRequest{
			SessionID: st.Session.SessionID,
			UserID:    "guest",
			Answers:   map[string]string{"q1": "japao"},
		})
		require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "got %v", err)
	})

	t.Run("draft after submission fails", func(t *testing.T) {
		f := makeFixture(t)
		sid := f.runningSession(t)
		f.finalize(t, sid, "guest", map[string]string{"q1": "japao"})

		err := f.svc.SaveDraft(context.Background(), duel.SaveDraftRequest{
			SessionID: sid,
			UserID:    "guest",
			Answers:   map[string]string{"q1": "changed"},
		})
		require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "got %v", err)
	})
}

func TestFinalize(t *testing.T) {
	t.Run("grades and freezes the entry", func(t *testing.T) {
		f := makeFixture(t)
		sid := f.runningSession(t)

		f.clock.Advance(20 * time.Second)
		st := f.finalize(t, sid, "guest", map[string]string{
			"q1": "O Japão", "q2": "paris", "q3": "lima",
		})

		e := findEntry(t, st.Entries, "guest")
		require.True(t, e.IsSubmitted)
		require.Equal(t, 3, e.Score)
		require.Equal(t, 3, e.Total)
		require.Equal(t, int64(20_000), e.DurationMs)

		require.Equal(t, domain.StatusRunning, st.Session.Status,
			"one submission must not finish the duel")
	})

	t.Run("finalize is idempotent per entry", func(t *testing.T) {
		f := makeFixture(t)
		sid := f.runningSession(t)

		f.clock.Advance(20 * time.Second)
		first := f.finalize(t, sid, "guest", map[string]string{"q1": "japao"})

		f.clock.Advance(time.Minute)
		second := f.finalize(t, sid, "guest", map[string]string{"q1": "japao", "q2": "paris"})

		fe, se := findEntry(t, first.Entries, "guest"), findEntry(t, second.Entries, "guest")
		require.Equal(t, fe.Score, se.Score)
		require.Equal(t, fe.DurationMs, se.DurationMs)
		require.Equal(t, fe.Answers, se.Answers, "answers are immutable once submitted")
	})

	t.Run("both submitted finishes the session with a winner", func(t *testing.T) {
		f := makeFixture(t)
		sid := f.runningSession(t)

		f.clock.Advance(15 * time.Second)
		f.finalize(t, sid, "guest", map[string]string{"q1": "japao", "q2": "berlim"})

		f.clock.Advance(5 * time.Second)
		st := f.finalize(t, sid, "host", map[string]string{"q1": "japao", "q2": "paris", "q3": "lima"})

		require.Equal(t, domain.StatusFinished, st.Session.Status)
		require.Equal(t, "host", st.Session.WinnerUserID)
	})

	t.Run("score tie broken by duration", func(t *testing.T) {
		f := makeFixture(t)
		sid := f.runningSession(t)

		f.clock.Advance(40 * time.Second)
		f.finalize(t, sid, "guest", map[string]string{"q1": "japao"})

		f.clock.Advance(10 * time.Second)
		st := f.finalize(t, sid, "host", map[string]string{"q1": "japao"})

		require.Equal(t, domain.StatusFinished, st.Session.Status)
		require.Equal(t, "guest", st.Session.WinnerUserID, "faster entry wins the tie")
	})

	t.Run("exact tie leaves no winner", func(t *testing.T) {
		f := makeFixture(t)
		sid := f.runningSession(t)

		f.clock.Advance(30 * time.Second)
		f.finalize(t, sid, "guest", map[string]string{"q1": "japao"})
		st := f.finalize(t, sid, "host", map[string]string{"q1": "japao"})

		require.Equal(t, domain.StatusFinished, st.Session.Status)
		require.Empty(t, st.Session.WinnerUserID)
	})

	t.Run("non-participant cannot finalize", func(t *testing.T) {
		f := makeFixture(t)
		sid := f.runningSession(t)

		_, err := f.svc.Finalize(context.Background(), duel.FinalizeRequest{
			SessionID: sid,
			UserID:    "intruder",
			Answers:   map[string]string{"q1": "japao"},
		})
		require.True(t, errors.Is(err, errors.CodePermissionDenied), "got %v", err)
	})
}

func TestCancelDuel(t *testing.T) {
	f := makeFixture(t)
	sid := f.runningSession(t)

	t.Run("non-host cannot cancel", func(t *testing.T) {
		_, err := f.svc.CancelDuel(context.Background(), duel.CancelDuelRequest{
			SessionID: sid,
			UserID:    "guest",
		})
		require.True(t, errors.Is(err, errors.CodePermissionDenied), "got %v", err)
	})

	t.Run("host cancels a running duel", func(t *testing.T) {
		ss, err := f.svc.CancelDuel(context.Background(), duel.CancelDuelRequest{
			SessionID: sid,
			UserID:    "host",
		})
		require.NoError(t, err)
		require.Equal(t, domain.StatusCancelled, ss.Status)
	})

	t.Run("no drafts after cancel", func(t *testing.T) {
		err := f.svc.SaveDraft(context.Background(), duel.SaveDraftRequest{
			SessionID: sid,
			UserID:    "guest",
			Answers:   map[string]string{"q1": "japao"},
		})
		require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "got %v", err)
	})
}

// TestDuelEndToEnd is the full two-player flow: join, start, answer,
// finalize on both sides, winner decided, finished event published.
func TestDuelEndToEnd(t *testing.T) {
	eb := event.NewBus()

	var (
		mu       sync.Mutex
		finished []domain.EventDuelFinished
	)
	eb.Subscribe(domain.EventNameDuelFinished, func(ctx context.Context, e event.Event) error {
		mu.Lock()
		finished = append(finished, e.(domain.EventDuelFinished))
		mu.Unlock()
		return nil
	})

	f := makeFixture(t, withEventBus(eb))
	st := f.createSession(t)
	sid := st.Session.SessionID

	f.join(t, sid, "guest")
	f.start(t, sid)

	// Player A (host) answers 3/3 in 20s.
	f.clock.Advance(20 * time.Second)
	a := f.finalize(t, sid, "host", map[string]string{"q1": "Japão", "q2": "Paris!", "q3": "lima"})
	require.Equal(t, domain.StatusRunning, a.Session.Status)
	require.Equal(t, 3, findEntry(t, a.Entries, "host").Score)

	// Player B (guest) answers 2/3, slower overall.
	f.clock.Advance(10 * time.Second)
	b := f.finalize(t, sid, "guest", map[string]string{"q1": "japao", "q2": "paris", "q3": "quito"})

	require.Equal(t, domain.StatusFinished, b.Session.Status)
	require.Equal(t, "host", b.Session.WinnerUserID)
	require.Equal(t, 2, findEntry(t, b.Entries, "guest").Score)
	require.Equal(t, 3, findEntry(t, b.Entries, "guest").Total)

	eb.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, finished, 1, "finished event fires exactly once")
	require.Equal(t, "host", finished[0].Session.WinnerUserID)
}

// --- fixtures ---

type fixture struct {
	svc   *duel.Service
	store *memStore
	clock *clockwork.FakeClock
}

type options func(*duel.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *duel.Config) {
		c.EventBus = eb
	}
}

func makeFixture(t *testing.T, opts ...options) *fixture {
	t.Helper()

	store := newMemStore()
	clock := clockwork.NewFakeClock()

	c := duel.Config{
		Store:  store,
		Levels: levelStore{testLevel.LevelID: testLevel},
		Clock:  clock,
	}
	for _, opt := range opts {
		opt(&c)
	}

	return &fixture{
		svc:   duel.NewService(c),
		store: store,
		clock: clock,
	}
}

func (f *fixture) createSession(t *testing.T) *duel.SessionState {
	t.Helper()

	st, err := f.svc.CreateSession(context.Background(), duel.CreateSessionRequest{
		HostUserID:  "host",
		CategoryID:  testLevel.CategoryID,
		LevelID:     testLevel.LevelID,
		DisplayName: "Host",
	})
	require.NoError(t, err)
	return st
}

func (f *fixture) join(t *testing.T, sessionID, userID string) {
	t.Helper()

	_, err := f.svc.JoinSession(context.Background(), duel.JoinSessionRequest{
		SessionID: sessionID,
		UserID:    userID,
	})
	require.NoError(t, err)
}

func (f *fixture) start(t *testing.T, sessionID string) {
	t.Helper()

	_, err := f.svc.StartDuel(context.Background(), duel.StartDuelRequest{
		SessionID: sessionID,
		UserID:    "host",
	})
	require.NoError(t, err)
}

// runningSession creates a session with host and guest joined and started.
func (f *fixture) runningSession(t *testing.T) string {
	t.Helper()

	st := f.createSession(t)
	f.join(t, st.Session.SessionID, "guest")
	f.start(t, st.Session.SessionID)
	return st.Session.SessionID
}

func (f *fixture) finalize(t *testing.T, sessionID, userID string, answers map[string]string) *duel.SessionState {
	t.Helper()

	st, err := f.svc.Finalize(context.Background(), duel.FinalizeRequest{
		SessionID: sessionID,
		UserID:    userID,
		Answers:   answers,
	})
	require.NoError(t, err)
	return st
}

func findEntry(t *testing.T, entries []domain.Entry, userID string) domain.Entry {
	t.Helper()

	for _, e := range entries {
		if e.UserID == userID {
			return e
		}
	}

	t.Fatalf("entry not found: user=%s", userID)
	return domain.Entry{}
}

// memStore mirrors the conditional-update semantics of the postgres store.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	entries  map[string][]domain.Entry
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]domain.Session),
		entries:  make(map[string][]domain.Entry),
	}
}

func (m *memStore) CreateSession(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.SessionID]; ok {
		return errors.New(errors.CodeAlreadyExists)
	}
	m.sessions[s.SessionID] = s
	return nil
}

func (m *memStore) GetSession(_ context.Context, sessionID string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return domain.Session{}, errors.New(errors.CodeNotFound)
	}
	return s, nil
}

func (m *memStore) ListEntries(_ context.Context, sessionID string) ([]domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Entry, len(m.entries[sessionID]))
	copy(out, m.entries[sessionID])
	return out, nil
}

func (m *memStore) AddEntry(_ context.Context, e domain.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cur := range m.entries[e.SessionID] {
		if cur.UserID == e.UserID {
			return errors.New(errors.CodeAlreadyExists)
		}
	}
	if len(m.entries[e.SessionID]) >= domain.MaxParticipants {
		return errors.New(errors.CodeResourceExhausted)
	}

	m.entries[e.SessionID] = append(m.entries[e.SessionID], e)
	return nil
}

func (m *memStore) StartSession(_ context.Context, sessionID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.Status != domain.StatusWaiting {
		return false, nil
	}

	s.Status = domain.StatusRunning
	s.StartTime = at
	m.sessions[sessionID] = s
	return true, nil
}

func (m *memStore) UpdateDraft(_ context.Context, e domain.Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, cur := range m.entries[e.SessionID] {
		if cur.UserID != e.UserID || cur.IsSubmitted {
			continue
		}
		cur.Answers = e.Answers
		cur.AnsweredCount = e.AnsweredCount
		cur.CurrentQuestion = e.CurrentQuestion
		m.entries[e.SessionID][i] = cur
		return true, nil
	}
	return false, nil
}

func (m *memStore) SubmitEntry(_ context.Context, e domain.Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, cur := range m.entries[e.SessionID] {
		if cur.UserID != e.UserID || cur.IsSubmitted {
			continue
		}
		m.entries[e.SessionID][i] = e
		return true, nil
	}
	return false, nil
}

func (m *memStore) FinishSession(_ context.Context, sessionID, winnerUserID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.Status != domain.StatusRunning {
		return false, nil
	}

	submitted := 0
	for _, e := range m.entries[sessionID] {
		if e.IsSubmitted {
			submitted++
		}
	}
	if submitted < domain.MaxParticipants {
		return false, nil
	}

	s.Status = domain.StatusFinished
	s.WinnerUserID = winnerUserID
	m.sessions[sessionID] = s
	return true, nil
}

func (m *memStore) CancelSession(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.Status.Terminal() {
		return false, nil
	}

	s.Status = domain.StatusCancelled
	m.sessions[sessionID] = s
	return true, nil
}

// levelStore is a fixed in-memory LevelStore.
type levelStore map[string]domain.Level

func (ls levelStore) GetLevel(_ context.Context, levelID string) (domain.Level, error) {
	l, ok := ls[levelID]
	if !ok {
		return domain.Level{}, errors.New(errors.CodeNotFound)
	}
	return l, nil
}
