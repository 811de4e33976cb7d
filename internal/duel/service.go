package duel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/errors"
	"github.com/victornm/duelo/internal/event"
	"github.com/victornm/duelo/internal/grade"
)

// Store is the durable session store boundary. Row mutations are
// conditional updates so the lifecycle rules hold under two clients
// acting concurrently; the bool results report whether the condition
// matched.
type Store interface {
	CreateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	ListEntries(ctx context.Context, sessionID string) ([]domain.Entry, error)

	// AddEntry inserts an entry, enforcing the 2-slot capacity inside the
	// insert itself. Fails with CodeResourceExhausted when full and
	// CodeAlreadyExists when the (session, user) pair exists.
	AddEntry(ctx context.Context, e domain.Entry) error

	// StartSession flips waiting -> running and stamps the start time.
	StartSession(ctx context.Context, sessionID string, at time.Time) (bool, error)

	// UpdateDraft overwrites answers/count/pointer on a not-yet-submitted entry.
	UpdateDraft(ctx context.Context, e domain.Entry) (bool, error)

	// SubmitEntry freezes an entry: final answers plus score, total and
	// duration, guarded on is_submitted = false.
	SubmitEntry(ctx context.Context, e domain.Entry) (bool, error)

	// FinishSession flips running -> finished and records the winner, only
	// when both entries are observed submitted.
	FinishSession(ctx context.Context, sessionID, winnerUserID string) (bool, error)

	// CancelSession flips any non-terminal status to cancelled.
	CancelSession(ctx context.Context, sessionID string) (bool, error)
}

// LevelStore provides the read-only quiz content a duel is played on.
type LevelStore interface {
	GetLevel(ctx context.Context, levelID string) (domain.Level, error)
}

type Config struct {
	Store    Store
	Levels   LevelStore
	EventBus *event.Bus
	Clock    clockwork.Clock
}

// Service implements the duel session lifecycle: waiting -> running ->
// finished | cancelled. It owns every gating decision; presence never
// authorizes anything.
type Service struct {
	store  Store
	levels LevelStore
	eb     *event.Bus
	clock  clockwork.Clock
}

func NewService(c Config) *Service {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	return &Service{
		store:  c.Store,
		levels: c.Levels,
		eb:     c.EventBus,
		clock:  c.Clock,
	}
}

type CreateSessionRequest struct {
	HostUserID  string
	CategoryID  string
	LevelID     string
	DisplayName string
	AvatarURL   string
}

type SessionState struct {
	Session domain.Session
	Entries []domain.Entry
}

// CreateSession opens a new waiting session with the host as its first
// entry. The returned session ID is what the invite link carries.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionState, error) {
	if req.HostUserID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("host user is required"))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}

	ss := domain.Session{
		SessionID:  id.String(),
		HostUserID: req.HostUserID,
		CategoryID: req.CategoryID,
		LevelID:    req.LevelID,
		Status:     domain.StatusWaiting,
	}

	if err := s.store.CreateSession(ctx, ss); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	e := domain.Entry{
		SessionID:       ss.SessionID,
		UserID:          req.HostUserID,
		DisplayName:     req.DisplayName,
		AvatarURL:       req.AvatarURL,
		CurrentQuestion: 1,
		StartTime:       s.clock.Now(),
	}
	if err := s.store.AddEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("add host entry: %w", err)
	}

	return &SessionState{Session: ss, Entries: []domain.Entry{e}}, nil
}

type JoinSessionRequest struct {
	SessionID   string
	UserID      string
	DisplayName string
	AvatarURL   string
}

// JoinSession adds the caller to a waiting or running session. Rejoining
// with the same user ID is idempotent and returns the current state.
// Joining a full or closed session fails.
func (s *Service) JoinSession(ctx context.Context, req JoinSessionRequest) (*SessionState, error) {
	ss, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if ss.Status.Terminal() {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("duel is closed: session=%s status=%s", ss.SessionID, ss.Status))
	}

	entries, err := s.store.ListEntries(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if e.UserID == req.UserID {
			// Already a participant, nothing to write.
			return &SessionState{Session: ss, Entries: entries}, nil
		}
	}

	if len(entries) >= domain.MaxParticipants {
		return nil, errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("duel is full: session=%s", ss.SessionID))
	}

	e := domain.Entry{
		SessionID:       req.SessionID,
		UserID:          req.UserID,
		DisplayName:     req.DisplayName,
		AvatarURL:       req.AvatarURL,
		CurrentQuestion: 1,
		StartTime:       s.clock.Now(),
	}

	err = s.store.AddEntry(ctx, e)
	if errors.Is(err, errors.CodeAlreadyExists) {
		// Lost a rejoin race against ourselves; fall through to a re-read.
	} else if err != nil {
		return nil, err
	}

	entries, err = s.store.ListEntries(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	s.publishEntry(ctx, e)

	return &SessionState{Session: ss, Entries: entries}, nil
}

type StartDuelRequest struct {
	SessionID string
	UserID    string
}

// StartDuel moves a waiting session to running. Host only, and only once
// the second participant has joined. Starting stamps the session start
// time that bounds every entry's elapsed-duration computation.
func (s *Service) StartDuel(ctx context.Context, req StartDuelRequest) (*domain.Session, error) {
	ss, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if ss.HostUserID != req.UserID {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the host can start the duel: session=%s", ss.SessionID))
	}

	if ss.Status != domain.StatusWaiting {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("duel already started: session=%s status=%s", ss.SessionID, ss.Status))
	}

	entries, err := s.store.ListEntries(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if len(entries) < domain.MaxParticipants {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("waiting for an opponent: session=%s", ss.SessionID))
	}

	now := s.clock.Now()
	ok, err := s.store.StartSession(ctx, req.SessionID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("duel already started: session=%s", ss.SessionID))
	}

	ss.Status = domain.StatusRunning
	ss.StartTime = now
	s.publishSession(ctx, ss)

	return &ss, nil
}

type SaveDraftRequest struct {
	SessionID       string
	UserID          string
	Answers         map[string]string
	CurrentQuestion int
}

// SaveDraft persists a participant's in-progress answers. Best-effort:
// callers are expected to debounce and to swallow transient failures,
// since the next draft carries the full state again. The answered count
// is derived here so it can never drift from the answers.
func (s *Service) SaveDraft(ctx context.Context, req SaveDraftRequest) error {
	ss, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return err
	}

	if ss.Status != domain.StatusRunning {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("duel is not running: session=%s status=%s", ss.SessionID, ss.Status))
	}

	e := domain.Entry{
		SessionID:       req.SessionID,
		UserID:          req.UserID,
		Answers:         req.Answers,
		AnsweredCount:   domain.CountAnswered(req.Answers),
		CurrentQuestion: req.CurrentQuestion,
	}

	ok, err := s.store.UpdateDraft(ctx, e)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("entry is already submitted: session=%s user=%s", req.SessionID, req.UserID))
	}

	s.publishEntry(ctx, e)
	return nil
}

type FinalizeRequest struct {
	SessionID   string
	UserID      string
	Answers     map[string]string
	DisplayName string
	AvatarURL   string
}

// Finalize grades the caller's final answers, freezes the entry and, when
// the opponent has already submitted, flips the session to finished with
// the computed winner. Finalizing an already-submitted entry is a no-op
// that returns the authoritative state, so retries and double-clicks are
// harmless.
func (s *Service) Finalize(ctx context.Context, req FinalizeRequest) (*SessionState, error) {
	ss, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	entries, err := s.store.ListEntries(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	var own *domain.Entry
	for i := range entries {
		if entries[i].UserID == req.UserID {
			own = &entries[i]
		}
	}
	if own == nil {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("not a participant: session=%s user=%s", req.SessionID, req.UserID))
	}

	if own.IsSubmitted {
		return &SessionState{Session: ss, Entries: entries}, nil
	}

	if ss.Status != domain.StatusRunning {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("duel is not running: session=%s status=%s", ss.SessionID, ss.Status))
	}

	level, err := s.levels.GetLevel(ctx, ss.LevelID)
	if err != nil {
		return nil, fmt.Errorf("load level %s: %w", ss.LevelID, err)
	}

	sc, total := grade.Entry(level, req.Answers)

	final := *own
	final.Answers = req.Answers
	final.AnsweredCount = domain.CountAnswered(req.Answers)
	final.IsSubmitted = true
	final.Score = sc
	final.Total = total
	final.DurationMs = s.elapsedMs(ss, *own)
	if req.DisplayName != "" {
		final.DisplayName = req.DisplayName
	}
	if req.AvatarURL != "" {
		final.AvatarURL = req.AvatarURL
	}

	applied, err := s.store.SubmitEntry(ctx, final)
	if err != nil {
		return nil, err
	}

	entries, err = s.store.ListEntries(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if applied {
		s.publishEntry(ctx, final)
	}

	if ss, err = s.maybeFinish(ctx, ss, entries); err != nil {
		return nil, err
	}

	return &SessionState{Session: ss, Entries: entries}, nil
}

// maybeFinish flips the session to finished when both entries are
// submitted. The store applies the flip as one conditional update, so two
// clients finalizing concurrently cannot double-transition; whichever
// write lands first wins and both compute the same outcome.
func (s *Service) maybeFinish(ctx context.Context, ss domain.Session, entries []domain.Entry) (domain.Session, error) {
	if len(entries) < domain.MaxParticipants || !entries[0].IsSubmitted || !entries[1].IsSubmitted {
		return ss, nil
	}

	outcome := domain.DecideOutcome(entries[0], entries[1])

	flipped, err := s.store.FinishSession(ctx, ss.SessionID, outcome.Winner)
	if err != nil {
		return ss, err
	}

	if !flipped {
		// Another client (or a concurrent cancel) got there first; the
		// stored row is the truth.
		return s.store.GetSession(ctx, ss.SessionID)
	}

	ss.Status = domain.StatusFinished
	ss.WinnerUserID = outcome.Winner

	s.publishSession(ctx, ss)
	if s.eb != nil {
		s.eb.Publish(ctx, domain.EventDuelFinished{Session: ss, Entries: entries})
	}

	return ss, nil
}

type CancelDuelRequest struct {
	SessionID string
	UserID    string
}

// CancelDuel moves a not-yet-finished session to cancelled. Host only.
func (s *Service) CancelDuel(ctx context.Context, req CancelDuelRequest) (*domain.Session, error) {
	ss, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if ss.HostUserID != req.UserID {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the host can cancel the duel: session=%s", ss.SessionID))
	}

	if ss.Status.Terminal() {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("duel is closed: session=%s status=%s", ss.SessionID, ss.Status))
	}

	ok, err := s.store.CancelSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("duel is closed: session=%s", ss.SessionID))
	}

	ss.Status = domain.StatusCancelled
	s.publishSession(ctx, ss)

	return &ss, nil
}

type GetStateRequest struct {
	SessionID string
}

// GetState returns the authoritative session and entries, the re-fetch
// clients run when a change notification arrives.
func (s *Service) GetState(ctx context.Context, req GetStateRequest) (*SessionState, error) {
	ss, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	entries, err := s.store.ListEntries(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	return &SessionState{Session: ss, Entries: entries}, nil
}

// elapsedMs measures the entry's own effective playing time: from the
// later of session start and the entry's join, to now.
func (s *Service) elapsedMs(ss domain.Session, e domain.Entry) int64 {
	start := ss.StartTime
	if e.StartTime.After(start) {
		start = e.StartTime
	}
	if start.IsZero() {
		return 0
	}

	ms := s.clock.Now().Sub(start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

func (s *Service) publishSession(ctx context.Context, ss domain.Session) {
	if s.eb == nil {
		return
	}
	s.eb.Publish(ctx, domain.EventSessionUpdated{Session: ss})
}

func (s *Service) publishEntry(ctx context.Context, e domain.Entry) {
	if s.eb == nil {
		return
	}
	s.eb.Publish(ctx, domain.EventEntryUpdated{Entry: e})
}
