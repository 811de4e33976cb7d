package domain

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a duel session.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

// MaxParticipants is the fixed capacity of a duel session.
const MaxParticipants = 2

// Session represents one duel instance, shared between two participants
// via an invite link.
type Session struct {
	SessionID    string
	HostUserID   string
	CategoryID   string
	LevelID      string
	Status       Status
	WinnerUserID string // empty until finished; empty on a tie
	StartTime    time.Time
}

// Entry is one participant's progress/result record within a session.
// An entry row is only ever written by its owning participant.
type Entry struct {
	SessionID       string
	UserID          string
	DisplayName     string
	AvatarURL       string
	Answers         map[string]string
	AnsweredCount   int
	CurrentQuestion int // 1-based, opponent UI only
	IsSubmitted     bool
	Score           int
	Total           int
	DurationMs      int64
	StartTime       time.Time // when this entry began answering
}

// CountAnswered returns the number of non-blank answers.
func CountAnswered(answers map[string]string) int {
	n := 0
	for _, a := range answers {
		if strings.TrimSpace(a) != "" {
			n++
		}
	}
	return n
}

// Snapshot is a participant's ephemeral live state, broadcast over the
// presence channel. Never persisted; the latest broadcast fully replaces
// any prior one.
type Snapshot struct {
	UserID          string `json:"user_id"`
	DisplayName     string `json:"display_name"`
	Typing          bool   `json:"typing"`
	AnsweredCount   int    `json:"answered_count"`
	CurrentQuestion int    `json:"current_question"`
	IsSubmitted     bool   `json:"is_submitted"`
}

// Outcome is the result of comparing two submitted entries. A tie is
// explicit rather than overloading an empty winner with "not decided yet".
type Outcome struct {
	Tie    bool
	Winner string // user ID, empty when Tie
}

// DecideOutcome determines the winner of a fully-submitted pair:
// higher score wins, a score tie is broken by lower duration, and an
// exact tie on both yields a tie. Deterministic, so either client may
// recompute it without divergence.
func DecideOutcome(a, b Entry) Outcome {
	if a.Score != b.Score {
		if a.Score > b.Score {
			return Outcome{Winner: a.UserID}
		}
		return Outcome{Winner: b.UserID}
	}

	if a.DurationMs != b.DurationMs {
		if a.DurationMs < b.DurationMs {
			return Outcome{Winner: a.UserID}
		}
		return Outcome{Winner: b.UserID}
	}

	return Outcome{Tie: true}
}

// Mode is how a level's questions are answered and graded.
type Mode string

const (
	ModeText    Mode = "text"    // free text, graded against accepted variants
	ModeChoices Mode = "choices" // multiple choice, graded against the correct option
	ModeBlank   Mode = "blank"   // no answer key, any non-blank answer counts
)

// Level is the quiz content a duel is played on. Read-only to this
// subsystem; authoring happens elsewhere.
type Level struct {
	LevelID    string
	CategoryID string
	Title      string
	Mode       Mode
	Questions  []Question
}

// Question is one prompt within a level, in level order.
type Question struct {
	QuestionID    string
	Prompt        string
	Answers       []string // accepted variants, text mode
	Options       []string // choices mode
	CorrectOption int      // index into Options
}
