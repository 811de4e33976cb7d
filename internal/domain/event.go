package domain

const (
	EventNameSessionUpdated = "duel.session.updated"
	EventNameEntryUpdated   = "duel.entry.updated"
	EventNameDuelFinished   = "duel.finished"
	EventNameRankingUpdated = "ranking.updated"
)

// EventSessionUpdated signals a durable mutation of the session row
// (status change, winner set). Drives authoritative re-fetch on clients.
type EventSessionUpdated struct {
	Session Session
}

func (EventSessionUpdated) Name() string { return EventNameSessionUpdated }

// EventEntryUpdated signals a durable mutation of one entry row
// (draft save, submission).
type EventEntryUpdated struct {
	Entry Entry
}

func (EventEntryUpdated) Name() string { return EventNameEntryUpdated }

// EventDuelFinished fires once per session, when the second entry
// submits and the session flips to finished.
type EventDuelFinished struct {
	Session Session
	Entries []Entry
}

func (EventDuelFinished) Name() string { return EventNameDuelFinished }

type EventRankingUpdated struct {
	Ranking Ranking
}

func (EventRankingUpdated) Name() string { return EventNameRankingUpdated }

// Ranking is the per-category board of accumulated speed-run points,
// sorted by points in descending order.
type Ranking struct {
	CategoryID string
	Entries    []RankingEntry
}

type RankingEntry struct {
	UserID string
	Points float64
}
