package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/presence"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Ranking struct {
		CategoryID string         `json:"category_id"`
		Entries    []RankingEntry `json:"entries"`
	}

	RankingEntry struct {
		UserID string `json:"user_id"`
		Points string `json:"points"`
	}
)

// PublishSessionUpdated relays a session row change to the session's
// pub/sub channel. Subscribers treat it as a cue to re-fetch, so the
// payload only needs to identify what changed.
func (a *API) PublishSessionUpdated(ctx context.Context, e domain.EventSessionUpdated) error {
	return a.publishNotification(ctx, e.Session.SessionID, e.Name(), toSession(e.Session))
}

func (a *API) PublishEntryUpdated(ctx context.Context, e domain.EventEntryUpdated) error {
	return a.publishNotification(ctx, e.Entry.SessionID, e.Name(), toEntry(e.Entry))
}

// PublishRankingUpdated fans the refreshed board out to every ranked
// user's personal channel.
func (a *API) PublishRankingUpdated(ctx context.Context, e domain.EventRankingUpdated) error {
	data := toRanking(e.Ranking)

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, entry := range data.Entries {
		entry := entry
		eg.Go(func() error {
			return a.publishUserNotification(ctx, entry.UserID, e.Name(), data)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, sessionID, event string, data any) error {
	b, err := json.Marshal(Notification{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, presence.Key(a.prefix, sessionID), b).Err()
}

func (a *API) publishUserNotification(ctx context.Context, user, event string, data any) error {
	b, err := json.Marshal(Notification{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:user:%s", a.prefix, user), b).Err()
}

func toRanking(r domain.Ranking) Ranking {
	out := Ranking{
		CategoryID: r.CategoryID,
		Entries:    make([]RankingEntry, 0, len(r.Entries)),
	}
	for _, entry := range r.Entries {
		out.Entries = append(out.Entries, RankingEntry{
			UserID: entry.UserID,
			Points: decimal.NewFromFloat(entry.Points).String(),
		})
	}
	return out
}
