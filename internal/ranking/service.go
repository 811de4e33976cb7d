package ranking

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/errors"
	"github.com/victornm/duelo/internal/event"
	"github.com/victornm/duelo/internal/score"
)

const (
	publishInterval = 200 * time.Millisecond
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
}

// Service maintains the per-category ranking board. Every finished duel
// converts both submitted results into speed-run points and accumulates
// them in a sorted set.
type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	s.eb.Subscribe(domain.EventNameDuelFinished, func(ctx context.Context, e event.Event) error {
		return s.UpdateRanking(ctx, e.(domain.EventDuelFinished))
	})

	return s
}

type GetRankingRequest struct {
	CategoryID string
}

// GetRanking returns the category board, all users and their accumulated
// points, best first.
func (s *Service) GetRanking(ctx context.Context, req GetRankingRequest) (*domain.Ranking, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getRankingKey(req.CategoryID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get ranking: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("ranking not found: category=%s", req.CategoryID))
	}

	entries := make([]domain.RankingEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.RankingEntry{
			UserID: z.Member.(string),
			Points: z.Score,
		})
	}

	return &domain.Ranking{
		CategoryID: req.CategoryID,
		Entries:    entries,
	}, nil
}

// UpdateRanking accumulates the points of every submitted entry of a
// finished duel.
func (s *Service) UpdateRanking(ctx context.Context, e domain.EventDuelFinished) error {
	category := e.Session.CategoryID

	for _, entry := range e.Entries {
		if !entry.IsSubmitted {
			continue
		}

		points := score.SpeedRunPoints(entry.Score, entry.Total, entry.DurationMs)
		if err := s.redis.ZIncrBy(ctx, s.getRankingKey(category), float64(points), entry.UserID).Err(); err != nil {
			return fmt.Errorf("update ranking: %w", err)
		}
	}

	return s.schedulePublishRanking(ctx, category)
}

// schedulePublishRanking publishes board changes at most once per
// interval, since a busy category can finish many duels back to back.
// The SetNX key also throttles across instances.
func (s *Service) schedulePublishRanking(ctx context.Context, category string) error {
	ok, err := s.redis.SetNX(ctx, s.getRankingTimeKey(category), time.Now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishRanking(ctx, category)
}

func (s *Service) publishRanking(ctx context.Context, category string) error {
	r, err := s.GetRanking(ctx, GetRankingRequest{
		CategoryID: category,
	})
	if err != nil {
		return fmt.Errorf("get ranking failed: category=%s: %w", category, err)
	}

	s.eb.Publish(ctx, domain.EventRankingUpdated{
		Ranking: *r,
	})

	return nil
}

func (s *Service) getRankingKey(category string) string {
	return fmt.Sprintf("%s:%s:ranking", s.prefix, category)
}

func (s *Service) getRankingTimeKey(category string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, category)
}
