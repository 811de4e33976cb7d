package ranking_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/event"
	"github.com/victornm/duelo/internal/ranking"
)

func finishedDuel(category, winner, loser string) domain.EventDuelFinished {
	return domain.EventDuelFinished{
		Session: domain.Session{
			SessionID:    "s1",
			CategoryID:   category,
			Status:       domain.StatusFinished,
			WinnerUserID: winner,
		},
		Entries: []domain.Entry{
			// 3/3 in 20s: 300 + (150 - 40) = 410 points.
			{UserID: winner, IsSubmitted: true, Score: 3, Total: 3, DurationMs: 20_000},
			// 2/3 in 15s: 200 + (150 - 30) = 320 points.
			{UserID: loser, IsSubmitted: true, Score: 2, Total: 3, DurationMs: 15_000},
		},
	}
}

func TestService_UpdateRanking(t *testing.T) {
	s := makeService(t)

	err := s.UpdateRanking(context.Background(), finishedDuel("c1", "u1", "u2"))
	require.NoError(t, err)

	resp, err := s.GetRanking(context.Background(), ranking.GetRankingRequest{
		CategoryID: "c1",
	})
	require.NoError(t, err)

	want := &domain.Ranking{
		CategoryID: "c1",
		Entries: []domain.RankingEntry{
			{UserID: "u1", Points: 410},
			{UserID: "u2", Points: 320},
		},
	}
	require.Equal(t, want, resp)
}

func TestService_PointsAccumulateAcrossDuels(t *testing.T) {
	s := makeService(t)

	require.NoError(t, s.UpdateRanking(context.Background(), finishedDuel("c1", "u1", "u2")))
	require.NoError(t, s.UpdateRanking(context.Background(), finishedDuel("c1", "u2", "u1")))

	resp, err := s.GetRanking(context.Background(), ranking.GetRankingRequest{
		CategoryID: "c1",
	})
	require.NoError(t, err)

	require.Len(t, resp.Entries, 2)
	require.Equal(t, float64(410+320), resp.Entries[0].Points)
	require.Equal(t, float64(410+320), resp.Entries[1].Points)
}

func TestService_UnsubmittedEntriesEarnNothing(t *testing.T) {
	s := makeService(t)

	e := finishedDuel("c1", "u1", "u2")
	e.Entries[1].IsSubmitted = false

	require.NoError(t, s.UpdateRanking(context.Background(), e))

	resp, err := s.GetRanking(context.Background(), ranking.GetRankingRequest{CategoryID: "c1"})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)
	require.Equal(t, "u1", resp.Entries[0].UserID)
}

func TestService_GetRankingUnknownCategory(t *testing.T) {
	s := makeService(t)

	_, err := s.GetRanking(context.Background(), ranking.GetRankingRequest{CategoryID: "empty"})
	require.Error(t, err)
}

func TestService_PublishRankingUpdated(t *testing.T) {
	type (
		inputs struct {
			receivedEvents []domain.EventDuelFinished
		}

		outputs struct {
			publishedEvents []domain.EventRankingUpdated
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should publish ranking.updated after a duel finishes": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventDuelFinished{
						finishedDuel("c1", "u1", "u2"),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 ranking updated event")
				require.Equal(t, "c1", out.publishedEvents[0].Ranking.CategoryID)
				require.Len(t, out.publishedEvents[0].Ranking.Entries, 2)
			},
		},

		"should publish 2 events for 2 different categories": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventDuelFinished{
						finishedDuel("c1", "u1", "u2"),
						finishedDuel("c2", "u3", "u4"),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive 2 ranking updated events")
			},
		},

		"should publish 1 event for 2 duels in the same category within the publish interval": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventDuelFinished{
						finishedDuel("c1", "u1", "u2"),
						finishedDuel("c1", "u3", "u4"),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 ranking updated event")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameRankingUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventRankingUpdated))
				mu.Unlock()
				return nil
			})

			s := makeService(t,
				withEventBus(eb),
			)

			for _, e := range in.receivedEvents {
				err := s.UpdateRanking(context.Background(), e)
				require.NoError(t, err)
			}

			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func makeService(t *testing.T, opts ...options) *ranking.Service {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := ranking.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
	}

	for _, opt := range opts {
		opt(&c)
	}

	return ranking.NewService(c)
}

type options func(c *ranking.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *ranking.Config) {
		c.EventBus = eb
	}
}
