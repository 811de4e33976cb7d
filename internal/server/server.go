package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/duelo/internal/api"
	"github.com/victornm/duelo/internal/content"
	"github.com/victornm/duelo/internal/duel"
	"github.com/victornm/duelo/internal/duel/postgres"
	"github.com/victornm/duelo/internal/event"
	"github.com/victornm/duelo/internal/ranking"
	"github.com/victornm/duelo/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Site struct {
		BaseURL string
	}

	Redis struct {
		Ranking struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Duel struct {
			Addr string
			User string
			Pass string
			Name string
		}

		Content struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			ranking redis.UniversalClient
			pubsub  redis.UniversalClient
		}

		postgres struct {
			duel    *pgxpool.Pool
			content *pgxpool.Pool
		}
	}

	service struct {
		content *content.Service
		duel    *duel.Service
		ranking *ranking.Service
	}

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.ranking, err = connect(s.c.Redis.Ranking.Addrs, s.c.Redis.Ranking.Pass)
	if err != nil {
		return fmt.Errorf("ranking: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(addr, user, pass, name string) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	s.infra.postgres.duel, err = connect(s.c.Postgres.Duel.Addr, s.c.Postgres.Duel.User, s.c.Postgres.Duel.Pass, s.c.Postgres.Duel.Name)
	if err != nil {
		return fmt.Errorf("postgres: duel: %w", err)
	}

	s.infra.postgres.content, err = connect(s.c.Postgres.Content.Addr, s.c.Postgres.Content.User, s.c.Postgres.Content.Pass, s.c.Postgres.Content.Name)
	if err != nil {
		return fmt.Errorf("postgres: content: %w", err)
	}

	return nil
}

func (s *Server) initService() {
	s.service.content = content.NewService(content.Config{
		DB: s.infra.postgres.content,
	})

	s.service.duel = duel.NewService(duel.Config{
		Store:    postgres.NewStore(s.infra.postgres.duel),
		Levels:   s.service.content,
		EventBus: s.eb,
	})

	s.service.ranking = ranking.NewService(ranking.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.ranking,
		Prefix:   s.c.Redis.Ranking.Prefix,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Engine:       e,
		EventBus:     s.eb,
		Duel:         s.service.duel,
		Ranking:      s.service.ranking,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
		BaseURL:      s.c.Site.BaseURL,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	slog.InfoContext(ctx, "server: shutdown completed")
}
