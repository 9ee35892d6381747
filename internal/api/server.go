package api

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"nemtdispatch/internal/auth"
	"nemtdispatch/internal/config"
	"nemtdispatch/internal/dispatch"
	"nemtdispatch/internal/metrics"
	"nemtdispatch/internal/model"
	"nemtdispatch/internal/scoring"
	"nemtdispatch/internal/shadow"
	"nemtdispatch/internal/store"
	"nemtdispatch/internal/webhooks"
)

type Server struct {
	Store   store.Store
	Service *dispatch.Service
	Config  config.Config
	Auth    *auth.Verifier
	Broker  EventBroker
	Live    *webhooks.Publisher
	Log     *zap.Logger

	scores   scoring.Store
	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer wires storage, scoring, brokers and the dispatch service from
// cfg. Without a database URL or SQLite path it runs on the in-memory store.
func NewServer(cfg config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	st, err := openStore(cfg.Storage, log)
	if err != nil {
		return nil, err
	}

	var scores scoring.Store = scoring.NewMemory()
	var broker EventBroker = NewBroker()
	if cfg.Storage.RedisURL != "" {
		if rs, err := scoring.NewRedis(cfg.Storage.RedisURL); err == nil {
			scores = rs
		} else {
			log.Warn("redis scores unavailable, using memory", zap.Error(err))
		}
		if rb, err := NewRedisBroker(cfg.Storage.RedisURL); err == nil {
			broker = rb
		} else {
			log.Warn("redis broker unavailable, using memory", zap.Error(err))
		}
	}

	s := &Server{
		Store:    st,
		Config:   cfg,
		Auth:     auth.NewVerifierFromEnv(),
		Broker:   broker,
		Log:      log,
		scores:   scores,
		limiters: map[string]*rate.Limiter{},
	}

	var live shadow.LiveDispatcher
	if cfg.LiveDispatch.WebhookURL != "" {
		s.Live = webhooks.NewPublisher(st, cfg.LiveDispatch.WebhookURL, cfg.LiveDispatch.Secret, log)
		live = s.Live
	}
	scorer := scoring.New(scores, cfg.Scoring.Alpha, cfg.Scoring.Neutral, log)
	s.Service = dispatch.NewService(st, st, scorer, live, log)
	s.Service.Notify = s

	metrics.RegisterDefault()
	return s, nil
}

func openStore(c config.Storage, log *zap.Logger) (store.Store, error) {
	switch {
	case c.DatabaseURL != "":
		pg, err := store.NewPostgres(c.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if c.Migrate {
			if err := pg.MigrateDir("db/migrations"); err != nil {
				log.Warn("migrations failed", zap.Error(err))
			}
		}
		return pg, nil
	case c.SQLitePath != "":
		return store.OpenSQLite(c.SQLitePath)
	default:
		return store.NewMemory(), nil
	}
}

// RunCompleted fans a finished run out to the partition's websocket
// subscribers.
func (s *Server) RunCompleted(_ context.Context, run model.ShadowRun) {
	data := map[string]any{
		"runId":          run.ID,
		"runDate":        run.RunDate,
		"shadowMode":     run.ShadowMode,
		"liveDispatched": run.LiveDispatched,
		"lockViolations": run.LockViolations,
	}
	if run.Result != nil {
		data["algorithm"] = run.Result.Algorithm
		data["summary"] = run.Result.Summary
	}
	s.Broker.Publish(run.Partition.Key(), Event{Type: EventRunCompleted, Data: data})
}

// NewWebhookWorker creates a background worker for live dispatch deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store, s.Config.LiveDispatch.MaxAttempts, s.Log)
}

// allow applies the per-partition solve rate limit.
func (s *Server) allow(key string) bool {
	if s.Config.Server.RateRPS <= 0 {
		return true
	}
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		burst := s.Config.Server.RateBurst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(s.Config.Server.RateRPS), burst)
		s.limiters[key] = l
	}
	return l.Allow()
}

func (s *Server) Close() error {
	if c, ok := s.scores.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if c, ok := s.Broker.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	return s.Store.Close()
}
