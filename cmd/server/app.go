package main

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/examprep/backend/internal/billing"
	"github.com/examprep/backend/internal/config"
	"github.com/examprep/backend/internal/database"
	"github.com/examprep/backend/internal/gate"
	"github.com/examprep/backend/internal/grading"
	"github.com/examprep/backend/internal/ledger"
	"github.com/examprep/backend/internal/logger"
	"github.com/examprep/backend/internal/pool"
	"github.com/examprep/backend/internal/progress"
	"github.com/examprep/backend/internal/selection"
	"github.com/examprep/backend/internal/sessions"
	"github.com/examprep/backend/internal/structures"
)

type app struct {
	service  *sessions.Service
	handler  *sessions.Handler
	consumer *grading.Consumer

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp wires the stores selected by cfg.Store into a session service.
func newApp(ctx context.Context, cfg config.Config, log *logger.Logger) (*app, error) {
	gateCfg, err := gate.ConfigFromPoints(cfg.UnlockPoints)
	if err != nil {
		return nil, fmt.Errorf("unlock points: %w", err)
	}

	a := &app{}
	var deps sessions.Deps
	var seed seeder

	switch cfg.Store {
	case config.StoreMemory:
		l := ledger.NewMemory()
		prog := progress.NewMemory(gateCfg)
		p := pool.NewMemory()
		cat := structures.NewMemory()
		deps = sessions.Deps{
			Repo:         sessions.NewMemoryRepository(l, prog),
			Catalog:      cat,
			Progress:     prog,
			Entitlements: billing.AllowAll{},
			Selector:     selection.NewSelector(p, rand.NewSource(time.Now().UnixNano()), log),
		}
		seed = memorySeeder{pool: p, catalog: cat}
		log.Warn("using in-memory store, data is lost on exit")

	default:
		db, err := openDB(cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { db.Close() })
		p := pool.NewStore(db)
		cat := structures.NewStore(db)
		prog := progress.NewSQLStore(db, gateCfg)
		deps = sessions.Deps{
			Repo:         sessions.NewSQLRepository(db, prog),
			Catalog:      cat,
			Progress:     prog,
			Entitlements: billing.NewSQLStore(db),
			Selector:     selection.NewSelector(p, rand.NewSource(time.Now().UnixNano()), log),
		}
		seed = sqlSeeder{pool: p, catalog: cat}
	}

	if cfg.SeedFile != "" {
		if err := loadSeed(ctx, cfg.SeedFile, seed, log); err != nil {
			a.Close()
			return nil, err
		}
	}

	if cfg.AMQPURL != "" {
		pub, err := grading.NewPublisher(cfg.AMQPURL, cfg.GradingExchange, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		deps.Grading = pub

		consumer, err := grading.NewConsumer(cfg.AMQPURL, cfg.GradingExchange, cfg.GradingResultsQueue, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, consumer.Close)
		a.consumer = consumer
	} else {
		log.Warn("amqp-url not set, submitted sessions are not sent to grading")
	}

	deps.Log = log
	a.service = sessions.NewService(deps, sessions.Options{
		RecencyWindow:  cfg.RecencyWindow,
		AcceptPartial:  cfg.AcceptPartial,
		AIDeniedPolicy: cfg.AIDeniedPolicy,
		Gate:           gateCfg,
	})
	a.handler = sessions.NewHandler(a.service)
	return a, nil
}

func openDB(cfg config.Config) (*sql.DB, error) {
	db, err := database.Connect(cfg.PostgresDSN())
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
