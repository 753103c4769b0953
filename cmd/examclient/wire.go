package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-client/internal/autosave"
	"github.com/stemsi/exstem-client/internal/backend"
	"github.com/stemsi/exstem-client/internal/database"
	"github.com/stemsi/exstem-client/internal/handoff"
	"github.com/stemsi/exstem-client/internal/integrity"
	"github.com/stemsi/exstem-client/internal/session"
)

// deps are the long-lived components shared by serve and take.
type deps struct {
	rdb    *redis.Client
	engine *session.Engine
}

func buildDeps(ctx context.Context) (*deps, error) {
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("no student token: set AUTH_TOKEN or pass --token")
	}

	// ─── Connect to Redis (optional) ───────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	policy, err := integrity.LoadPolicy(cfg.IntegrityPolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load integrity policy: %w", err)
	}

	client := backend.NewClient(cfg.BackendURL, cfg.AuthToken, cfg.RequestTimeout, cfg.IntegrityTimeout, log)
	engine := session.NewEngine(session.Config{
		Autosave: autosave.Config{
			Interval:       cfg.AutosaveInterval,
			SavedDisplay:   cfg.SavedDisplay,
			RequestTimeout: cfg.RequestTimeout,
		},
		Integrity: integrity.Config{
			Timeout:     cfg.IntegrityTimeout,
			MaxInflight: cfg.IntegrityInflight,
		},
		WarningThreshold: cfg.WarningThreshold,
		RequestTimeout:   cfg.RequestTimeout,
		MaxFinalize:      cfg.MaxFinalize,
	}, client, handoff.New(rdb), cfg.HandoffTTL, integrity.NewHub(), policy, log)

	return &deps{rdb: rdb, engine: engine}, nil
}

func (d *deps) Close() {
	if d.rdb != nil {
		d.rdb.Close()
	}
}
