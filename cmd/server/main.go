package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/galapoto/todiscope-v3-sub004/internal/audit"
	"github.com/galapoto/todiscope-v3-sub004/internal/config"
	"github.com/galapoto/todiscope-v3-sub004/internal/engine"
	"github.com/galapoto/todiscope-v3-sub004/internal/gate"
	"github.com/galapoto/todiscope-v3-sub004/internal/ledger"
	"github.com/galapoto/todiscope-v3-sub004/internal/lifecycle"
	"github.com/galapoto/todiscope-v3-sub004/internal/store"
	"github.com/galapoto/todiscope-v3-sub004/pkg/db"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	cfg := config.Load()

	pool := db.MustConnect()
	st := store.New(pool)
	if err := st.Migrate(context.Background()); err != nil {
		logger.Error("migrate failed", "err", err)
		os.Exit(1)
	}

	var recorder *audit.Recorder
	if cfg.RedisAddr != "" {
		recorder = audit.NewWithCache(st, audit.NewRedisCache(cfg.RedisAddr))
		logger.Info("audit cache enabled", "addr", cfg.RedisAddr)
	} else {
		recorder = audit.New(st)
	}

	registry, err := engine.LoadRegistry(cfg.EnginesConfig)
	if err != nil {
		logger.Error("engine registry load failed", "path", cfg.EnginesConfig, "err", err)
		os.Exit(1)
	}

	led := ledger.New(st)
	machine := lifecycle.New(st, recorder)
	g := gate.New(st, st, st, registry, recorder)

	r := newRouter(st, led, machine, g, recorder, registry)

	logger.Info("todiscope core listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
