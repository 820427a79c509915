package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/systemcmd0122/toramori/internal/config"
	"github.com/systemcmd0122/toramori/internal/store"
	"go.uber.org/zap"
)

// backend is the opened document store. ping is nil for the memory store.
type backend struct {
	store store.Store
	ping  *store.PostgresStore
	close func()
}

func openStore(ctx context.Context, c *config.Config, logger *zap.Logger) (*backend, error) {
	if c.Database.Driver == config.DriverMemory {
		logger.Warn("using the in-memory store; data is lost on restart")
		return &backend{store: store.NewMemoryStore(), close: func() {}}, nil
	}

	db, err := connectPostgres(ctx, c.Database.URL)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to postgres")
	pg := store.NewPostgresStore(db)
	return &backend{store: pg, ping: pg, close: db.Close}, nil
}

func connectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	db, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
