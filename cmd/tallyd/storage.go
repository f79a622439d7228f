package main

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/tallyd/tallyd/internal/common/config"
	"github.com/tallyd/tallyd/internal/common/logger"
	"github.com/tallyd/tallyd/internal/db"
	"github.com/tallyd/tallyd/internal/db/dialect"
	"github.com/tallyd/tallyd/internal/stats/repository"
	userstore "github.com/tallyd/tallyd/internal/user/store"
)

// Repositories bundles the storage layers sharing one connection pool.
type Repositories struct {
	Stats repository.Repository
	Users userstore.Repository
}

func providePool(cfg *config.Config) (*db.Pool, []func() error, error) {
	if cfg.Database.PostgresDSN != "" {
		conn, err := db.OpenPostgres(cfg.Database.PostgresDSN, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		pg := sqlx.NewDb(conn, dialect.PGX)
		// pgx pools internally; one *sqlx.DB serves both roles.
		return db.NewPool(pg, pg), []func() error{pg.Close}, nil
	}

	writerConn, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	writer := sqlx.NewDb(writerConn, dialect.SQLite3)

	readerConn, err := db.OpenSQLiteReader(cfg.Database.Path)
	if err != nil {
		_ = writer.Close()
		return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
	}
	reader := sqlx.NewDb(readerConn, dialect.SQLite3)
	return db.NewPool(writer, reader), []func() error{writer.Close, reader.Close}, nil
}

func provideRepositories(cfg *config.Config, log *logger.Logger) (*db.Pool, *Repositories, []func() error, error) {
	pool, cleanups, err := providePool(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	statsRepo, cleanup, err := repository.Provide(pool.Writer(), pool.Reader())
	if err != nil {
		return nil, nil, nil, err
	}
	cleanups = append(cleanups, cleanup)

	userRepo, cleanup, err := userstore.Provide(pool.Writer(), pool.Reader())
	if err != nil {
		return nil, nil, nil, err
	}
	cleanups = append(cleanups, cleanup)

	return pool, &Repositories{Stats: statsRepo, Users: userRepo}, cleanups, nil
}
