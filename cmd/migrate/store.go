package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"go.mailroom.tech/internal/common/clock"
	commonmongo "go.mailroom.tech/internal/common/mongo"
	"go.mailroom.tech/internal/config"
	"go.mailroom.tech/internal/inbox"
)

func buildStore(ctx context.Context, cfg *config.Config, clk clock.Clock) (inbox.Store, func(), error) {
	switch strings.ToLower(cfg.Store.Type) {
	case "memory", "":
		return inbox.NewMemoryStore(clk), func() {}, nil

	case "postgres":
		if cfg.Store.Postgres.DSN == "" {
			return nil, nil, fmt.Errorf("postgres store requires MAILROOM_POSTGRES_DSN")
		}
		db, err := sql.Open("pgx", cfg.Store.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres connection: %w", err)
		}
		return inbox.NewPostgresStore(db, nil, clk), func() { db.Close() }, nil

	case "mysql":
		if cfg.Store.MySQL.DSN == "" {
			return nil, nil, fmt.Errorf("mysql store requires MAILROOM_MYSQL_DSN")
		}
		db, err := sql.Open("mysql", cfg.Store.MySQL.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open mysql connection: %w", err)
		}
		return inbox.NewMySQLStore(db, nil, clk), func() { db.Close() }, nil

	case "mongo", "mongodb":
		client, err := commonmongo.Connect(ctx, cfg.Store.Mongo.URI, cfg.Store.Mongo.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		closeStore := func() {
			dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer dcancel()
			if err := client.Disconnect(dctx); err != nil {
				slog.Error("Error disconnecting from MongoDB", "error", err)
			}
		}
		return inbox.NewMongoStore(client.Database(), nil, clk), closeStore, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		return inbox.NewRedisStore(client, nil, clk), func() { client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}
