// Package db bootstraps the two storage connections the repository needs:
// Postgres for the accounts companion and Redis for the gateway's pub/sub
// transport. Both connectors fail fast at startup, matching the rest of the
// repository's preference for surfacing misconfiguration immediately rather
// than retrying silently.
package db

import (
	"context"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/phoenixgw/gateway/config"
)

// NewPostgres connects the accounts companion's user store. Not used by the
// core gateway runtime.
func NewPostgres(cfg *config.Config) *sqlx.DB {
	conn, err := sqlx.Connect("postgres", cfg.DB.DSN())
	if err != nil {
		log.Fatalf("db: connecting to postgres: %v", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		log.Fatalf("db: pinging postgres: %v", err)
	}

	log.Println("db: postgres connected")
	return conn
}

// NewRedis connects the single multiplexed client shared by the Redis
// ingress listeners and the egress publisher.
func NewRedis(cfg *config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		log.Fatalf("db: pinging redis: %v", err)
	}

	log.Println("db: redis connected")
	return client
}
