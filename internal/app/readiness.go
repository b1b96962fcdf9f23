package app

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface{ Ping(ctx context.Context) RedisPingResult }

// DockerPinger is the slice of the Docker engine client readiness needs.
type DockerPinger interface {
	Ping(ctx context.Context) (types.Ping, error)
}

// BuildReadinessChecks returns three readiness checks: database, Redis and
// the Docker daemon the sandboxes run on.
func BuildReadinessChecks(pool Pinger, rdb RedisClient, docker DockerPinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	dockerCheck := func(ctx context.Context) error {
		if docker == nil {
			return fmt.Errorf("docker not configured")
		}
		if _, err := docker.Ping(ctx); err != nil {
			return err
		}
		return nil
	}
	return dbCheck, redisCheck, dockerCheck
}
