package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"chatroster/pkg/config"
	"chatroster/pkg/source"
	"chatroster/pkg/source/memory"
	"chatroster/pkg/source/postgres"
	redisstore "chatroster/pkg/source/redis"
)

// sourceStack holds the backends opened for one process and the feed set
// wired from them.
type sourceStack struct {
	source.Set

	Memory   *memory.Source
	Postgres *postgres.Store
	Redis    *redisstore.Store
}

// openSources opens every backend the config selects, once each, and wires
// the feeds. On error, anything already opened is closed.
func openSources(ctx context.Context, cfg *config.Config, log *slog.Logger) (stack *sourceStack, err error) {
	stack = &sourceStack{}
	defer func() {
		if err != nil {
			_ = stack.Close()
			stack = nil
		}
	}()

	sources := cfg.Sources

	if sources.Uses(config.BackendMemory) {
		opts := []memory.Option{memory.WithLogger(log)}
		if sources.Fixture != "" {
			stack.Memory, err = memory.NewFromFixture(sources.Fixture, opts...)
			if err != nil {
				return nil, fmt.Errorf("load fixture: %w", err)
			}
		} else {
			stack.Memory = memory.New(opts...)
		}
	}

	if sources.Uses(config.BackendPostgres) {
		stack.Postgres, err = postgres.Open(ctx, sources.Postgres.URL,
			postgres.WithChannel(sources.Postgres.Channel),
			postgres.WithLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if sources.Postgres.EnsureSchema {
			if err := stack.Postgres.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("ensure postgres schema: %w", err)
			}
		}
	}

	if sources.Uses(config.BackendRedis) {
		stack.Redis, err = redisstore.Open(ctx, sources.Redis.URL,
			redisstore.WithPrefix(sources.Redis.Prefix),
			redisstore.WithPresenceTTL(sources.Redis.PresenceTTL()),
			redisstore.WithLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
	}

	switch sources.Directory {
	case config.BackendPostgres:
		stack.Directory = stack.Postgres
	default:
		stack.Directory = stack.Memory
	}

	switch sources.History {
	case config.BackendPostgres:
		stack.History = stack.Postgres
	case config.BackendRedis:
		stack.History = stack.Redis
	default:
		stack.History = stack.Memory
	}

	switch sources.Presence {
	case config.BackendRedis:
		stack.Presence = stack.Redis
	default:
		stack.Presence = stack.Memory
	}

	if err := stack.Validate(); err != nil {
		return nil, err
	}
	return stack, nil
}

// Close closes every opened backend.
func (s *sourceStack) Close() error {
	var result *multierror.Error
	if s.Memory != nil {
		result = multierror.Append(result, s.Memory.Close())
	}
	if s.Postgres != nil {
		result = multierror.Append(result, s.Postgres.Close())
	}
	if s.Redis != nil {
		result = multierror.Append(result, s.Redis.Close())
	}
	return result.ErrorOrNil()
}

// backends names the backend serving each feed, for logging.
func backends(cfg *config.Config) []any {
	return []any{
		"directory", cfg.Sources.Directory,
		"history", cfg.Sources.History,
		"presence", cfg.Sources.Presence,
	}
}
