package memory

import (
	"context"
	"fmt"
	"strings"
)

type Options struct {
	// Backend is auto, postgres, redis or memory. auto picks postgres when a
	// database URL is set, then redis when an address is set, then memory.
	Backend     string
	DatabaseURL string
	Redis       RedisOptions
}

// NewStore creates the configured backend.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	if backend == "" || backend == "auto" {
		switch {
		case strings.TrimSpace(opts.DatabaseURL) != "":
			backend = "postgres"
		case strings.TrimSpace(opts.Redis.Addr) != "":
			backend = "redis"
		default:
			backend = "memory"
		}
	}
	switch backend {
	case "postgres":
		return NewPostgresStore(ctx, opts.DatabaseURL)
	case "redis":
		return NewRedisStore(ctx, opts.Redis)
	case "memory":
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", opts.Backend)
	}
}
