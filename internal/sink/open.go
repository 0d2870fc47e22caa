package sink

import (
	"context"
	"fmt"

	"mqtt-capture/config"
)

// NewWriter builds the Writer selected by cfg.
func NewWriter(ctx context.Context, cfg config.SinkConfig) (Writer, error) {
	switch cfg.Type {
	case "file", "":
		format, err := ParseFormat(cfg.Format)
		if err != nil {
			return nil, err
		}
		return OpenFile(cfg.Path, format, cfg.Compression)
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	case "redis":
		return NewRedisWriter(ctx, RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
		})
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}
