package db

import (
	"fmt"

	"github.com/manpreetbhatti/sketchroom/internal/errs"
	"github.com/manpreetbhatti/sketchroom/internal/strokelog"
)

type Options struct {
	Driver        string
	SQLitePath    string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open returns the stroke log backend selected by opts.Driver.
func Open(opts Options) (strokelog.Backend, error) {
	switch opts.Driver {
	case "memory":
		return strokelog.NewMemoryBackend(), nil
	case "sqlite":
		return New(opts.SQLitePath)
	case "postgres":
		return NewPostgres(opts.PostgresDSN)
	case "redis":
		return NewRedis(opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
	default:
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownDriver, opts.Driver)
	}
}
