package draftstore

import (
	"context"
	"fmt"
	"time"
)

const (
	KindMemory = "memory"
	KindFile   = "file"
	KindRedis  = "redis"
)

type Options struct {
	Kind     string
	FilePath string
	RedisURL string
	RedisTTL time.Duration
	// Sealer, when set, encrypts drafts at rest.
	Sealer Sealer
}

// Open builds the configured store. The returned close func is never nil.
func Open(ctx context.Context, opts Options) (Store, func() error, error) {
	noop := func() error { return nil }
	var (
		s       Store
		closeFn = noop
	)
	switch opts.Kind {
	case KindMemory, "":
		s = NewMemory()
	case KindFile:
		f, err := OpenFile(opts.FilePath)
		if err != nil {
			return nil, noop, err
		}
		s = f
	case KindRedis:
		r, err := OpenRedis(ctx, opts.RedisURL, opts.RedisTTL)
		if err != nil {
			return nil, noop, err
		}
		s, closeFn = r, r.Close
	default:
		return nil, noop, fmt.Errorf("draftstore: unknown kind %q", opts.Kind)
	}
	if opts.Sealer != nil {
		s = NewEncrypted(s, opts.Sealer)
	}
	return s, closeFn, nil
}
