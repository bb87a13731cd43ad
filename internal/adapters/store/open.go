package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/core"
)

// Open returns a redis store for url, or an in-memory one when url is empty.
// Redis must answer a ping within maxWait.
func Open(ctx context.Context, url string, maxWait time.Duration) (core.Store, error) {
	if url == "" {
		log.Warn().Str("module", "store").Msg("no store url, using in-memory store")
		return NewMemoryStore(), nil
	}
	rs, err := NewRedisStore(url)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxWait
	err = backoff.RetryNotify(func() error {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return rs.Ping(pctx)
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Warn().Err(err).Str("module", "store").Dur("retry_in", d).Msg("redis not reachable yet")
	})
	if err != nil {
		_ = rs.Close()
		return nil, err
	}
	log.Info().Str("module", "store").Msg("connected to redis")
	return rs, nil
}
