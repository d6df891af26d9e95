package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/tied-inc/evaltrack"
	"github.com/tied-inc/evaltrack/evaltrackhttp"
)

type demoConfig struct {
	*rootConfig

	count   int
	timeout time.Duration
}

func (cfg *demoConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'n',
		LongName:    "count",
		Value:       ffval.NewValueDefault(&cfg.count, 5),
		Usage:       "number of instrumented calls to make",
		Placeholder: "N",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "timeout",
		Value:       ffval.NewValueDefault(&cfg.timeout, 10*time.Second),
		Usage:       "how long to wait for traces to be delivered",
		Placeholder: "DURATION",
	})
}

var errOdd = errors.New("odd input")

// Exec calls an instrumented function against the store at the configured
// URI, waits for delivery, and prints the delivery stats. Odd inputs fail,
// so both successful and failed calls are traced.
func (cfg *demoConfig) Exec(ctx context.Context, args []string) error {
	logger := cfg.logger.With().Str("component", "registry").Logger()
	registry := evaltrack.NewRegistry(
		evaltrack.WithSinkFactory(evaltrackhttp.NewSinkFactory(cfg.secretKey)),
		evaltrack.WithDeliveryTimeout(cfg.timeout),
		evaltrack.WithLogger(logger),
	)
	registry.Initialize(cfg.uri)

	halve := evaltrack.Instrument(func(ctx context.Context, n int) (int, error) {
		if n%2 != 0 {
			return 0, fmt.Errorf("halve %d: %w", n, errOdd)
		}
		return n / 2, nil
	}, evaltrack.WithRegistry(registry), evaltrack.WithName("halve"))

	enc := cfg.newEncoder()
	for i := 0; i < cfg.count; i++ {
		ctx := evaltrack.WithCurrentTrace(ctx)
		if _, err := halve(ctx, i); err != nil {
			cfg.logger.Debug().Int("n", i).Err(err).Msg("call failed")
		}
		if tr, ok := evaltrack.TakeCurrentTrace(ctx); ok {
			if err := cfg.write(enc, tr); err != nil {
				return err
			}
		}
	}

	flushCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if err := registry.Flush(flushCtx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	stats := registry.Stats()
	cfg.logger.Info().Str("uri", registry.Address()).Str("stats", stats.String()).Msg("done")
	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d trace(s) weren't delivered", stats.Failed, stats.Submitted)
	}

	return nil
}
