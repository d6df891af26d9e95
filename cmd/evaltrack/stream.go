package main

import (
	"context"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/tied-inc/evaltrack"
)

type streamConfig struct {
	*rootConfig

	recvBuf       int
	retryInterval time.Duration
	failedOnly    bool
}

func (cfg *streamConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		LongName:    "recv-buffer",
		Value:       ffval.NewValueDefault(&cfg.recvBuf, 100),
		Usage:       "receive buffer size",
		Placeholder: "N",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "retry",
		Value:       ffval.NewValueDefault(&cfg.retryInterval, time.Second),
		Usage:       "retry interval for broken connections",
		Placeholder: "DURATION",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:  "failed",
		Value:     ffval.NewValue(&cfg.failedOnly),
		Usage:     "only print traces of calls that returned an error",
		NoDefault: true,
	})
}

func (cfg *streamConfig) Exec(ctx context.Context, args []string) error {
	client := cfg.newClient()
	client.RetryInterval = cfg.retryInterval

	cfg.logger.Info().Str("uri", client.BaseAddress()).Bool("failed_only", cfg.failedOnly).Msg("streaming")

	traces := make(chan *evaltrack.Trace, cfg.recvBuf)

	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return client.Stream(ctx, traces)
		}, func(error) {
			cancel()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return cfg.writeTraces(ctx, traces)
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	return g.Run()
}

func (cfg *streamConfig) writeTraces(ctx context.Context, traces <-chan *evaltrack.Trace) error {
	enc := cfg.newEncoder()
	for {
		select {
		case tr := <-traces:
			if cfg.failedOnly && !tr.Failed() {
				continue
			}
			if err := cfg.write(enc, tr); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
