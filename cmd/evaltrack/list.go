package main

import (
	"context"
	"errors"
	"fmt"
)

type listConfig struct {
	*rootConfig
}

func (cfg *listConfig) Exec(ctx context.Context, args []string) error {
	client := cfg.newClient()

	cfg.logger.Debug().Str("uri", client.BaseAddress()).Msg("fetching traces")

	traces, err := client.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("fetch traces: %w", err)
	}

	cfg.logger.Debug().Int("count", len(traces)).Msg("fetched traces")

	enc := cfg.newEncoder()
	for _, tr := range traces {
		if err := cfg.write(enc, tr); err != nil {
			return err
		}
	}

	return nil
}

type getConfig struct {
	*rootConfig
}

func (cfg *getConfig) Exec(ctx context.Context, args []string) error {
	if len(args) <= 0 {
		return fmt.Errorf("at least one trace ID is required")
	}

	var (
		client = cfg.newClient()
		enc    = cfg.newEncoder()
		errs   []error
	)
	for _, id := range args {
		tr, err := client.Get(ctx, id)
		if err != nil {
			cfg.logger.Warn().Str("id", id).Err(err).Msg("get trace")
			errs = append(errs, err)
			continue
		}
		if err := cfg.write(enc, tr); err != nil {
			return err
		}
	}

	return errors.Join(errs...)
}
