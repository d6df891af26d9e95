package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/rs/zerolog"
	"github.com/tied-inc/evaltrack/evaltrackhttp"
)

type rootConfig struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	uri       string
	secretKey string
	logLevel  string
	output    string

	logger zerolog.Logger
}

func (cfg *rootConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'u',
		LongName:    "uri",
		Value:       ffval.NewValueDefault(&cfg.uri, "localhost:8000"),
		Usage:       "trace store base address e.g. 'localhost:8000' or 'http+unix:///tmp/evaltrack.sock:'",
		Placeholder: "URI",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "secret-key",
		Value:       ffval.NewValue(&cfg.secretKey),
		Usage:       "shared secret key required by the trace store, if any",
		Placeholder: "KEY",
		NoDefault:   true,
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'l',
		LongName:    "log",
		Value:       ffval.NewEnum(&cfg.logLevel, "info", "i", "debug", "d", "warn", "w", "error", "e", "none", "n"),
		Usage:       "log level: i/info, d/debug, w/warn, e/error, n/none",
		Placeholder: "LEVEL",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'o',
		LongName:    "output",
		Value:       ffval.NewEnum(&cfg.output, "ndjson", "prettyjson"),
		Usage:       "output format: ndjson, prettyjson",
		Placeholder: "FORMAT",
	})
}

func (cfg *rootConfig) newClient() *evaltrackhttp.Client {
	client := evaltrackhttp.NewClient(nil, cfg.uri)
	client.SecretKey = cfg.secretKey
	return client
}

// newEncoder returns a JSON encoder for stdout in the selected output format.
func (cfg *rootConfig) newEncoder() *json.Encoder {
	enc := json.NewEncoder(cfg.stdout)
	if cfg.output == "prettyjson" {
		enc.SetIndent("", "    ")
	}
	return enc
}

func (cfg *rootConfig) write(enc *json.Encoder, v any) error {
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
