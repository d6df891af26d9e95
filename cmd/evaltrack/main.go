// evaltrack is a CLI tool for running and querying evaltrack trace stores.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/rs/zerolog"
)

func main() {
	var (
		ctx    = context.Background()
		stdin  = os.Stdin
		stdout = os.Stdout
		stderr = os.Stderr
		args   = os.Args[1:]
	)
	err := exec(ctx, stdin, stdout, stderr, args)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.As(err, &(run.SignalError{})):
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func exec(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) (err error) {
	rootConfig := &rootConfig{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	rootFlags := ff.NewFlagSet("evaltrack")
	rootConfig.register(rootFlags)

	rootCommand := &ff.Command{
		Name:      "evaltrack",
		ShortHelp: "run or query an evaltrack trace store",
		Flags:     rootFlags,
	}

	// Config for `evaltrack serve`.
	serveConfig := &serveConfig{rootConfig: rootConfig}
	serveFlags := ff.NewFlagSet("serve").SetParent(rootFlags)
	serveConfig.register(serveFlags)
	rootCommand.Subcommands = append(rootCommand.Subcommands, &ff.Command{
		Name:      "serve",
		ShortHelp: "run a trace store",
		LongHelp:  "Serve the trace store HTTP API, keeping traces in memory or in a SQLite database.",
		Flags:     serveFlags,
		Exec:      serveConfig.Exec,
	})

	// Config for `evaltrack list`.
	listConfig := &listConfig{rootConfig: rootConfig}
	listFlags := ff.NewFlagSet("list").SetParent(rootFlags)
	rootCommand.Subcommands = append(rootCommand.Subcommands, &ff.Command{
		Name:      "list",
		ShortHelp: "fetch every trace from a trace store",
		Flags:     listFlags,
		Exec:      listConfig.Exec,
	})

	// Config for `evaltrack get`.
	getConfig := &getConfig{rootConfig: rootConfig}
	getFlags := ff.NewFlagSet("get").SetParent(rootFlags)
	rootCommand.Subcommands = append(rootCommand.Subcommands, &ff.Command{
		Name:      "get",
		Usage:     "evaltrack get [FLAGS] ID [ID...]",
		ShortHelp: "fetch specific traces by ID",
		Flags:     getFlags,
		Exec:      getConfig.Exec,
	})

	// Config for `evaltrack stream`.
	streamConfig := &streamConfig{rootConfig: rootConfig}
	streamFlags := ff.NewFlagSet("stream").SetParent(rootFlags)
	streamConfig.register(streamFlags)
	rootCommand.Subcommands = append(rootCommand.Subcommands, &ff.Command{
		Name:      "stream",
		ShortHelp: "continuously print new traces as they arrive",
		Flags:     streamFlags,
		Exec:      streamConfig.Exec,
	})

	// Config for `evaltrack demo`.
	demoConfig := &demoConfig{rootConfig: rootConfig}
	demoFlags := ff.NewFlagSet("demo").SetParent(rootFlags)
	demoConfig.register(demoFlags)
	rootCommand.Subcommands = append(rootCommand.Subcommands, &ff.Command{
		Name:      "demo",
		ShortHelp: "call an instrumented function a few times, tracing to the store",
		Flags:     demoFlags,
		Exec:      demoConfig.Exec,
	})

	// Print help when appropriate.
	showHelp := true
	defer func() {
		errHelp := errors.Is(err, ff.ErrHelp) || errors.Is(err, ff.ErrNoExec)
		if showHelp || errHelp {
			fmt.Fprintf(stderr, "\n%s\n", ffhelp.Command(rootCommand))
		}
		if errHelp {
			err = nil
		}
	}()

	// Initial parsing.
	if err := rootCommand.Parse(args, ff.WithEnvVarPrefix("EVALTRACK")); err != nil {
		return err
	}

	// Validation and set-up.
	{
		level, ok := logLevels[strings.ToLower(rootConfig.logLevel)]
		if !ok {
			return fmt.Errorf("invalid log level %q", rootConfig.logLevel)
		}
		rootConfig.logger = zerolog.New(zerolog.ConsoleWriter{Out: stderr, NoColor: true}).Level(level).With().Timestamp().Logger()
	}

	if rootConfig.uri = strings.TrimSpace(rootConfig.uri); rootConfig.uri == "" {
		return fmt.Errorf("URI is required")
	}

	// Run errors shouldn't show help by default.
	showHelp = false

	// Run the selected command.
	return rootCommand.Run(ctx)
}

var logLevels = map[string]zerolog.Level{
	"d": zerolog.DebugLevel, "debug": zerolog.DebugLevel,
	"i": zerolog.InfoLevel, "info": zerolog.InfoLevel,
	"w": zerolog.WarnLevel, "warn": zerolog.WarnLevel,
	"e": zerolog.ErrorLevel, "error": zerolog.ErrorLevel,
	"n": zerolog.Disabled, "none": zerolog.Disabled,
}
