package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/scriptlink/scriptlink/wire"
	"github.com/scriptlink/scriptlink/worker"
)

func main() {
	app := &cli.App{
		Name:  "workerd",
		Usage: "a channel worker runtime hosting the builtin function set",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "File to write logs to. Stderr is the diagnostic stream, so logging is off unless this is set.",
			},
		},
		Action: func(ctx *cli.Context) error {
			logger := zap.NewNop()
			if logFile := ctx.String("log-file"); logFile != "" {
				cfg := zap.NewDevelopmentConfig()
				cfg.OutputPaths = []string{logFile}
				cfg.ErrorOutputPaths = []string{logFile}
				var err error
				logger, err = cfg.Build()
				if err != nil {
					return fmt.Errorf("building logger: %w", err)
				}
			}

			w := worker.New(builtins(), worker.WithLogger(logger))
			return w.Serve(context.Background())
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// builtins is the function set workerd exposes: enough for controllers
// whose needs are generic, and a ready-made target for smoke tests.
func builtins() *worker.Registry {
	reg := worker.NewRegistry()

	reg.Register("Echo", func(ctx context.Context, call *worker.Call) (wire.Value, error) {
		if len(call.Args) == 0 {
			return wire.Text(""), nil
		}
		return call.Args[0], nil
	})

	reg.Register("Sleep", func(ctx context.Context, call *worker.Call) (wire.Value, error) {
		if len(call.Args) != 1 {
			return wire.Value{}, fmt.Errorf("Sleep takes one argument, the duration in milliseconds")
		}
		select {
		case <-time.After(time.Duration(call.Args[0].Int()) * time.Millisecond):
		case <-ctx.Done():
		}
		return wire.Text(""), nil
	})

	reg.Register("Getenv", func(ctx context.Context, call *worker.Call) (wire.Value, error) {
		if len(call.Args) != 1 {
			return wire.Value{}, fmt.Errorf("Getenv takes one argument, the variable name")
		}
		return wire.Text(os.Getenv(call.Args[0].Text())), nil
	})

	reg.Register("Hostname", func(ctx context.Context, call *worker.Call) (wire.Value, error) {
		name, err := os.Hostname()
		if err != nil {
			return wire.Value{}, fmt.Errorf("reading hostname: %w", err)
		}
		return wire.Text(name), nil
	})

	return reg
}
