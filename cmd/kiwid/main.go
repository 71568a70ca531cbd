// kiwid runs minute-resolution timers from a config file.
//
// Usage:
//
//	kiwid [-c kiwi.yaml] <command> [args]
//
// Commands:
//
//	run            run the daemon until SIGINT/SIGTERM
//	check          validate the config and print each timer's next firings
//	next <expr>    print the next matches of a cron expression
//	history        print recent fire history from the configured store
//
// Exit codes: 0 success, 1 failure, 2 usage error.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

// Set with -ldflags "-X main.Version=...".
var Version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args))
}

func createApp() *cli.Command {
	return &cli.Command{
		Name:    "kiwid",
		Usage:   "minute-resolution timer daemon",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config (JSON or YAML)",
				Value:   "./kiwi.yaml",
				Sources: cli.EnvVars("KIWI_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			checkCommand(),
			nextCommand(),
			historyCommand(),
		},
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(os.Stderr, err)
			}
		},
	}
}

func run(args []string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandler(cancel)

	if err := createApp().Run(ctx, args); err != nil {
		var uerr *usageError
		if errors.As(err, &uerr) {
			fmt.Fprintf(os.Stderr, "usage: %v\n", uerr)
			return 2
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// setupSignalHandler cancels on the first signal and exits on the second.
func setupSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()

		<-sigCh
		signal.Stop(sigCh)
		os.Exit(130)
	}()
}
