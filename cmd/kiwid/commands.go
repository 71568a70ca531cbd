package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v3"

	"kiwi/internal/app"
	"kiwi/internal/config"
	"kiwi/internal/storage"
	"kiwi/pkg/logx"
	"kiwi/pkg/timespec"
)

const stopTimeout = 10 * time.Second

// usageError is a bad argument; it maps to exit code 2.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func out(cmd *cli.Command) io.Writer { return cmd.Root().Writer }

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the timer daemon",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := app.New(cmd.String("config"))
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return err
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

			wdCtx, wdCancel := context.WithCancel(ctx)
			defer wdCancel()
			go watchdog(wdCtx)

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			wdCancel()
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			stopErr := a.Stop(stopCtx, reason)
			if err := a.Err(); err != nil {
				return err
			}
			return stopErr
		},
	}
}

// watchdog pings systemd at half the configured interval when
// WatchdogSec is set for the unit.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "validate the config and print upcoming firings",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Usage: "firings per timer", Value: 3},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			n := cmd.Int("count")
			if n < 1 {
				return &usageError{msg: "--count must be >= 1"}
			}
			cfg, err := config.NewManager(cmd.String("config")).Load()
			if err != nil {
				return err
			}
			plans, err := app.Plan(cfg, time.Now(), n)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIMER\tSPEC\tNEXT")
			for _, p := range plans {
				spec := p.Spec
				if p.Once {
					spec += " (once)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, spec, formatTimes(p.Next))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "config ok: %d timers\n", len(plans))
			return nil
		},
	}
}

func formatTimes(ts []time.Time) string {
	if len(ts) == 0 {
		return "never"
	}
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.Format("2006-01-02 15:04 MST")
	}
	return strings.Join(parts, ", ")
}

func nextCommand() *cli.Command {
	return &cli.Command{
		Name:      "next",
		Usage:     "print the next matches of a cron expression",
		ArgsUsage: "<expr>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 5},
			&cli.StringFlag{Name: "tz", Usage: "IANA timezone (default local)"},
			&cli.StringFlag{Name: "from", Usage: "start time, RFC 3339 (default now)"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			expr := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
			if expr == "" {
				return &usageError{msg: "next: missing <expr>"}
			}
			n := cmd.Int("count")
			if n < 1 {
				return &usageError{msg: "--count must be >= 1"}
			}
			loc := time.Local
			if tz := cmd.String("tz"); tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return &usageError{msg: fmt.Sprintf("--tz: %v", err)}
				}
				loc = l
			}
			from := time.Now()
			if s := cmd.String("from"); s != "" {
				t, err := time.Parse(time.RFC3339, s)
				if err != nil {
					return &usageError{msg: fmt.Sprintf("--from: %v", err)}
				}
				from = t
			}

			spec, err := timespec.Parse(expr)
			if err != nil {
				if errors.Is(err, timespec.ErrInvalidArgument) {
					return &usageError{msg: err.Error()}
				}
				return err
			}
			next := spec.NextN(from.In(loc), n)
			if len(next) == 0 {
				fmt.Fprintf(out(cmd), "%s never matches\n", spec)
				return nil
			}
			for _, t := range next {
				fmt.Fprintln(out(cmd), t.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "print recent fire history",
		ArgsUsage: "[timer]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.NewManager(cmd.String("config")).Load()
			if err != nil {
				return err
			}
			if cfg.Storage == nil {
				return storage.ErrDisabled
			}
			busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
			if err != nil {
				return err
			}
			st, err := storage.Open(storage.Config{
				Driver:      cfg.Storage.Driver,
				Path:        cfg.Storage.Path,
				BusyTimeout: busy,
			}, logx.Nop())
			if err != nil {
				return err
			}
			if st == nil {
				return storage.ErrDisabled
			}
			defer st.Close()

			recs, err := st.RecentFires(ctx, cmd.Args().First(), cmd.Int("limit"))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tTIMER\tEVENT\tTOOK\tATTEMPTS\tERROR")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.At.Format(time.RFC3339), r.Timer, r.Event, r.Took.Round(time.Millisecond), r.Attempts, r.Error)
			}
			return w.Flush()
		},
	}
}
