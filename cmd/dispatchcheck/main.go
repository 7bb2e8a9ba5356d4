package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dispatchcheck/internal/app"
)

const defaultConfigPath = "./dispatchcheck.yaml"

const usage = `usage: dispatchcheck [run|daemon|history] [flags]

  run      send the work items once, drain every endpoint and verify (default)
  daemon   repeat run on a schedule until interrupted
  history  print recorded runs, newest first
`

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("dispatchcheck "+cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage, "\nflags:\n")
		fs.PrintDefaults()
	}

	var (
		cfgPath     = fs.String("config", defaultConfigPath, "path to config json/yaml; built-in defaults when the default file is absent")
		driver      = fs.String("driver", "", "broker driver: memory, nats, redis, kafka")
		endpoints   = fs.String("endpoints", "", "comma-separated endpoint addresses")
		items       = fs.Int("items", 0, "number of work items to send")
		pollTimeout = fs.Duration("poll-timeout", 0, "per-poll wait")
		maxRounds   = fs.Int("max-rounds", 0, "drain round budget (0: items + 10)")
		sched       = fs.String("schedule", "", `daemon schedule, e.g. "every:30s" or "cron:*/5 * * * *"`)
		last        = fs.Int("n", 10, "history: number of runs to show")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	var o app.Overrides
	o.Driver = strings.TrimSpace(*driver)
	o.Schedule = strings.TrimSpace(*sched)
	for _, ep := range strings.Split(*endpoints, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			o.Endpoints = append(o.Endpoints, ep)
		}
	}
	configSet := false
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config":
			configSet = true
		case "items":
			o.Items = items
		case "poll-timeout":
			o.PollTimeout = pollTimeout
		case "max-rounds":
			o.MaxRounds = maxRounds
		}
	})

	switch cmd {
	case "run", "daemon", "history":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		fs.Usage()
		return 2
	}

	path := *cfgPath
	if !configSet {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{ConfigPath: path, Overrides: o})
	if err != nil {
		fmt.Fprintln(stderr, "fatal:", err)
		return app.ExitCode(err)
	}
	defer a.Close()

	switch cmd {
	case "daemon":
		err = a.Daemon(ctx)
	case "history":
		err = printHistory(ctx, a, stdout, *last)
	default:
		var rep *app.Report
		rep, err = a.RunOnce(ctx)
		printReport(stdout, rep)
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
	}
	return app.ExitCode(err)
}

func printHistory(ctx context.Context, a *app.App, w io.Writer, n int) error {
	runs, err := a.History(ctx, n)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return nil
	}
	return app.WriteHistory(w, runs)
}

func printReport(w io.Writer, rep *app.Report) {
	if rep == nil {
		return
	}
	fmt.Fprintf(w, "run %s: %s\n", rep.RunID, rep.Outcome)
	fmt.Fprintf(w, "  driver=%s endpoints=%d sent=%d took=%s\n", rep.Driver, rep.Endpoints, rep.Sent, rep.Took.Round(time.Millisecond))
	if rep.Result == nil {
		return
	}
	fmt.Fprintf(w, "  received=%d rounds=%d ignored=%d\n", rep.Result.Total(), rep.Result.Rounds, rep.Result.Ignored)
	for _, ep := range rep.Result.Endpoints {
		fmt.Fprintf(w, "  endpoint %d (%s): %d items\n", ep.ID, ep.Addr, len(ep.Items))
	}
}
