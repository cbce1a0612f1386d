package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execbox/internal/cli/command"
	"execbox/internal/cli/config"
	"execbox/internal/cli/http"
	"execbox/internal/cli/repl"
	"execbox/internal/cli/state"
)

type overrides struct {
	configPath string
	baseURL    string
	timeout    time.Duration
	token      string
	statePath  string
	history    string
	pretty     bool
}

func parseFlags(args []string) (overrides, error) {
	var o overrides
	fs := flag.NewFlagSet("execbox-cli", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "configs/cli.yaml", "cli config file")
	fs.StringVar(&o.baseURL, "base", "", "executor base URL")
	fs.DurationVar(&o.timeout, "timeout", 0, "per-request timeout, e.g. 30s")
	fs.StringVar(&o.token, "token", "", "bearer token for this session")
	fs.StringVar(&o.statePath, "state", "", "token state file")
	fs.StringVar(&o.history, "history", "", "readline history file")
	fs.BoolVar(&o.pretty, "pretty", false, "indent JSON responses")
	return o, fs.Parse(args)
}

// apply lets non-empty flags win over file and environment values.
func (o overrides) apply(cfg *config.Config) {
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	if o.timeout > 0 {
		cfg.Timeout = o.timeout
	}
	if o.statePath != "" {
		cfg.TokenStatePath = o.statePath
	}
	if o.history != "" {
		cfg.HistoryPath = o.history
	}
	if o.pretty {
		cfg.PrettyJSON = &o.pretty
	}
	if o.token != "" {
		cfg.Token = o.token
	}
}

func run(ctx context.Context, args []string) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	o.apply(&cfg)

	tokens, err := state.Load(cfg.TokenStatePath)
	if err != nil {
		return err
	}
	if cfg.Token != "" {
		tokens.SetToken(cfg.Token)
	}

	client := httpclient.New(cfg.BaseURL, cfg.Timeout, func() string { return tokens.Token })
	session := repl.New(client, command.Registry(), &tokens, cfg.TokenStatePath, cfg.HistoryPath, cfg.Pretty())
	return session.Run(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "execbox-cli: %v\n", err)
		os.Exit(1)
	}
}
