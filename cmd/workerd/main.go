// Command workerd is the single-user worker daemon: it logs in, registers,
// then polls the dispatch server for tasks and executes them locally.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fairyhunter13/agentboard/internal/domain"
	"github.com/fairyhunter13/agentboard/internal/worker"
)

const (
	exitStartupError = 1
	exitAuthFailure  = 2
)

func main() {
	var (
		serverURL  string
		username   string
		password   string
		pollSecs   int
		configPath string
	)

	root := &cobra.Command{
		Use:   "workerd",
		Short: "agentboard worker daemon",
		Long:  "Runs agent and integration tasks claimed from an agentboard server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return run(cmd.Context(), serverURL, username, password, pollSecs, configPath)
		},
	}
	root.Flags().StringVar(&serverURL, "server", "", "server base URL")
	root.Flags().StringVar(&username, "user", "", "username")
	root.Flags().StringVar(&password, "password", "", "password (prompted when omitted)")
	root.Flags().IntVar(&pollSecs, "poll", 0, "poll interval in seconds")
	root.Flags().StringVar(&configPath, "config", "", "config file (default ~/.agentboard/worker.yaml)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		code := exitStartupError
		if errors.Is(err, domain.ErrUnauthorized) {
			code = exitAuthFailure
		}
		color.Red("error: %v", err)
		os.Exit(code)
	}
}

func run(ctx context.Context, serverURL, username, password string, pollSecs int, configPath string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	cfg, err := worker.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if username != "" {
		cfg.Username = username
	}
	if pollSecs > 0 {
		cfg.PollInterval = time.Duration(pollSecs) * time.Second
	}
	if cfg.ServerURL == "" {
		return fmt.Errorf("server URL required (--server or config)")
	}

	client := worker.NewClient(cfg.ServerURL, cfg.Token)
	if client.Token == "" {
		if cfg.Username == "" {
			return fmt.Errorf("username required (--user or config)")
		}
		if password == "" {
			fmt.Fprintf(os.Stderr, "Password for %s: ", cfg.Username)
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("password read: %w", err)
			}
			password = string(raw)
		}
		if err := client.Login(ctx, cfg.Username, password); err != nil {
			return err
		}
	}

	runner := worker.NewRunner(client, cfg)
	if err := runner.Register(ctx); err != nil {
		return err
	}

	color.Green("workerd connected to %s as %s (worker %s)",
		cfg.ServerURL, cfg.Username, runner.WorkerID())
	color.White("polling every %s; Ctrl-C to stop", cfg.PollInterval)

	return runner.Run(ctx)
}
