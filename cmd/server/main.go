package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"claude-bridge/internal/agent"
	"claude-bridge/internal/diff"
	"claude-bridge/internal/realtime"
	"claude-bridge/internal/session"
	"claude-bridge/internal/watcher"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"
)

const shutdownTimeout = 15 * time.Second

func main() {
	root := &cli.Command{
		Name:  "claude-bridge",
		Usage: "Run coding agent sessions behind an HTTP, SSE and WebSocket API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Usage:   "Port to listen on",
				Value:   8420,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "static-dir",
				Usage:   "Directory with the web UI, served at /",
				Value:   "./frontend/dist",
				Sources: cli.EnvVars("STATIC_DIR"),
			},
			&cli.IntFlag{
				Name:    "max-sessions",
				Usage:   "Maximum number of concurrent sessions (0 for no limit)",
				Value:   10,
				Sources: cli.EnvVars("MAX_SESSIONS"),
			},
			&cli.StringFlag{
				Name:    "agent-binary",
				Usage:   "Agent executable",
				Value:   "claude",
				Sources: cli.EnvVars("AGENT_BINARY"),
			},
			&cli.StringSliceFlag{
				Name:    "agent-args",
				Usage:   "Replace the default agent arguments (comma separated in the environment)",
				Sources: cli.EnvVars("AGENT_ARGS"),
			},
			&cli.DurationFlag{
				Name:    "grace-period",
				Usage:   "Time a session gets to exit after SIGTERM before it is killed",
				Value:   5 * time.Second,
				Sources: cli.EnvVars("GRACE_PERIOD"),
			},
			&cli.IntFlag{
				Name:    "diff-context",
				Usage:   "Unchanged lines around each diff hunk",
				Value:   diff.DefaultContext,
				Sources: cli.EnvVars("DIFF_CONTEXT"),
			},
			&cli.BoolFlag{
				Name:    "watch-files",
				Usage:   "Report file changes in session working directories",
				Value:   true,
				Sources: cli.EnvVars("WATCH_FILES"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level: debug, info, warn, error",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level, err := log.ParseLevel(cmd.String("log-level"))
			if err != nil {
				return ctx, err
			}
			log.SetLevel(level)
			return ctx, nil
		},
		Action: serve,
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func agentConfig(cmd *cli.Command) agent.Config {
	cfg := agent.DefaultConfig()
	cfg.Binary = cmd.String("agent-binary")
	if args := cmd.StringSlice("agent-args"); len(args) > 0 {
		cfg.Args = args
	}
	return cfg
}

func serve(ctx context.Context, cmd *cli.Command) error {
	if cmd.Int("diff-context") < 0 {
		return fmt.Errorf("--diff-context must not be negative")
	}

	registry := session.NewRegistry(agentConfig(cmd), session.Options{
		MaxSessions: cmd.Int("max-sessions"),
		GracePeriod: cmd.Duration("grace-period"),
	})
	runner := &agent.Runner{Config: agentConfig(cmd)}

	// The watcher callback is bound once the realtime server exists.
	var rtServer *realtime.Server
	var fileWatch *watcher.Watcher
	if cmd.Bool("watch-files") {
		fileWatch = watcher.New(cmd.Int("diff-context"), func(sessionID string, f diff.File) {
			if rtServer != nil {
				rtServer.OnFileDiff(sessionID, f)
			}
		})
	}

	rtServer = realtime.New(registry, runner, fileWatch, realtime.Options{
		StaticDir:   cmd.String("static-dir"),
		DiffContext: cmd.Int("diff-context"),
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cmd.Int("port")),
		Handler: rtServer.Handler(),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", "http://localhost"+httpServer.Addr, "agent", cmd.String("agent-binary"))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if fileWatch != nil {
		fileWatch.Shutdown()
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Warn("sessions did not stop in time", "err", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
		httpServer.Close()
	}
	return nil
}
