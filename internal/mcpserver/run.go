package mcpserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/richhaase/agentic-task-reviewer/internal/diffindex"
	"github.com/richhaase/agentic-task-reviewer/internal/domain"
	"github.com/richhaase/agentic-task-reviewer/internal/repofs"
	"github.com/richhaase/agentic-task-reviewer/internal/store"
)

// Run is the server-mode entry point: it loads the run context, opens the
// store and serves stdin until EOF.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer, getenv func(string) string) error {
	cfg, err := LoadConfig(args, getenv)
	if err != nil {
		return err
	}

	logger, closeLog, err := openLogger(cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()

	rc, err := domain.ReadRunContextFile(cfg.RunContextPath)
	if err != nil {
		logger.Error("load run context", "error", err)
		return err
	}
	idx, err := diffindex.New(rc.DiffText)
	if err != nil {
		logger.Error("index diff", "error", err)
		return fmt.Errorf("index diff: %w", err)
	}

	var root *repofs.Root
	if cfg.RepoRoot != "" {
		root, err = repofs.Open(cfg.RepoRoot)
		if err != nil {
			logger.Error("open repo root", "error", err)
			return err
		}
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		base := cfg.RepoRoot
		if base == "" {
			if base, err = os.Getwd(); err != nil {
				return fmt.Errorf("get working directory: %w", err)
			}
		}
		dbPath = store.DefaultPath(base)
	}
	db, err := store.Open(ctx, dbPath)
	if err != nil {
		logger.Error("open store", "path", dbPath, "error", err)
		return err
	}
	defer db.Close()

	logger.Info("serving run", "db_path", dbPath, "files", len(idx.ChangedFiles()))
	return NewServer(rc, idx, db, root, cfg.TasksOut, logger).Serve(ctx, stdin, stdout)
}

func openLogger(path string) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.DiscardHandler), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, func() { f.Close() }, nil
}
