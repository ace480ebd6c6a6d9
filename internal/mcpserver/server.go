package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/richhaase/agentic-task-reviewer/internal/diffindex"
	"github.com/richhaase/agentic-task-reviewer/internal/domain"
	"github.com/richhaase/agentic-task-reviewer/internal/feedback"
	"github.com/richhaase/agentic-task-reviewer/internal/repofs"
	"github.com/richhaase/agentic-task-reviewer/internal/store"
)

// ServerName is reported in serverInfo and used as the MCP server name
// when the orchestrator registers the tool server with the agent.
const ServerName = "atr-tasks"

const serverVersion = "0.1.0"

// Server answers MCP requests for one review run.
type Server struct {
	run      *domain.RunContext
	index    *diffindex.Index
	repo     store.Repository
	root     *repofs.Root
	ingester *feedback.Ingester
	mirror   *mirror
	logger   *slog.Logger
	mcp      *server.MCPServer
}

// NewServer wires a server for run. root may be nil, which hides the repo
// tools. tasksOut may be empty.
func NewServer(run *domain.RunContext, idx *diffindex.Index, repo store.Repository, root *repofs.Root, tasksOut string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		run:      run,
		index:    idx,
		repo:     repo,
		root:     root,
		ingester: feedback.NewIngester(idx, run, repo, logger),
		mirror:   &mirror{path: tasksOut},
		logger:   logger,
	}
	s.mcp = server.NewMCPServer(ServerName, serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithToolHandlerMiddleware(s.logCalls),
	)
	s.registerTools()
	return s
}

// Serve reads requests from r until EOF or ctx is done, writing responses
// to w. Tool calls run one at a time in arrival order.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Info("mcp server starting", "review_id", s.run.ReviewID, "run_id", s.run.RunID, "repo_tools", s.root != nil)

	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn))
	server.WithWorkerPoolSize(1)(stdio)

	if err := stdio.Listen(ctx, r, w); err != nil {
		s.logger.Info("mcp server stopping", "reason", err)
		return err
	}
	s.logger.Info("mcp server stopping", "reason", "eof")
	return nil
}

func (s *Server) logCalls(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.logger.Debug("request", "method", mcp.MethodToolsCall, "tool", req.Params.Name)
		return next(ctx, req)
	}
}

type toolFunc func(ctx context.Context, raw json.RawMessage) (any, error)

// handle adapts fn to mcp-go. Validation failures and root escapes become
// tool results with isError set so the agent can retry; anything else is
// an internal error.
func (s *Server) handle(name string, fn toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := arguments(req)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid %s arguments: %v", name, err)), nil
		}

		result, err := fn(ctx, raw)
		if err != nil {
			var verr *domain.ValidationError
			if !errors.As(err, &verr) && !errors.Is(err, repofs.ErrOutsideRoot) {
				s.logger.Error("tool failed", "tool", name, "error", err)
				return nil, err
			}
			s.logger.Warn("tool rejected input", "tool", name, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}

		text, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode %s result: %w", name, err)
		}
		return mcp.NewToolResultText(string(text)), nil
	}
}

func arguments(req mcp.CallToolRequest) (json.RawMessage, error) {
	args := req.GetRawArguments()
	if args == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(args)
}
