// Package taskgen drives one task generation run: it launches an ACP agent,
// registers the MCP tool server with it, prompts it with the diff and
// supervises the session until the agent finalizes, fails, times out or is
// cancelled.
package taskgen

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/richhaase/agentic-task-reviewer/internal/agent"
	"github.com/richhaase/agentic-task-reviewer/internal/diffindex"
	"github.com/richhaase/agentic-task-reviewer/internal/domain"
	"github.com/richhaase/agentic-task-reviewer/internal/mcpserver"
	"github.com/richhaase/agentic-task-reviewer/internal/repofs"
	"github.com/richhaase/agentic-task-reviewer/internal/store"
	"github.com/richhaase/agentic-task-reviewer/internal/tasks"
)

// DefaultTimeout bounds a run when GenerateInput.Timeout is zero.
const DefaultTimeout = 30 * time.Minute

const (
	pollInterval  = 200 * time.Millisecond
	drainTimeout  = 2 * time.Second
	clientName    = "atr"
	clientVersion = "0.1.0"
)

// GenerateInput configures a run.
type GenerateInput struct {
	RunContext *domain.RunContext
	// RepoRoot enables read-only repository access when set.
	RepoRoot     string
	AgentCommand string
	AgentArgs    []string
	// AgentEnv is added to the agent's environment as KEY=VALUE pairs.
	AgentEnv []string
	// MCPServerBinary defaults to the running executable.
	MCPServerBinary string
	DBPath          string
	Timeout         time.Duration
	Progress        chan<- ProgressEvent
	// Debug echoes protocol traffic and logs to DebugOutput (stderr if nil).
	Debug       bool
	DebugOutput io.Writer
	// Store is read after the agent stops to merge tasks the MCP server
	// persisted. May be nil.
	Store store.Repository
}

// GenerateResult is what a successful run produced.
type GenerateResult struct {
	Messages []string
	Thoughts []string
	Logs     []string
	Tasks    []domain.ReviewTask
	Finalize *tasks.Finalize
}

// run holds the live pieces of one Generate call.
type run struct {
	in      *GenerateInput
	index   *diffindex.Index
	client  *Client
	events  emitter
	proc    *agent.Process
	conn    *acp.ClientSideConnection
	session *atomic.String
	// stderrDone is closed when the agent's stderr reaches EOF.
	stderrDone chan struct{}

	stderrMu sync.Mutex
	stderr   strings.Builder
}

// Generate runs the agent to completion and returns the validated tasks.
// Cancelling ctx kills the agent and returns *domain.CancellationError.
func Generate(ctx context.Context, in GenerateInput) (*GenerateResult, error) {
	if in.RunContext == nil {
		return nil, fmt.Errorf("generate: run context is required")
	}
	if in.Timeout <= 0 {
		in.Timeout = DefaultTimeout
	}

	idx, err := diffindex.New(in.RunContext.DiffText)
	if err != nil {
		return nil, &domain.ValidationError{Reason: "diff could not be parsed", Err: err}
	}

	var root *repofs.Root
	if in.RepoRoot != "" {
		if root, err = repofs.Open(in.RepoRoot); err != nil {
			return nil, err
		}
	}

	// Progress and the stderr drain stop when the run ends, whatever the
	// caller does with ctx.
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	r := &run{
		in:      &in,
		index:   idx,
		client:  NewClient(idx, in.RunContext.RunID, root),
		events:  emitter{ctx: runCtx, ch: in.Progress},
		session:    atomic.NewString(""),
		stderrDone: make(chan struct{}),
	}
	r.client.SetProgress(runCtx, in.Progress)
	debugOut := in.DebugOutput
	if debugOut == nil {
		debugOut = os.Stderr
	}
	if in.Debug {
		r.client.SetDebug(debugOut)
	}

	contextPath := filepath.Join(os.TempDir(), fmt.Sprintf("atr-run-%s.json", uuid.New().String()))
	if err := domain.WriteRunContextFile(contextPath, in.RunContext); err != nil {
		return nil, err
	}
	defer os.Remove(contextPath)

	var cwd string
	if root != nil {
		cwd = root.Dir()
	} else {
		tmp, err := os.MkdirTemp("", "atr-session-")
		if err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		cwd = tmp
	}

	server, err := r.mcpServer(contextPath, root)
	if err != nil {
		return nil, err
	}

	r.state(StateSpawning)
	r.proc, err = agent.StartProcess(agent.ProcessOptions{
		Command: in.AgentCommand,
		Args:    in.AgentArgs,
		Env:     in.AgentEnv,
		WorkDir: cwd,
	})
	if err != nil {
		r.state(StateFailed)
		return nil, err
	}
	r.client.Logf("spawned %s (pid %d)", in.AgentCommand, r.proc.Pid())
	go r.drainStderr()
	go func() { _, _ = r.proc.Wait() }()

	var (
		agentOut io.Reader = newEndOfStream(r.proc.Stdout)
		agentIn  io.Writer = r.proc.Stdin
		connLog            = slog.New(slog.DiscardHandler)
	)
	if in.Debug {
		agentOut = io.TeeReader(agentOut, &lineTap{prefix: "<-", fn: r.client.Logf})
		agentIn = io.MultiWriter(agentIn, &lineTap{prefix: "->", fn: r.client.Logf})
		connLog = slog.New(slog.NewTextHandler(debugOut, nil))
	}
	r.conn = acp.NewClientSideConnection(r.client, agentIn, agentOut)
	r.conn.SetLogger(connLog)

	promptDone := make(chan error, 1)
	go func() { promptDone <- r.runSession(runCtx, cwd, server, root) }()

	failure := r.supervise(ctx, promptDone)

	r.proc.Kill()
	exitCode, _ := r.proc.Wait()
	// Everything the agent wrote before it stopped is handled before the
	// result is read.
	if !waitAll(drainTimeout, r.stderrDone, r.client.Drained()) {
		r.client.Logf("agent output not drained after %s", drainTimeout)
	}
	_ = r.proc.Stdout.Close()
	r.client.Logf("agent exited with code %d", exitCode)

	if failure != nil {
		return nil, failure
	}
	return r.result(exitCode)
}

func (r *run) state(s State) {
	if r.client != nil {
		r.client.Logf("state: %s", s)
	}
	r.events.emit(ProgressEvent{Kind: ProgressState, State: s})
}

func waitAll(d time.Duration, chans ...<-chan struct{}) bool {
	timeout := time.NewTimer(d)
	defer timeout.Stop()
	for _, ch := range chans {
		select {
		case <-ch:
		case <-timeout.C:
			return false
		}
	}
	return true
}

func (r *run) mcpServer(contextPath string, root *repofs.Root) (acp.McpServer, error) {
	bin := r.in.MCPServerBinary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return acp.McpServer{}, fmt.Errorf("locate MCP server binary: %w", err)
		}
		bin = exe
	}
	abs, err := filepath.Abs(bin)
	if err != nil {
		return acp.McpServer{}, fmt.Errorf("locate MCP server binary: %w", err)
	}

	args := []string{mcpserver.ServerFlag, "--pr-context", contextPath}
	if r.in.DBPath != "" {
		args = append(args, "--db-path", r.in.DBPath)
	}
	if root != nil {
		args = append(args, "--repo-root", root.Dir())
	}
	return acp.McpServer{Stdio: &acp.McpServerStdio{
		Name:    mcpserver.ServerName,
		Command: abs,
		Args:    args,
		Env:     []acp.EnvVariable{},
	}}, nil
}

// runSession performs the handshake and the single prompt turn.
func (r *run) runSession(ctx context.Context, cwd string, server acp.McpServer, root *repofs.Root) error {
	r.state(StateHandshaking)
	initResp, err := r.conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapabilities{ReadTextFile: root != nil, WriteTextFile: false},
		},
		ClientInfo: &acp.Implementation{Name: clientName, Version: clientVersion},
		Meta: map[string]any{
			"extensionMethods": append(append([]string{}, returnTaskMethods...), finalizeMethods...),
		},
	})
	if err != nil {
		return &domain.ProtocolError{Op: acp.AgentMethodInitialize, Err: err}
	}
	if info := initResp.AgentInfo; info != nil {
		r.client.Logf("agent %s %s (protocol %d)", info.Name, info.Version, initResp.ProtocolVersion)
	}

	sess, err := r.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cwd,
		McpServers: []acp.McpServer{server},
	})
	if err != nil {
		return &domain.ProtocolError{Op: acp.AgentMethodSessionNew, Err: err}
	}
	r.session.Store(string(sess.SessionId))
	r.client.Logf("session %s started", sess.SessionId)

	r.state(StatePrompting)
	rootDir := ""
	if root != nil {
		rootDir = root.Dir()
	}
	prompt, err := BuildPrompt(r.index, r.in.RunContext.DiffText, rootDir)
	if err != nil {
		return err
	}

	r.state(StateRunning)
	resp, err := r.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: sess.SessionId,
		Prompt:    []acp.ContentBlock{acp.TextBlock(prompt)},
	})
	if err != nil {
		return &domain.ProtocolError{Op: acp.AgentMethodSessionPrompt, Err: err}
	}
	r.client.Logf("prompt finished: %s", resp.StopReason)
	return nil
}

// supervise waits for the first terminal event. It returns nil when the
// run should go on to the result check. A finalize seen by the client ends
// the wait at once; the store poll catches finalize calls that reached the
// MCP server process but not this one.
func (r *run) supervise(ctx context.Context, promptDone <-chan error) error {
	timer := time.NewTimer(r.in.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-promptDone:
			if err == nil {
				return nil
			}
			if r.finalized(ctx) {
				r.client.Logf("ignoring prompt error after finalize: %v", err)
				r.state(StateFinalizing)
				return nil
			}
			// The agent went away mid-turn; the result check reports what
			// was missing along with its logs.
			if r.disconnected() {
				r.client.Logf("agent closed the connection: %v", err)
				return nil
			}
			r.state(StateFailed)
			return err

		case <-r.client.FinalizeSeen():
			r.state(StateFinalizing)
			return nil

		case <-r.proc.Exited():
			r.client.Logf("agent process exited")
			return nil

		case <-timer.C:
			if r.finalized(ctx) {
				r.state(StateFinalizing)
				return nil
			}
			r.state(StateTimedOut)
			return &domain.TimeoutError{After: r.in.Timeout}

		case <-ctx.Done():
			if id := r.session.Load(); id != "" {
				_ = r.conn.Cancel(context.Background(), acp.CancelNotification{SessionId: acp.SessionId(id)})
			}
			r.state(StateCancelled)
			return &domain.CancellationError{}

		case <-ticker.C:
			if r.finalized(ctx) {
				r.state(StateFinalizing)
				return nil
			}
		}
	}
}

func (r *run) disconnected() bool {
	select {
	case <-r.conn.Done():
		return true
	default:
		return false
	}
}

// finalized checks the client's flag, then the store's run status, which the
// MCP server sets when the agent calls finalize_review.
func (r *run) finalized(ctx context.Context) bool {
	if r.client.Finalized() {
		return true
	}
	if r.in.Store == nil || ctx.Err() != nil {
		return false
	}
	rn, err := r.in.Store.FindRun(ctx, r.in.RunContext.RunID)
	return err == nil && rn.Status == domain.RunCompleted
}

func (r *run) drainStderr() {
	defer close(r.stderrDone)
	scanner := bufio.NewScanner(r.proc.Stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		r.stderrMu.Lock()
		r.stderr.WriteString(line + "\n")
		r.stderrMu.Unlock()
		r.client.Logf("stderr: %s", line)
	}
}

func (r *run) result(exitCode int) (*GenerateResult, error) {
	ctx := context.Background()
	found := r.client.Tasks()
	finalize := r.client.Finalize()
	finalized := finalize != nil

	if r.in.Store != nil {
		stored, err := r.in.Store.FindTasksByRun(ctx, r.in.RunContext.RunID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load persisted tasks: %w", err)
		}
		found = mergeTasks(found, stored)
		if !finalized {
			if rn, err := r.in.Store.FindRun(ctx, r.in.RunContext.RunID); err == nil && rn.Status == domain.RunCompleted {
				finalized = true
			}
		}
	}

	if len(found) == 0 || !finalized {
		logs := r.client.Logs()
		agentID := r.in.RunContext.AgentID
		r.stderrMu.Lock()
		stderr := r.stderr.String()
		r.stderrMu.Unlock()
		if agent.IsAuthFailure(agentID, exitCode, stderr) {
			logs = append(logs, "hint: "+agent.AuthHint(agentID))
		}
		r.state(StateTerminated)
		return nil, &domain.IncompleteRunError{
			MissingTasks:    len(found) == 0,
			MissingFinalize: !finalized,
			Logs:            logs,
			Messages:        r.client.Messages(),
			Thoughts:        r.client.Thoughts(),
		}
	}

	if err := tasks.CheckCoverage(found, r.index); err != nil {
		r.state(StateTerminated)
		return nil, err
	}

	r.state(StateTerminated)
	return &GenerateResult{
		Messages: r.client.Messages(),
		Thoughts: r.client.Thoughts(),
		Logs:     r.client.Logs(),
		Tasks:    found,
		Finalize: finalize,
	}, nil
}

// mergeTasks returns local tasks followed by stored ones not seen locally.
// The stored copy wins when both exist.
func mergeTasks(local, stored []domain.ReviewTask) []domain.ReviewTask {
	byID := make(map[string]int, len(local))
	out := append([]domain.ReviewTask(nil), local...)
	for i, t := range out {
		byID[t.ID] = i
	}
	for _, t := range stored {
		if i, ok := byID[t.ID]; ok {
			out[i] = t
			continue
		}
		byID[t.ID] = len(out)
		out = append(out, t)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
