package taskgen

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/richhaase/agentic-task-reviewer/internal/diffindex"
	"github.com/richhaase/agentic-task-reviewer/internal/domain"
	"github.com/richhaase/agentic-task-reviewer/internal/mcpserver"
	"github.com/richhaase/agentic-task-reviewer/internal/store"
)

// The test binary doubles as the ACP agent (when fakeAgentEnv is set) and as
// the MCP tool server the agent launches.
const (
	fakeAgentEnv    = "ATR_FAKE_AGENT"
	fakeHunksEnv    = "ATR_FAKE_HUNKS"
	fakeChildPIDEnv = "ATR_FAKE_CHILD_PID"
	floodChunks     = 600
)

func TestMain(m *testing.M) {
	if mcpserver.IsServerInvocation(os.Args) {
		if err := mcpserver.Run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Getenv); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	if mode := os.Getenv(fakeAgentEnv); mode != "" {
		os.Exit(runFakeAgent(mode))
	}
	os.Exit(m.Run())
}

type fakeMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type fakeServer struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// runFakeAgent speaks just enough ACP to drive Generate. Modes:
//
//	mcp          submit through the MCP server, then end the turn
//	notify-hang  submit through tool_call updates, then never answer
//	flood        stream many chunks and both submissions, then exit 0
//	hang         start a child in the same group, never answer the prompt
//	sleep        the child started by hang
//	exit         print an auth error and exit 1 during the prompt
func runFakeAgent(mode string) int {
	if mode == "sleep" {
		time.Sleep(time.Hour)
		return 0
	}

	out := json.NewEncoder(os.Stdout)
	reply := func(id json.RawMessage, result any) {
		_ = out.Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	}
	notify := func(update acp.SessionUpdate) {
		_ = out.Encode(map[string]any{
			"jsonrpc": "2.0",
			"method":  acp.ClientMethodSessionUpdate,
			"params":  acp.SessionNotification{SessionId: "sess-1", Update: update},
		})
	}
	submit := func(hunks []string) {
		notify(acp.StartToolCall("call-1", "return_task",
			acp.WithStartStatus(acp.ToolCallStatusCompleted),
			acp.WithStartRawInput(fakeTask(hunks))))
		notify(acp.StartToolCall("call-2", "finalize_review",
			acp.WithStartStatus(acp.ToolCallStatusCompleted),
			acp.WithStartRawInput(map[string]any{"title": "Fake review", "summary": "done"})))
	}

	var server fakeServer
	hunks := strings.Split(os.Getenv(fakeHunksEnv), ",")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var msg fakeMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			fmt.Fprintln(os.Stderr, "bad frame:", err)
			return 1
		}
		switch msg.Method {
		case acp.AgentMethodInitialize:
			reply(msg.ID, map[string]any{"protocolVersion": acp.ProtocolVersionNumber, "authMethods": []any{}})

		case acp.AgentMethodSessionNew:
			var req struct {
				McpServers []fakeServer `json:"mcpServers"`
			}
			_ = json.Unmarshal(msg.Params, &req)
			if len(req.McpServers) > 0 {
				server = req.McpServers[0]
			}
			reply(msg.ID, map[string]any{"sessionId": "sess-1"})

		case acp.AgentMethodSessionPrompt:
			switch mode {
			case "mcp":
				notify(acp.UpdateAgentMessageText("Submitting tasks"))
				if err := submitViaMCP(server, hunks); err != nil {
					fmt.Fprintln(os.Stderr, "mcp:", err)
					return 1
				}
				reply(msg.ID, map[string]any{"stopReason": acp.StopReasonEndTurn})

			case "notify-hang":
				notify(acp.UpdateAgentThoughtText("Reading the diff"))
				submit(hunks)
				time.Sleep(time.Hour)

			case "flood":
				for i := 0; i < floodChunks; i++ {
					notify(acp.UpdateAgentMessageText("x"))
				}
				submit(hunks)
				return 0

			case "hang":
				if err := startSleeper(); err != nil {
					fmt.Fprintln(os.Stderr, "sleeper:", err)
					return 1
				}
				fmt.Fprintln(os.Stderr, "thinking")
				time.Sleep(time.Hour)

			case "exit":
				fmt.Fprintln(os.Stderr, "Error: 401 Unauthorized")
				return 1
			}
		}
	}
	return 0
}

// startSleeper starts a child that inherits the agent's process group and
// records its pid where the test can find it.
func startSleeper() error {
	path := os.Getenv(fakeChildPIDEnv)
	if path == "" {
		return nil
	}
	// #nosec G204 - test helper launching the test binary
	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), fakeAgentEnv+"=sleep")
	if err := cmd.Start(); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0o600)
}

func fakeTask(hunks []string) map[string]any {
	return map[string]any{
		"id":          "T1",
		"title":       "Review the change",
		"description": "Walk through the edit",
		"stats":       map[string]any{"risk": "low", "tags": []string{"refactor"}},
		"hunk_ids":    hunks,
		"diagram":     "caller -> main",
	}
}

// submitViaMCP plays the MCP client side against the server ACP asked us to
// launch: return_task once, then finalize_review.
func submitViaMCP(server fakeServer, hunks []string) error {
	// #nosec G204 - test helper launching the test binary
	cmd := exec.Command(server.Command, server.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	defer func() {
		stdin.Close()
		_ = cmd.Wait()
	}()

	r := bufio.NewReader(stdout)
	send := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, err = stdin.Write(append(data, '\n'))
		return err
	}
	call := func(id int, method string, params any) error {
		if err := send(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params}); err != nil {
			return err
		}
		line, err := r.ReadBytes('\n')
		if err != nil {
			return err
		}
		var resp struct {
			Result struct {
				IsError bool `json:"isError"`
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"result"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(line, &resp); err != nil {
			return err
		}
		if resp.Error != nil {
			return errors.New(resp.Error.Message)
		}
		if resp.Result.IsError {
			return fmt.Errorf("%s: %+v", method, resp.Result.Content)
		}
		return nil
	}

	if err := call(1, "initialize", map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"clientInfo":      map[string]any{"name": "fake-agent", "version": "0"},
		"capabilities":    map[string]any{},
	}); err != nil {
		return err
	}
	if err := send(map[string]any{"jsonrpc": "2.0", "method": "notifications/initialized"}); err != nil {
		return err
	}
	if err := call(2, "tools/call", map[string]any{"name": "return_task", "arguments": fakeTask(hunks)}); err != nil {
		return err
	}
	return call(3, "tools/call", map[string]any{
		"name":      "finalize_review",
		"arguments": map[string]any{"title": "Fake review", "summary": "done"},
	})
}

const twoFileDiff = testDiff + `diff --git a/src/b.rs b/src/b.rs
index 3333333..4444444 100644
--- a/src/b.rs
+++ b/src/b.rs
@@ -5,2 +5,3 @@
 let x = 1;
+let y = 2;
 let z = 3;
`

func runContext(diff string) *domain.RunContext {
	hash := diffindex.Hash(diff)
	return &domain.RunContext{
		ReviewID: "rev-1",
		RunID:    "run-1",
		AgentID:  "codex",
		InputRef: "paste",
		DiffText: diff,
		DiffHash: hash,
		Source:   domain.ReviewSource{Type: domain.SourceDiffPaste, DiffHash: hash},
	}
}

func fakeInput(t *testing.T, mode, diff string, hunks ...string) GenerateInput {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return GenerateInput{
		RunContext:      runContext(diff),
		AgentCommand:    exe,
		AgentEnv:        []string{fakeAgentEnv + "=" + mode, fakeHunksEnv + "=" + strings.Join(hunks, ",")},
		MCPServerBinary: exe,
		Timeout:         30 * time.Second,
	}
}

func withStore(t *testing.T, in GenerateInput) (GenerateInput, *store.Store) {
	t.Helper()
	in.DBPath = filepath.Join(t.TempDir(), "reviews.db")
	s, err := store.Open(context.Background(), in.DBPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	in.Store = s
	return in, s
}

func TestGenerate_MCPSubmissions(t *testing.T) {
	in, s := withStore(t, fakeInput(t, "mcp", testDiff, "src/a.rs#H1"))

	res, err := Generate(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Tasks) != 1 || res.Tasks[0].ID != "T1" {
		t.Fatalf("expected task T1 from the store, got %+v", res.Tasks)
	}
	if got := res.Tasks[0].Files; len(got) != 1 || got[0] != "src/a.rs" {
		t.Errorf("expected files [src/a.rs], got %v", got)
	}

	run, err := s.FindRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Errorf("expected run completed, got %s", run.Status)
	}
	review, err := s.FindReview(context.Background(), "rev-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if review.Title != "Fake review" {
		t.Errorf("expected finalized title, got %q", review.Title)
	}
}

func TestGenerate_UpdatesFinalizeThenKill(t *testing.T) {
	in := fakeInput(t, "notify-hang", testDiff, "src/a.rs#H1")
	progress := make(chan ProgressEvent, 256)
	in.Progress = progress

	start := time.Now()
	res, err := Generate(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Errorf("expected the run to stop soon after finalize, took %s", time.Since(start))
	}
	if len(res.Tasks) != 1 || res.Tasks[0].Stats.Risk != domain.RiskLow {
		t.Fatalf("expected one LOW task, got %+v", res.Tasks)
	}
	if res.Finalize == nil || res.Finalize.Title != "Fake review" {
		t.Errorf("expected finalize captured, got %+v", res.Finalize)
	}
	if len(res.Thoughts) != 1 || res.Thoughts[0] != "Reading the diff" {
		t.Errorf("expected thought captured, got %v", res.Thoughts)
	}

	var sawRunning, sawUpdate bool
	for len(progress) > 0 {
		ev := <-progress
		if ev.Kind == ProgressState && ev.State == StateRunning {
			sawRunning = true
		}
		if ev.Kind == ProgressUpdate {
			sawUpdate = true
		}
	}
	if !sawRunning || !sawUpdate {
		t.Errorf("expected running state and updates on progress, got running=%v update=%v", sawRunning, sawUpdate)
	}
}

func TestWaitAll(t *testing.T) {
	open, closed := make(chan struct{}), make(chan struct{})
	close(closed)
	if !waitAll(time.Second, closed, closed) {
		t.Error("expected closed channels to satisfy waitAll")
	}
	start := time.Now()
	if waitAll(50*time.Millisecond, closed, open) {
		t.Error("expected an open channel to time out")
	}
	if time.Since(start) > time.Second {
		t.Errorf("expected waitAll bounded by its timeout, took %s", time.Since(start))
	}
}

func TestGenerate_CoverageFailure(t *testing.T) {
	in := fakeInput(t, "notify-hang", twoFileDiff, "src/b.rs#H1")

	_, err := Generate(context.Background(), in)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "missing: src/a.rs") {
		t.Errorf("expected src/a.rs named as missing, got %q", err.Error())
	}
}

func TestGenerate_Cancel(t *testing.T) {
	in := fakeInput(t, "hang", testDiff)
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	in.AgentEnv = append(in.AgentEnv, fakeChildPIDEnv+"="+pidFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelledAt := make(chan time.Time, 1)
	time.AfterFunc(500*time.Millisecond, func() {
		cancelledAt <- time.Now()
		cancel()
	})

	_, err := Generate(ctx, in)
	var cerr *domain.CancellationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if took := time.Since(<-cancelledAt); took > 2*time.Second {
		t.Errorf("expected Generate to return within 2s of cancel, took %s", took)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("expected the agent to record its child: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !processGone(pid) {
		if time.Now().After(deadline) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
			t.Fatalf("expected agent child %d killed with the agent's process group", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// processGone reports whether pid no longer runs. A killed child that init
// has not reaped yet still answers signal 0, so zombies count as gone.
func processGone(pid int) bool {
	if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return os.IsNotExist(err)
	}
	i := strings.LastIndexByte(string(stat), ')')
	fields := strings.Fields(string(stat[i+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

// An agent that streams updates and exits on its own must not lose any of
// them: the result is read only after the client handled the last one.
func TestGenerate_AgentExitAfterSubmissionsKeepsEverything(t *testing.T) {
	for i := 0; i < 25; i++ {
		in := fakeInput(t, "flood", testDiff, "src/a.rs#H1")

		res, err := Generate(context.Background(), in)
		if err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", i, err)
		}
		if len(res.Tasks) != 1 || res.Finalize == nil {
			t.Fatalf("iteration %d: expected task and finalize, got %+v / %+v", i, res.Tasks, res.Finalize)
		}
		if len(res.Messages) != 1 || len(res.Messages[0]) != floodChunks {
			t.Fatalf("iteration %d: expected %d chunks in one message, got %d entries", i, floodChunks, len(res.Messages))
		}
	}
}

func TestGenerate_Timeout(t *testing.T) {
	in := fakeInput(t, "hang", testDiff)
	in.Timeout = 500 * time.Millisecond

	_, err := Generate(context.Background(), in)
	var terr *domain.TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestGenerate_AgentExitIsIncomplete(t *testing.T) {
	in := fakeInput(t, "exit", testDiff)

	_, err := Generate(context.Background(), in)
	var ierr *domain.IncompleteRunError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected incomplete run, got %v", err)
	}
	if !ierr.MissingTasks || !ierr.MissingFinalize {
		t.Errorf("expected both missing, got %+v", ierr)
	}
	diag := ierr.Diagnostics()
	if !strings.Contains(diag, "401 Unauthorized") {
		t.Errorf("expected stderr in diagnostics, got %q", diag)
	}
	if !strings.Contains(diag, "hint:") {
		t.Errorf("expected auth hint in diagnostics, got %q", diag)
	}
}

func TestGenerate_SpawnError(t *testing.T) {
	in := fakeInput(t, "hang", testDiff)
	in.AgentCommand = filepath.Join(t.TempDir(), "missing-agent")

	_, err := Generate(context.Background(), in)
	var serr *domain.SpawnError
	if !errors.As(err, &serr) {
		t.Fatalf("expected spawn error, got %v", err)
	}
}

func TestMergeTasks(t *testing.T) {
	local := []domain.ReviewTask{{ID: "T1", Title: "local"}, {ID: "T2", Title: "only local"}}
	stored := []domain.ReviewTask{{ID: "T3", Title: "only stored"}, {ID: "T1", Title: "stored"}}

	got := mergeTasks(local, stored)
	var titles []string
	for _, task := range got {
		titles = append(titles, task.ID+"="+task.Title)
	}
	if want := "T1=stored,T2=only local,T3=only stored"; strings.Join(titles, ",") != want {
		t.Errorf("expected %s, got %s", want, strings.Join(titles, ","))
	}
}
