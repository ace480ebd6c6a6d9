package taskgen

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	acp "github.com/coder/acp-go-sdk"

	"github.com/richhaase/agentic-task-reviewer/internal/diffindex"
	"github.com/richhaase/agentic-task-reviewer/internal/repofs"
)

const testDiff = `diff --git a/src/a.rs b/src/a.rs
index 1111111..2222222 100644
--- a/src/a.rs
+++ b/src/a.rs
@@ -1,3 +1,4 @@
 fn main() {
-    println!("old");
+    println!("new");
+    println!("extra");
 }
`

const taskJSON = `{"id":"T1","title":"Review main","description":"d","stats":{"risk":"medium"},` +
	`"hunk_ids":["src/a.rs#H1"],"diagram":"main -> stdout"}`

func newTestClient(t *testing.T, root *repofs.Root) *Client {
	t.Helper()
	idx, err := diffindex.New(testDiff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return NewClient(idx, "run-1", root)
}

func testRoot(t *testing.T) *repofs.Root {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "a.rs"), []byte("fn main() {\n    println!(\"new\");\n}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	root, err := repofs.Open(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return root
}

func update(t *testing.T, c *Client, u acp.SessionUpdate) {
	t.Helper()
	if err := c.SessionUpdate(context.Background(), acp.SessionNotification{SessionId: "s", Update: u}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func message(id, text string) acp.SessionUpdate {
	u := acp.UpdateAgentMessageText(text)
	if id != "" {
		u.AgentMessageChunk.MessageId = acp.Ptr(id)
	}
	return u
}

func thought(metaID, text string) acp.SessionUpdate {
	u := acp.UpdateAgentThoughtText(text)
	if metaID != "" {
		u.AgentThoughtChunk.Meta = map[string]any{"message_id": metaID}
	}
	return u
}

func toolCallRaw(t *testing.T, id, title string, status acp.ToolCallStatus, rawInput, rawOutput string) acp.SessionUpdate {
	t.Helper()
	tc := &acp.SessionUpdateToolCall{ToolCallId: acp.ToolCallId(id), Title: title, Status: status}
	if rawInput != "" {
		tc.RawInput = decode(t, rawInput)
	}
	if rawOutput != "" {
		tc.RawOutput = decode(t, rawOutput)
	}
	return acp.SessionUpdate{ToolCall: tc}
}

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("bad fixture %s: %v", raw, err)
	}
	return v
}

func TestClient_ChunkAggregation(t *testing.T) {
	c := newTestClient(t, nil)

	update(t, c, message("m1", "Hello "))
	update(t, c, message("m1", "world"))
	update(t, c, message("m2", "Second"))
	update(t, c, thought("", "think"))
	update(t, c, thought("", "ing"))

	if got := c.Messages(); strings.Join(got, "|") != "Hello world|Second" {
		t.Errorf("unexpected messages %q", got)
	}
	if got := c.Thoughts(); len(got) != 1 || got[0] != "thinking" {
		t.Errorf("unexpected thoughts %q", got)
	}
	if c.UpdateCount() != 5 {
		t.Errorf("expected 5 updates, got %d", c.UpdateCount())
	}
}

func TestClient_MessageIDFromMeta(t *testing.T) {
	c := newTestClient(t, nil)
	update(t, c, thought("a", "one"))
	update(t, c, thought("b", "two"))
	if got := c.Thoughts(); strings.Join(got, "|") != "one|two" {
		t.Errorf("expected entries split on _meta message_id, got %q", got)
	}
}

func TestClient_ToolCallSubmissions(t *testing.T) {
	tests := []struct {
		name   string
		update acp.SessionUpdate
		want   bool
	}{
		{
			name:   "titled return_task",
			update: toolCallRaw(t, "c1", "mcp__atr-tasks__return_task", "", taskJSON, ""),
			want:   true,
		},
		{
			name: "untitled payload shape",
			update: acp.UpdateToolCall("c2",
				acp.WithUpdateTitle("tool"),
				acp.WithUpdateRawInput(decode(t, taskJSON))),
			want: true,
		},
		{
			name: "stringified output",
			update: acp.UpdateToolCall("c3",
				acp.WithUpdateTitle("return_task"),
				acp.WithUpdateRawInput(map[string]any{}),
				acp.WithUpdateRawOutput(taskJSON)),
			want: true,
		},
		{
			name:   "failed status",
			update: toolCallRaw(t, "c4", "return_task", acp.ToolCallStatusFailed, taskJSON, ""),
			want:   false,
		},
		{
			name:   "unrelated tool",
			update: toolCallRaw(t, "c5", "read_file", "", `{"path":"x"}`, ""),
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, nil)
			update(t, c, tt.update)
			got := len(c.Tasks()) == 1
			if got != tt.want {
				t.Fatalf("expected captured=%v, got tasks %+v", tt.want, c.Tasks())
			}
			if got && c.Tasks()[0].Files[0] != "src/a.rs" {
				t.Errorf("expected files recomputed from hunks, got %v", c.Tasks()[0].Files)
			}
		})
	}
}

func TestClient_InvalidTaskIsLogged(t *testing.T) {
	c := newTestClient(t, nil)
	update(t, c, toolCallRaw(t, "c1", "return_task", "", `{"id":"T1","title":"t","hunk_ids":["src/a.rs#H1"]}`, ""))
	if len(c.Tasks()) != 0 {
		t.Fatalf("expected task without diagram rejected, got %+v", c.Tasks())
	}
	if logs := strings.Join(c.Logs(), "\n"); !strings.Contains(logs, "invalid return_task payload") {
		t.Errorf("expected rejection logged, got %q", logs)
	}
}

func TestClient_FinalizeUpdate(t *testing.T) {
	c := newTestClient(t, nil)
	select {
	case <-c.FinalizeSeen():
		t.Fatal("expected finalize channel open before any submission")
	default:
	}
	update(t, c, toolCallRaw(t, "c1", "finalize_review", acp.ToolCallStatusCompleted, `{"title":"Done","summary":"ok"}`, ""))
	if !c.Finalized() {
		t.Fatal("expected finalized")
	}
	select {
	case <-c.FinalizeSeen():
	default:
		t.Error("expected finalize channel closed")
	}
	if f := c.Finalize(); f.Title != "Done" || f.Summary != "ok" {
		t.Errorf("unexpected finalize %+v", f)
	}
}

func TestClient_ResubmissionReplaces(t *testing.T) {
	c := newTestClient(t, nil)
	update(t, c, toolCallRaw(t, "c1", "return_task", "", taskJSON, ""))
	second := strings.Replace(taskJSON, "Review main", "Review main again", 1)
	update(t, c, toolCallRaw(t, "c2", "return_task", "", second, ""))

	got := c.Tasks()
	if len(got) != 1 || got[0].Title != "Review main again" {
		t.Errorf("expected one task with the latest title, got %+v", got)
	}
}

func TestClient_ExtensionMethods(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	res, err := c.HandleExtensionMethod(ctx, "_atr/return_task", json.RawMessage(taskJSON))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.(map[string]any)["status"] != "ok" {
		t.Errorf("expected ok, got %v", res)
	}

	res, _ = c.HandleExtensionMethod(ctx, "_return_task", json.RawMessage(`{"id":"T2"}`))
	if res.(map[string]any)["status"] != "error" {
		t.Errorf("expected error status for bad task, got %v", res)
	}

	res, _ = c.HandleExtensionMethod(ctx, "_something_else", json.RawMessage(`{}`))
	if res.(map[string]any)["status"] != "ignored" {
		t.Errorf("expected ignored, got %v", res)
	}

	if _, err := c.HandleExtensionMethod(ctx, "_atr/finalize_review", json.RawMessage(`{"title":"Ext"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.Finalized() || c.Finalize().Title != "Ext" {
		t.Errorf("expected finalize through notification, got %+v", c.Finalize())
	}
	if len(c.Tasks()) != 1 {
		t.Errorf("expected one task, got %d", len(c.Tasks()))
	}
}

func TestClient_EndOfStreamClosesDrained(t *testing.T) {
	c := newTestClient(t, nil)
	select {
	case <-c.Drained():
		t.Fatal("expected drained open before the marker")
	default:
	}
	for i := 0; i < 2; i++ {
		if _, err := c.HandleExtensionMethod(context.Background(), endOfStreamMethod, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	select {
	case <-c.Drained():
	default:
		t.Error("expected drained closed after the marker")
	}
}

func TestClient_RefusesWritesAndTerminals(t *testing.T) {
	c := newTestClient(t, testRoot(t))
	ctx := context.Background()
	_, writeErr := c.WriteTextFile(ctx, acp.WriteTextFileRequest{Path: "src/a.rs", Content: "x"})
	_, termErr := c.CreateTerminal(ctx, acp.CreateTerminalRequest{Command: "sh"})
	_, killErr := c.KillTerminal(ctx, acp.KillTerminalRequest{})
	for name, err := range map[string]error{"write": writeErr, "terminal": termErr, "kill": killErr} {
		var rpcErr *acp.RequestError
		if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
			t.Errorf("%s: expected method not found, got %v", name, err)
		}
	}
}

var permOptions = []acp.PermissionOption{
	{OptionId: "reject", Kind: acp.PermissionOptionKindRejectOnce},
	{OptionId: "always", Kind: acp.PermissionOptionKindAllowAlways},
	{OptionId: "once", Kind: acp.PermissionOptionKindAllowOnce},
}

func callUpdate(title string, kind acp.ToolKind, rawInput any, locations ...acp.ToolCallLocation) acp.ToolCallUpdate {
	u := acp.ToolCallUpdate{ToolCallId: "c", Title: acp.Ptr(title), RawInput: rawInput, Locations: locations}
	if kind != "" {
		u.Kind = acp.Ptr(kind)
	}
	return u
}

func TestClient_RequestPermission(t *testing.T) {
	root := testRoot(t)
	tests := []struct {
		name string
		root *repofs.Root
		call acp.ToolCallUpdate
		want string
	}{
		{"submission", nil, callUpdate("return_task", "", nil), "once"},
		{"feedback", nil, callUpdate("atr-tasks/add_feedback", "", nil), "once"},
		{"read in root", root, callUpdate("Read", acp.ToolKindRead, map[string]any{"path": "src/a.rs"}), "once"},
		{"location in root", root, callUpdate("Read", acp.ToolKindRead, nil, acp.ToolCallLocation{Path: filepath.Join(root.Dir(), "src", "a.rs")}), "once"},
		{"repo tool", root, callUpdate("repo_search", acp.ToolKindSearch, nil), "once"},
		{"read outside root", root, callUpdate("Read", acp.ToolKindRead, map[string]any{"path": "../../etc/passwd"}), ""},
		{"read without root", nil, callUpdate("Read", acp.ToolKindRead, map[string]any{"path": "src/a.rs"}), ""},
		{"edit", root, callUpdate("Edit", acp.ToolKindEdit, map[string]any{"path": "src/a.rs"}), ""},
		{"execute", root, callUpdate("bash", acp.ToolKindExecute, nil), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.root)
			resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{SessionId: "s", ToolCall: tt.call, Options: permOptions})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want == "" {
				if resp.Outcome.Cancelled == nil {
					t.Errorf("expected cancelled, got %+v", resp.Outcome)
				}
				return
			}
			if resp.Outcome.Selected == nil || string(resp.Outcome.Selected.OptionId) != tt.want {
				t.Errorf("expected selected %s, got %+v", tt.want, resp.Outcome)
			}
		})
	}
}

func TestClient_RequestPermissionFallsBackToAllowAlways(t *testing.T) {
	c := newTestClient(t, nil)
	resp, _ := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		ToolCall: callUpdate("finalize_review", "", nil),
		Options:  []acp.PermissionOption{{OptionId: "always", Kind: acp.PermissionOptionKindAllowAlways}},
	})
	if resp.Outcome.Selected == nil || resp.Outcome.Selected.OptionId != "always" {
		t.Errorf("expected allow_always option, got %+v", resp.Outcome)
	}
}

func TestClient_ReadTextFile(t *testing.T) {
	c := newTestClient(t, testRoot(t))
	ctx := context.Background()
	resp, err := c.ReadTextFile(ctx, acp.ReadTextFileRequest{Path: "src/a.rs", Line: acp.Ptr(2), Limit: acp.Ptr(1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(resp.Content) != `println!("new");` {
		t.Errorf("unexpected content %q", resp.Content)
	}

	if _, err := c.ReadTextFile(ctx, acp.ReadTextFileRequest{Path: "../outside"}); err == nil {
		t.Error("expected escape to be refused")
	}

	noRoot := newTestClient(t, nil)
	if _, err := noRoot.ReadTextFile(ctx, acp.ReadTextFileRequest{Path: "src/a.rs"}); err == nil {
		t.Error("expected read refused without repo access")
	}
}

func TestBuildPrompt(t *testing.T) {
	idx, err := diffindex.New(testDiff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prompt, err := BuildPrompt(idx, testDiff, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"return_task", "finalize_review", "src/a.rs#H1", `println!("extra");`} {
		if !strings.Contains(prompt, want) {
			t.Errorf("expected prompt to contain %q", want)
		}
	}
	if strings.Contains(prompt, "repo_search") {
		t.Error("expected no repo tools without a root")
	}

	withRoot, err := BuildPrompt(idx, testDiff, "/work/repo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(withRoot, "repo_search") || !strings.Contains(withRoot, "/work/repo") {
		t.Error("expected repo tools and root in prompt")
	}
}
