package taskgen

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/atomic"

	"github.com/richhaase/agentic-task-reviewer/internal/diffindex"
	"github.com/richhaase/agentic-task-reviewer/internal/domain"
	"github.com/richhaase/agentic-task-reviewer/internal/repofs"
	"github.com/richhaase/agentic-task-reviewer/internal/tasks"
)

// Extension method names accepted from the agent, without the ACP "_" prefix.
var (
	returnTaskMethods = []string{"return_task", "atr/return_task"}
	finalizeMethods   = []string{"finalize_review", "atr/finalize_review"}
)

// endOfStreamMethod is appended to the agent's output by endOfStream. The
// agent never sends it.
const endOfStreamMethod = "_atr/end_of_stream"

const (
	chunkMessage = "agent_message_chunk"
	chunkThought = "agent_thought_chunk"
	chunkUser    = "user_message_chunk"
)

var (
	_ acp.Client                 = (*Client)(nil)
	_ acp.ExtensionMethodHandler = (*Client)(nil)
)

// Client is the ACP client side of a generation run. It records submitted
// tasks and the finalize call, accumulates agent messages and thoughts, and
// answers permission and file read requests. It never writes to the store.
type Client struct {
	index  *diffindex.Index
	runID  string
	root   *repofs.Root
	events emitter
	debug  io.Writer

	mu        sync.Mutex
	tasks     map[string]domain.ReviewTask
	taskOrder []string
	chunks    map[string]*chunkBuffer
	finalize  *tasks.Finalize
	logs      []string

	finalized   *atomic.Bool
	updates     *atomic.Int64
	finalizedCh chan struct{}
	drainedCh   chan struct{}
	finalOnce   sync.Once
	drainOnce   sync.Once
}

type chunkBuffer struct {
	entries []string
	lastID  string
}

// NewClient creates a client for one run. root may be nil to deny all
// repository access.
func NewClient(idx *diffindex.Index, runID string, root *repofs.Root) *Client {
	return &Client{
		index:       idx,
		runID:       runID,
		root:        root,
		tasks:       make(map[string]domain.ReviewTask),
		chunks:      make(map[string]*chunkBuffer),
		finalized:   atomic.NewBool(false),
		updates:     atomic.NewInt64(0),
		finalizedCh: make(chan struct{}),
		drainedCh:   make(chan struct{}),
	}
}

// SetProgress routes session updates and log lines to ch until ctx ends.
func (c *Client) SetProgress(ctx context.Context, ch chan<- ProgressEvent) {
	c.events = emitter{ctx: ctx, ch: ch}
}

// SetDebug echoes every log line to w with an [acp] prefix.
func (c *Client) SetDebug(w io.Writer) { c.debug = w }

// Finalized reports whether a finalize submission has been seen.
func (c *Client) Finalized() bool { return c.finalized.Load() }

// FinalizeSeen is closed by the first accepted finalize submission.
func (c *Client) FinalizeSeen() <-chan struct{} { return c.finalizedCh }

// Drained is closed once every notification the agent wrote before its
// output ended has been handled.
func (c *Client) Drained() <-chan struct{} { return c.drainedCh }

// UpdateCount is the number of session updates received.
func (c *Client) UpdateCount() int64 { return c.updates.Load() }

// Tasks returns the captured tasks in submission order.
func (c *Client) Tasks() []domain.ReviewTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ReviewTask, 0, len(c.taskOrder))
	for _, id := range c.taskOrder {
		out = append(out, c.tasks[id])
	}
	return out
}

// Finalize returns the captured finalize submission, if any.
func (c *Client) Finalize() *tasks.Finalize {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalize
}

// Messages returns the agent's message entries.
func (c *Client) Messages() []string { return c.entries(chunkMessage) }

// Thoughts returns the agent's thought entries.
func (c *Client) Thoughts() []string { return c.entries(chunkThought) }

// Logs returns the run's log lines.
func (c *Client) Logs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.logs...)
}

func (c *Client) entries(kind string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.chunks[kind]; ok {
		return append([]string(nil), b.entries...)
	}
	return nil
}

// Logf records a log line and forwards it as progress.
func (c *Client) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	c.mu.Lock()
	c.logs = append(c.logs, line)
	c.mu.Unlock()
	if c.debug != nil {
		fmt.Fprintf(c.debug, "[acp] %s\n", line)
	}
	c.events.emit(ProgressEvent{Kind: ProgressLog, Line: line})
}

// HandleExtensionMethod accepts task and finalize submissions sent as ACP
// extension methods, as requests or notifications.
func (c *Client) HandleExtensionMethod(_ context.Context, method string, params json.RawMessage) (any, error) {
	if method == endOfStreamMethod {
		c.drainOnce.Do(func() { close(c.drainedCh) })
		return nil, nil
	}
	return c.handleExtension(method, params), nil
}

func (c *Client) handleExtension(method string, params json.RawMessage) map[string]any {
	name := strings.TrimPrefix(method, "_")
	switch {
	case slices.Contains(returnTaskMethods, name):
		if err := c.ingestTask(params); err != nil {
			c.Logf("%s rejected: %v", method, err)
			return map[string]any{"status": "error", "message": err.Error()}
		}
		return map[string]any{"status": "ok"}
	case slices.Contains(finalizeMethods, name):
		if err := c.ingestFinalize(params); err != nil {
			c.Logf("%s rejected: %v", method, err)
			return map[string]any{"status": "error", "message": err.Error()}
		}
		return map[string]any{"status": "ok"}
	default:
		return map[string]any{"status": "ignored"}
	}
}

// SessionUpdate applies one session/update and forwards it as progress.
func (c *Client) SessionUpdate(_ context.Context, n acp.SessionNotification) error {
	c.updates.Inc()
	u := &n.Update
	switch {
	case u.AgentMessageChunk != nil:
		ch := u.AgentMessageChunk
		c.appendChunk(chunkMessage, chunkID(ch.MessageId, ch.Meta), blockText(ch.Content))
	case u.AgentThoughtChunk != nil:
		ch := u.AgentThoughtChunk
		c.appendChunk(chunkThought, chunkID(ch.MessageId, ch.Meta), blockText(ch.Content))
	case u.UserMessageChunk != nil:
		ch := u.UserMessageChunk
		c.appendChunk(chunkUser, chunkID(ch.MessageId, ch.Meta), blockText(ch.Content))
	case u.ToolCall != nil:
		tc := u.ToolCall
		c.handleToolCall(toolCall{
			id:        string(tc.ToolCallId),
			title:     tc.Title,
			kind:      string(tc.Kind),
			status:    tc.Status,
			rawInput:  rawJSON(tc.RawInput),
			rawOutput: rawJSON(tc.RawOutput),
			locations: tc.Locations,
		})
	case u.ToolCallUpdate != nil:
		c.handleToolCall(fromUpdate(acp.ToolCallUpdate{
			ToolCallId: u.ToolCallUpdate.ToolCallId,
			Title:      u.ToolCallUpdate.Title,
			Kind:       u.ToolCallUpdate.Kind,
			Status:     u.ToolCallUpdate.Status,
			RawInput:   u.ToolCallUpdate.RawInput,
			RawOutput:  u.ToolCallUpdate.RawOutput,
			Locations:  u.ToolCallUpdate.Locations,
		}))
	}
	c.events.emit(ProgressEvent{Kind: ProgressUpdate, Update: u})
	return nil
}

func blockText(b acp.ContentBlock) string {
	if b.Text != nil {
		return b.Text.Text
	}
	return ""
}

func (c *Client) appendChunk(kind, id, text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.chunks[kind]
	if !ok {
		b = &chunkBuffer{}
		c.chunks[kind] = b
	}
	switch {
	case id != "" && id != b.lastID, id == "" && len(b.entries) == 0:
		b.entries = append(b.entries, text)
		b.lastID = id
	default:
		b.entries[len(b.entries)-1] += text
	}
}

// chunkID prefers the protocol's messageId, then ids agents put in _meta.
func chunkID(messageID *string, meta map[string]any) string {
	if messageID != nil && *messageID != "" {
		return *messageID
	}
	for _, key := range []string{"message_id", "messageId", "id"} {
		if v, ok := meta[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// toolCall is the part of a tool_call, tool_call_update or permission
// request that submission detection looks at.
type toolCall struct {
	id        string
	title     string
	kind      string
	status    acp.ToolCallStatus
	rawInput  json.RawMessage
	rawOutput json.RawMessage
	locations []acp.ToolCallLocation
}

func fromUpdate(u acp.ToolCallUpdate) toolCall {
	tc := toolCall{
		id:        string(u.ToolCallId),
		rawInput:  rawJSON(u.RawInput),
		rawOutput: rawJSON(u.RawOutput),
		locations: u.Locations,
	}
	if u.Title != nil {
		tc.title = *u.Title
	}
	if u.Kind != nil {
		tc.kind = string(*u.Kind)
	}
	if u.Status != nil {
		tc.status = *u.Status
	}
	return tc
}

func rawJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

type submission int

const (
	submissionNone submission = iota
	submissionTask
	submissionFinalize
)

func classifyName(names ...string) submission {
	for _, n := range names {
		lower := strings.ToLower(n)
		switch {
		case strings.Contains(lower, "return_task"):
			return submissionTask
		case strings.Contains(lower, "finalize_review"):
			return submissionFinalize
		}
	}
	return submissionNone
}

func classifyPayload(raw json.RawMessage) submission {
	if len(raw) == 0 {
		return submissionNone
	}
	obj, err := tasks.Normalize(raw)
	if err != nil {
		return submissionNone
	}
	switch {
	case tasks.LooksLikeTask(obj):
		return submissionTask
	case tasks.LooksLikeFinalize(obj):
		return submissionFinalize
	}
	return submissionNone
}

func (tc toolCall) submission() submission {
	if kind := classifyName(tc.title, tc.kind); kind != submissionNone {
		return kind
	}
	return classifyPayload(tc.rawInput)
}

func (c *Client) handleToolCall(tc toolCall) {
	kind := tc.submission()
	if kind == submissionNone {
		return
	}
	if tc.status == acp.ToolCallStatusFailed {
		c.Logf("tool call %s (%s) failed, not recorded", tc.id, tc.title)
		return
	}

	var lastErr error
	for _, payload := range tc.payloads() {
		var err error
		if kind == submissionTask {
			err = c.ingestTask(payload)
		} else {
			err = c.ingestFinalize(payload)
		}
		if err == nil {
			return
		}
		lastErr = err
	}
	if lastErr != nil {
		c.Logf("invalid %s payload in tool call %s: %v", tc.title, tc.id, lastErr)
	}
}

// payloads lists the places a submission may hide in a tool call, in the
// order they are tried.
func (tc toolCall) payloads() []json.RawMessage {
	var out []json.RawMessage
	if len(tc.rawInput) > 0 && string(tc.rawInput) != "null" && string(tc.rawInput) != "{}" {
		out = append(out, tc.rawInput)
	}
	if len(tc.rawOutput) > 0 && string(tc.rawOutput) != "null" {
		out = append(out, tc.rawOutput)
	}
	if i := strings.Index(tc.title, "{"); i >= 0 {
		if title, err := json.Marshal(tc.title[i:]); err == nil {
			out = append(out, title)
		}
	}
	return out
}

func (c *Client) ingestTask(raw json.RawMessage) error {
	task, err := tasks.Prepare(raw, c.index, c.runID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if _, seen := c.tasks[task.ID]; !seen {
		c.taskOrder = append(c.taskOrder, task.ID)
	}
	c.tasks[task.ID] = *task
	c.mu.Unlock()
	c.Logf("captured task %s: %s", task.ID, task.Title)
	return nil
}

func (c *Client) ingestFinalize(raw json.RawMessage) error {
	fin, err := tasks.ParseFinalize(raw)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.finalize = fin
	c.mu.Unlock()
	c.finalized.Store(true)
	c.finalOnce.Do(func() { close(c.finalizedCh) })
	c.Logf("captured finalize_review: %s", fin.Title)
	return nil
}

// RequestPermission allows submissions and in-root reads, and cancels
// everything else.
func (c *Client) RequestPermission(_ context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	tc := fromUpdate(req.ToolCall)
	if tc.submission() != submissionNone || strings.Contains(strings.ToLower(tc.title), "add_feedback") {
		return c.allow(req, "submission"), nil
	}

	if c.root != nil && isReadKind(tc.kind) {
		if strings.Contains(tc.title, "repo_search") || strings.Contains(tc.title, "repo_list_files") {
			return c.allow(req, "repo tool"), nil
		}
		path := tc.requestedPath()
		if path == "" {
			c.Logf("permission denied for %s: no path", tc.title)
			return cancelled(), nil
		}
		if _, err := c.root.Resolve(path); err != nil {
			c.Logf("permission denied for %s: %v", path, err)
			return cancelled(), nil
		}
		return c.allow(req, "read "+path), nil
	}

	c.Logf("permission denied for %q (kind %s)", tc.title, tc.kind)
	return cancelled(), nil
}

func (c *Client) allow(req acp.RequestPermissionRequest, why string) acp.RequestPermissionResponse {
	for _, want := range []acp.PermissionOptionKind{acp.PermissionOptionKindAllowOnce, acp.PermissionOptionKindAllowAlways} {
		for _, opt := range req.Options {
			if opt.Kind == want {
				c.Logf("permission granted (%s)", why)
				return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeSelected(opt.OptionId)}
			}
		}
	}
	c.Logf("permission for %s offered no allow option", why)
	return cancelled()
}

func cancelled() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}
}

func isReadKind(kind string) bool {
	switch acp.ToolKind(kind) {
	case acp.ToolKindRead, acp.ToolKindSearch:
		return true
	}
	return false
}

func (tc toolCall) requestedPath() string {
	if len(tc.rawInput) > 0 {
		var in map[string]any
		if err := json.Unmarshal(tc.rawInput, &in); err == nil {
			for _, key := range []string{"path", "file_path", "abs_path", "filePath"} {
				if v, ok := in[key].(string); ok && v != "" {
					return v
				}
			}
		}
	}
	if len(tc.locations) > 0 {
		return tc.locations[0].Path
	}
	return ""
}

// ReadTextFile serves fs/read_text_file inside the repository root.
func (c *Client) ReadTextFile(_ context.Context, req acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if c.root == nil {
		return acp.ReadTextFileResponse{}, acp.NewInvalidRequest(map[string]any{"error": "repository access is disabled for this review"})
	}
	line, limit := 0, 0
	if req.Line != nil {
		line = *req.Line
	}
	if req.Limit != nil {
		limit = *req.Limit
	}
	content, err := c.root.ReadLines(req.Path, line, limit)
	if err != nil {
		c.Logf("read %s refused: %v", req.Path, err)
		return acp.ReadTextFileResponse{}, acp.NewInvalidParams(map[string]any{"error": err.Error()})
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

// The reviewer is read-only: writes and terminals are refused.

func (c *Client) refuse(method string) error {
	c.Logf("refused %s", method)
	return acp.NewMethodNotFound(method)
}

func (c *Client) WriteTextFile(context.Context, acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return acp.WriteTextFileResponse{}, c.refuse(acp.ClientMethodFsWriteTextFile)
}

func (c *Client) CreateTerminal(context.Context, acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, c.refuse(acp.ClientMethodTerminalCreate)
}

func (c *Client) KillTerminal(context.Context, acp.KillTerminalRequest) (acp.KillTerminalResponse, error) {
	return acp.KillTerminalResponse{}, c.refuse(acp.ClientMethodTerminalKill)
}

func (c *Client) TerminalOutput(context.Context, acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, c.refuse(acp.ClientMethodTerminalOutput)
}

func (c *Client) ReleaseTerminal(context.Context, acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, c.refuse(acp.ClientMethodTerminalRelease)
}

func (c *Client) WaitForTerminalExit(context.Context, acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, c.refuse(acp.ClientMethodTerminalWaitForExit)
}
