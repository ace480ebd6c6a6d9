// Command mockacp is a scripted ACP agent for the integration tests.
//
// MOCK_ACP_MODE selects the behavior:
//   - tasks: one task per file in MOCK_ACP_FILES, then finalize
//   - partial: a task for the first file only, then finalize
//   - silent: end the turn without submitting anything
//   - crash: print an auth error and exit 1 when prompted
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	acp "github.com/coder/acp-go-sdk"
)

const sessionID = "mock-session"

type mockAgent struct {
	conn  *acp.AgentSideConnection
	mode  string
	files []string
}

var _ acp.Agent = (*mockAgent)(nil)

func main() {
	a := &mockAgent{mode: os.Getenv("MOCK_ACP_MODE")}
	for _, f := range strings.Split(os.Getenv("MOCK_ACP_FILES"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			a.files = append(a.files, f)
		}
	}
	a.conn = acp.NewAgentSideConnection(a, os.Stdout, os.Stdin)
	a.conn.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	<-a.conn.Done()
}

func (a *mockAgent) Initialize(context.Context, acp.InitializeRequest) (acp.InitializeResponse, error) {
	return acp.InitializeResponse{
		ProtocolVersion: acp.ProtocolVersionNumber,
		AgentInfo:       &acp.Implementation{Name: "mockacp", Version: "0"},
		AuthMethods:     []acp.AuthMethod{},
	}, nil
}

func (a *mockAgent) NewSession(context.Context, acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	return acp.NewSessionResponse{SessionId: sessionID}, nil
}

func (a *mockAgent) Prompt(ctx context.Context, _ acp.PromptRequest) (acp.PromptResponse, error) {
	if err := a.update(ctx, acp.UpdateAgentMessageText("Looking at the diff.")); err != nil {
		return acp.PromptResponse{}, err
	}

	files := a.files
	switch a.mode {
	case "crash":
		fmt.Fprintln(os.Stderr, "Error: 401 Unauthorized")
		os.Exit(1)
	case "silent":
		return acp.PromptResponse{StopReason: acp.StopReasonEndTurn}, nil
	case "partial":
		if len(files) > 0 {
			files = files[:1]
		}
	}

	for i, f := range files {
		err := a.submit(ctx, i, "return_task", map[string]any{
			"id":          fmt.Sprintf("T%d", i+1),
			"title":       "Review " + f,
			"description": "Check the change to " + f,
			"stats":       map[string]any{"risk": "medium", "tags": []string{"mock"}},
			"diff_refs":   []map[string]any{{"file": f, "hunks": []any{}}},
		})
		if err != nil {
			return acp.PromptResponse{}, err
		}
	}
	err := a.submit(ctx, len(files), "finalize_review", map[string]any{
		"title":   "Mock review",
		"summary": "Scripted by mockacp.",
	})
	if err != nil {
		return acp.PromptResponse{}, err
	}
	return acp.PromptResponse{StopReason: acp.StopReasonEndTurn}, nil
}

func (a *mockAgent) submit(ctx context.Context, n int, tool string, input any) error {
	return a.update(ctx, acp.StartToolCall(acp.ToolCallId(fmt.Sprintf("call-%d", n)), tool,
		acp.WithStartStatus(acp.ToolCallStatusCompleted),
		acp.WithStartRawInput(input)))
}

func (a *mockAgent) update(ctx context.Context, u acp.SessionUpdate) error {
	return a.conn.SessionUpdate(ctx, acp.SessionNotification{SessionId: sessionID, Update: u})
}

func (a *mockAgent) Cancel(context.Context, acp.CancelNotification) error { return nil }

func (a *mockAgent) Authenticate(context.Context, acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	return acp.AuthenticateResponse{}, nil
}

func (a *mockAgent) CloseSession(context.Context, acp.CloseSessionRequest) (acp.CloseSessionResponse, error) {
	return acp.CloseSessionResponse{}, nil
}

func (a *mockAgent) ListSessions(context.Context, acp.ListSessionsRequest) (acp.ListSessionsResponse, error) {
	return acp.ListSessionsResponse{}, acp.NewMethodNotFound(acp.AgentMethodSessionList)
}

func (a *mockAgent) ResumeSession(context.Context, acp.ResumeSessionRequest) (acp.ResumeSessionResponse, error) {
	return acp.ResumeSessionResponse{}, acp.NewMethodNotFound(acp.AgentMethodSessionResume)
}

func (a *mockAgent) SetSessionConfigOption(context.Context, acp.SetSessionConfigOptionRequest) (acp.SetSessionConfigOptionResponse, error) {
	return acp.SetSessionConfigOptionResponse{}, acp.NewMethodNotFound(acp.AgentMethodSessionSetConfigOption)
}

func (a *mockAgent) SetSessionMode(context.Context, acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error) {
	return acp.SetSessionModeResponse{}, nil
}
