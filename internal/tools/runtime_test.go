package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

func TestRegisterBuiltinAndExecute(t *testing.T) {
	r := NewRuntime()
	err := r.RegisterBuiltin(BuiltinTool{
		Definition: types.ToolDefinition{Name: "echo"},
		Handler: func(_ context.Context, args string) (string, error) {
			return "got " + args, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	res, err := r.Execute(context.Background(), "echo", `{"x":1}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError || res.Content != `got {"x":1}` {
		t.Errorf("res = %+v", res)
	}
	if !r.Available()["echo"] {
		t.Error("echo missing from Available()")
	}
}

func TestExecute_BuiltinErrorIsResult(t *testing.T) {
	r := NewRuntime()
	r.RegisterBuiltin(BuiltinTool{
		Definition: types.ToolDefinition{Name: "boom"},
		Handler: func(context.Context, string) (string, error) {
			return "", errors.New("upstream broke")
		},
	})

	res, err := r.Execute(context.Background(), "boom", "{}")
	if err != nil {
		t.Fatalf("application error surfaced as transport error: %v", err)
	}
	if !res.IsError || res.Content != "upstream broke" {
		t.Errorf("res = %+v, want error result", res)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	r := NewRuntime()
	if _, err := r.Execute(context.Background(), "nope", "{}"); err == nil {
		t.Error("unknown tool did not error")
	}
}

func TestExecute_CancelledContextIsTransportError(t *testing.T) {
	r := NewRuntime()
	r.RegisterBuiltin(BuiltinTool{
		Definition: types.ToolDefinition{Name: "slow"},
		Handler: func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Execute(ctx, "slow", "{}"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDefinitions_SortedAndSensitive(t *testing.T) {
	r := NewRuntime()
	for _, name := range []string{"zeta", "alpha"} {
		r.RegisterBuiltin(BuiltinTool{
			Definition: types.ToolDefinition{Name: name},
			Handler:    func(context.Context, string) (string, error) { return "", nil },
		})
	}
	r.RegisterBuiltin(NewGmailForwardTool(stubGmail{}))

	defs := r.Definitions()
	if len(defs) != 3 || defs[0].Name != "alpha" || defs[2].Name != "zeta" {
		t.Errorf("Definitions = %v, want sorted by name", defs)
	}
	if !r.IsSensitive("gmail_forward_message") {
		t.Error("gmail_forward_message not marked sensitive")
	}
	if r.IsSensitive("alpha") {
		t.Error("alpha wrongly marked sensitive")
	}
}

type stubGmail struct{}

func (stubGmail) Forward(_ context.Context, id, to, _ string) (string, error) {
	return fmt.Sprintf("forwarded %s to %s", id, to), nil
}

func (stubGmail) ReplyDraft(_ context.Context, id, _ string) (string, error) {
	return "drafted reply to " + id, nil
}

func TestGmailTools_ArgValidation(t *testing.T) {
	fwd := NewGmailForwardTool(stubGmail{})
	ctx := context.Background()

	if _, err := fwd.Handler(ctx, `{"message_id":"m1"}`); err == nil {
		t.Error("forward without recipient did not error")
	}
	out, err := fwd.Handler(ctx, `{"message_id":"m1","to":"a@b.c"}`)
	if err != nil || !strings.Contains(out, "m1") {
		t.Errorf("Forward = %q, %v", out, err)
	}
}

func TestWebFetchTool_ExtractsReadableText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Release Notes</title></head><body>
			<article><h1>Release Notes</h1>
			<p>The orchestrator now routes duplicate crypto requests to the cached report.</p>
			<p>Weather confirmations expire after ten minutes of inactivity.</p>
			</article></body></html>`)
	}))
	defer srv.Close()

	tool := NewWebFetchTool(srv.Client())
	out, err := tool.Handler(context.Background(), fmt.Sprintf(`{"url":%q}`, srv.URL))
	if err != nil {
		t.Fatalf("web_fetch: %v", err)
	}
	if !strings.Contains(out, "cached report") {
		t.Errorf("extracted text missing article body: %q", out)
	}
	if strings.Contains(out, "<p>") {
		t.Errorf("extracted text still contains markup: %q", out)
	}
}

func TestWebFetchTool_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tool := NewWebFetchTool(srv.Client())
	if _, err := tool.Handler(context.Background(), fmt.Sprintf(`{"url":%q}`, srv.URL)); err == nil {
		t.Error("502 fetch did not error")
	}
}

func TestForcedFallbackReply(t *testing.T) {
	tests := []struct {
		tool    string
		errText string
		want    bool
	}{
		{"web_search", "Brave Search API key not configured", true},
		{"web_search", "rate limit exceeded, retry later", true},
		{"web_search", "upstream returned 429", true},
		{"gmail_forward_message", "gmail account not connected", true},
		{"gmail_reply_draft", "insufficient OAuth scope for modify", true},
		{"calendar_sync", "missing scope calendar.events", true},
		{"web_search", "connection reset by peer", false},
		{"gmail_forward_message", "message not found", false},
	}
	for _, tt := range tests {
		reply, ok := ForcedFallbackReply(tt.tool, tt.errText)
		if ok != tt.want {
			t.Errorf("ForcedFallbackReply(%q, %q) = %v, want %v", tt.tool, tt.errText, ok, tt.want)
		}
		if ok && reply == "" {
			t.Errorf("matched shape for %q returned empty reply", tt.errText)
		}
	}
}
