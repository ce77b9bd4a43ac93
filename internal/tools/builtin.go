package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"

	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// BuiltinTool is a tool implemented as an in-process Go function. It is
// subject to the same execution path as external MCP tools but skips the
// protocol round-trip.
type BuiltinTool struct {
	// Definition is the descriptor presented to the model.
	Definition types.ToolDefinition

	// Handler runs the tool. args is a JSON object string; a non-nil
	// error marks the result as an application-level failure.
	Handler func(ctx context.Context, args string) (string, error)
}

// RegisterBuiltin adds an in-process tool, replacing any tool with the
// same name.
func (r *MCPRuntime) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tools: builtin needs a name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tools: builtin %q needs a handler", tool.Definition.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = toolEntry{
		def:        tool.Definition,
		serverName: builtinServerName,
		builtinFn:  tool.Handler,
	}
	return nil
}

const builtinServerName = "__builtin__"

// fetchCharCap bounds extracted page text fed back to the model.
const fetchCharCap = 6000

// ─────────────────────────────────────────────────────────────────────────────
// Collaborator seams
// ─────────────────────────────────────────────────────────────────────────────

// SearchService is the live web-search collaborator.
type SearchService interface {
	// Search returns rendered results for a query.
	Search(ctx context.Context, query string) (string, error)
}

// GmailService is the mail collaborator behind the sensitive actions.
type GmailService interface {
	Forward(ctx context.Context, messageID, to, note string) (string, error)
	ReplyDraft(ctx context.Context, messageID, body string) (string, error)
}

// WeatherLookup matches the weather fast-path service.
type WeatherLookup interface {
	Lookup(ctx context.Context, location string) (string, error)
}

// CryptoReporter matches the crypto fast-path service.
type CryptoReporter interface {
	Report(ctx context.Context, coins []string) (string, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Builtin constructors
// ─────────────────────────────────────────────────────────────────────────────

// NewWebSearchTool bridges the search collaborator.
func NewWebSearchTool(svc SearchService) BuiltinTool {
	return BuiltinTool{
		Definition: types.ToolDefinition{
			Name:        "web_search",
			Description: "Search the live web and return current results for a query.",
			Parameters: objectSchema(map[string]any{
				"query": map[string]any{"type": "string", "description": "The search query."},
			}, "query"),
			MaxDurationMs: 8000,
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil || strings.TrimSpace(in.Query) == "" {
				return "", fmt.Errorf("web_search requires a query")
			}
			return svc.Search(ctx, in.Query)
		},
	}
}

// NewWebFetchTool fetches a URL and extracts readable article text.
func NewWebFetchTool(client *http.Client) BuiltinTool {
	if client == nil {
		client = http.DefaultClient
	}
	return BuiltinTool{
		Definition: types.ToolDefinition{
			Name:        "web_fetch",
			Description: "Fetch a web page and return its readable text content.",
			Parameters: objectSchema(map[string]any{
				"url": map[string]any{"type": "string", "description": "The page URL to fetch."},
			}, "url"),
			MaxDurationMs: 10000,
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil || strings.TrimSpace(in.URL) == "" {
				return "", fmt.Errorf("web_fetch requires a url")
			}
			return fetchReadable(ctx, client, in.URL)
		},
	}
}

// fetchReadable downloads a page and runs readability extraction,
// falling back to the raw body when extraction finds nothing.
func fetchReadable(ctx context.Context, client *http.Client, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch failed with status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", err
	}

	parsed, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	text := ""
	if err == nil {
		text = strings.TrimSpace(article.TextContent)
		if article.Title != "" && text != "" {
			text = article.Title + "\n\n" + text
		}
	}
	if text == "" {
		text = strings.TrimSpace(string(body))
	}
	if len(text) > fetchCharCap {
		text = text[:fetchCharCap] + "…"
	}
	return text, nil
}

// NewWeatherTool bridges the weather collaborator so the model can look
// up forecasts mid-loop, not only via the fast path.
func NewWeatherTool(svc WeatherLookup) BuiltinTool {
	return BuiltinTool{
		Definition: types.ToolDefinition{
			Name:        "weather_lookup",
			Description: "Look up the current weather and short forecast for a location.",
			Parameters: objectSchema(map[string]any{
				"location": map[string]any{"type": "string", "description": "City or place name."},
			}, "location"),
			MaxDurationMs: 5000,
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				Location string `json:"location"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil || strings.TrimSpace(in.Location) == "" {
				return "", fmt.Errorf("weather_lookup requires a location")
			}
			return svc.Lookup(ctx, in.Location)
		},
	}
}

// NewCryptoReportTool bridges the market-report collaborator.
func NewCryptoReportTool(svc CryptoReporter) BuiltinTool {
	return BuiltinTool{
		Definition: types.ToolDefinition{
			Name:        "crypto_report",
			Description: "Render a market report for the named coins, or the portfolio default when none are given.",
			Parameters: objectSchema(map[string]any{
				"coins": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Canonical coin names. Empty for the portfolio default.",
				},
			}),
			MaxDurationMs: 6000,
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				Coins []string `json:"coins"`
			}
			if args != "" && args != "{}" {
				if err := json.Unmarshal([]byte(args), &in); err != nil {
					return "", fmt.Errorf("crypto_report: invalid args")
				}
			}
			return svc.Report(ctx, in.Coins)
		},
	}
}

// NewGmailForwardTool is a sensitive action: the tool loop consumes a
// single-use HUD operation token before executing it.
func NewGmailForwardTool(svc GmailService) BuiltinTool {
	return BuiltinTool{
		Definition: types.ToolDefinition{
			Name:        "gmail_forward_message",
			Description: "Forward an existing Gmail message to a recipient.",
			Parameters: objectSchema(map[string]any{
				"message_id": map[string]any{"type": "string"},
				"to":         map[string]any{"type": "string"},
				"note":       map[string]any{"type": "string"},
			}, "message_id", "to"),
			MaxDurationMs: 8000,
			Sensitive:     true,
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				MessageID string `json:"message_id"`
				To        string `json:"to"`
				Note      string `json:"note"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil || in.MessageID == "" || in.To == "" {
				return "", fmt.Errorf("gmail_forward_message requires message_id and to")
			}
			return svc.Forward(ctx, in.MessageID, in.To, in.Note)
		},
	}
}

// NewGmailReplyDraftTool is the second sensitive mail action.
func NewGmailReplyDraftTool(svc GmailService) BuiltinTool {
	return BuiltinTool{
		Definition: types.ToolDefinition{
			Name:        "gmail_reply_draft",
			Description: "Create a reply draft for an existing Gmail message.",
			Parameters: objectSchema(map[string]any{
				"message_id": map[string]any{"type": "string"},
				"body":       map[string]any{"type": "string"},
			}, "message_id", "body"),
			MaxDurationMs: 8000,
			Sensitive:     true,
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var in struct {
				MessageID string `json:"message_id"`
				Body      string `json:"body"`
			}
			if err := json.Unmarshal([]byte(args), &in); err != nil || in.MessageID == "" || in.Body == "" {
				return "", fmt.Errorf("gmail_reply_draft requires message_id and body")
			}
			return svc.ReplyDraft(ctx, in.MessageID, in.Body)
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
