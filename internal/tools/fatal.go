package tools

import "strings"

// Certain tool failures can never be fixed by letting the model retry:
// missing credentials, exhausted quotas, revoked scopes. The tool loop
// checks every error result against these shapes and, on a match, exits
// with the deterministic reply instead of burning budget.

type fatalShape struct {
	// toolPrefix limits the shape to tools whose name carries the
	// prefix. Empty matches any tool.
	toolPrefix string

	// cues are lowercase substrings; all must appear in the error text.
	cues []string

	reply string
}

var fatalShapes = []fatalShape{
	{
		toolPrefix: "web_search",
		cues:       []string{"brave", "key"},
		reply:      "Web search isn't set up yet. The Brave Search API key is missing, so add it in settings and I'll handle searches from there.",
	},
	{
		toolPrefix: "web_search",
		cues:       []string{"rate limit"},
		reply:      "Web search is rate-limited right now. Give it a minute and ask me again.",
	},
	{
		toolPrefix: "web_search",
		cues:       []string{"429"},
		reply:      "Web search is rate-limited right now. Give it a minute and ask me again.",
	},
	{
		toolPrefix: "gmail_",
		cues:       []string{"not connected"},
		reply:      "Your Gmail account isn't connected, so I can't touch email right now. Reconnect it and I'll pick this back up.",
	},
	{
		toolPrefix: "gmail_",
		cues:       []string{"insufficient", "scope"},
		reply:      "Gmail is connected but missing the permission scope for that action. Re-authorize with mail access and I'll retry.",
	},
	{
		cues:  []string{"missing scope"},
		reply: "That integration is missing a permission scope for this action. Re-authorize it and I'll retry.",
	},
}

// ForcedFallbackReply classifies a tool error result. When the error
// matches a fatal shape it returns the deterministic reply the loop
// should exit with.
func ForcedFallbackReply(toolName, errText string) (string, bool) {
	norm := strings.ToLower(errText)
	for _, shape := range fatalShapes {
		if shape.toolPrefix != "" && !strings.HasPrefix(toolName, shape.toolPrefix) {
			continue
		}
		all := true
		for _, cue := range shape.cues {
			if !strings.Contains(norm, cue) {
				all = false
				break
			}
		}
		if all {
			return shape.reply, true
		}
	}
	return "", false
}
