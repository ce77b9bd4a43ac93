package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// The fast paths answer weather and crypto turns without a provider call.
// Either path may produce a final reply plus a tool-call record, or hand
// the turn back to the general pipeline.

// WeatherService is the narrow seam to the weather tool.
type WeatherService interface {
	// Lookup returns a short forecast summary for a location.
	Lookup(ctx context.Context, location string) (string, error)
}

// CryptoService is the narrow seam to the market-report tool.
type CryptoService interface {
	// Report renders a report for the named coins; an empty list means the
	// portfolio default.
	Report(ctx context.Context, coins []string) (string, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Weather detection
// ─────────────────────────────────────────────────────────────────────────────

var weatherCues = []string{
	"weather", "forecast", "temperature", "how hot", "how cold",
	"going to rain", "gonna rain", "chance of rain", "chance of snow",
	"is it raining", "is it snowing", "humidity",
}

func isWeatherIntent(norm string) bool {
	for _, cue := range weatherCues {
		if strings.Contains(norm, cue) {
			return true
		}
	}
	return false
}

// Case-sensitive on purpose: only capitalized place names count, so filler
// words after the location never leak into the capture.
var reWeatherLocation = regexp.MustCompile(`\b(?:in|for|at)\s+([A-Z][\w.'-]*(?:[\s,]+[A-Z][\w.'-]*)*)`)

// extractWeatherLocation pulls a capitalized place name after in/for/at.
// Empty when the utterance names no location; the caller then arms a
// confirmation instead of guessing.
func extractWeatherLocation(text string) string {
	m := reWeatherLocation.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// WeatherFastPath resolves a weather turn. When the utterance carries no
// location it returns needsConfirmation=true and no summary; the caller
// arms the pending-confirmation store.
type WeatherFastPath struct {
	svc     WeatherService
	timeout time.Duration
}

// NewWeatherFastPath wires the detector to its service. timeout bounds the
// lookup call.
func NewWeatherFastPath(svc WeatherService, timeout time.Duration) *WeatherFastPath {
	return &WeatherFastPath{svc: svc, timeout: timeout}
}

// Try attempts the weather path. ok=false hands the turn back untouched.
func (w *WeatherFastPath) Try(ctx context.Context, text string) (reply string, call *types.ToolCallRecord, needsConfirmation bool, ok bool) {
	if w == nil || w.svc == nil || !isWeatherIntent(normalizeText(text)) {
		return "", nil, false, false
	}
	location := extractWeatherLocation(text)
	if location == "" {
		return "", nil, true, true
	}
	return w.lookup(ctx, location)
}

// Confirmed runs the lookup with a user-confirmed location.
func (w *WeatherFastPath) Confirmed(ctx context.Context, location string) (string, *types.ToolCallRecord, error) {
	reply, call, _, ok := w.lookup(ctx, location)
	if !ok {
		return "", call, fmt.Errorf("engine: weather lookup failed for %q", location)
	}
	return reply, call, nil
}

func (w *WeatherFastPath) lookup(ctx context.Context, location string) (string, *types.ToolCallRecord, bool, bool) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	summary, err := w.svc.Lookup(ctx, location)
	call := &types.ToolCallRecord{
		Name:       "weather_lookup",
		Status:     "ok",
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		call.Status = "error"
		call.Preview = err.Error()
		return "", call, false, false
	}
	return summary, call, false, true
}

// ─────────────────────────────────────────────────────────────────────────────
// Crypto detection
// ─────────────────────────────────────────────────────────────────────────────

// knownCoins maps canonical names to their aliases. Fuzzy matching covers
// one-edit typos like "bitcion".
var knownCoins = map[string][]string{
	"bitcoin":  {"btc"},
	"ethereum": {"eth", "ether"},
	"solana":   {"sol"},
	"dogecoin": {"doge"},
	"cardano":  {"ada"},
	"ripple":   {"xrp"},
	"litecoin": {"ltc"},
}

var cryptoTermCues = []string{
	"crypto", "portfolio", "market cap", "price", "coin", "holdings", "report",
}

func isCryptoIntent(norm string) bool {
	if len(matchCoins(norm)) > 0 {
		return true
	}
	hasCrypto := strings.Contains(norm, "crypto") || strings.Contains(norm, "coin") ||
		strings.Contains(norm, "portfolio")
	if !hasCrypto {
		return false
	}
	for _, cue := range cryptoTermCues {
		if strings.Contains(norm, cue) {
			return true
		}
	}
	return false
}

// IsCryptoIntent is the loose crypto-topic detector used by the dedupe
// layer to decide whether a repeated inbound deserves the stricter report
// gate.
func IsCryptoIntent(text string) bool {
	return isCryptoIntent(normalizeText(text))
}

// IsExplicitCryptoReportRequest is the strict detector that bypasses
// dedupe: the user must ask for a report by name.
func IsExplicitCryptoReportRequest(text string) bool {
	norm := normalizeText(text)
	if !strings.Contains(norm, "report") {
		return false
	}
	return strings.Contains(norm, "crypto") ||
		strings.Contains(norm, "portfolio") ||
		len(matchCoins(norm)) > 0
}

// matchCoins returns the canonical coin names found in the text, fuzzily:
// exact alias hits plus Damerau-Levenshtein distance 1 against full names.
func matchCoins(norm string) []string {
	seen := map[string]bool{}
	var out []string
	for _, word := range strings.Fields(norm) {
		word = strings.Trim(word, ".,!?")
		if len(word) < 3 {
			continue
		}
		for name, aliases := range knownCoins {
			if seen[name] {
				continue
			}
			hit := word == name
			for _, a := range aliases {
				if word == a {
					hit = true
				}
			}
			if !hit && len(word) >= 5 {
				if d := matchr.DamerauLevenshtein(word, name); d <= 1 {
					hit = true
				}
			}
			if hit {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

// CryptoFastPath resolves a crypto turn into a rendered report.
type CryptoFastPath struct {
	svc     CryptoService
	timeout time.Duration

	// lastReports caches the most recent rendered report per user so the
	// dedupe recovery can replay it.
	lastReports *reportCache
}

// NewCryptoFastPath wires the detector to its service.
func NewCryptoFastPath(svc CryptoService, timeout time.Duration) *CryptoFastPath {
	return &CryptoFastPath{svc: svc, timeout: timeout, lastReports: newReportCache()}
}

// Try attempts the crypto path for a user. ok=false hands the turn back.
func (c *CryptoFastPath) Try(ctx context.Context, userContextID, text string) (string, *types.ToolCallRecord, bool) {
	norm := normalizeText(text)
	if c == nil || c.svc == nil || !isCryptoIntent(norm) {
		return "", nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	report, err := c.svc.Report(ctx, matchCoins(norm))
	call := &types.ToolCallRecord{
		Name:       "crypto_report",
		Status:     "ok",
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		call.Status = "error"
		call.Preview = err.Error()
		return "", call, false
	}
	c.lastReports.put(userContextID, report)
	return report, call, true
}

// LastReport replays the most recent report rendered for the user.
func (c *CryptoFastPath) LastReport(userContextID string) (string, bool) {
	if c == nil {
		return "", false
	}
	return c.lastReports.get(userContextID)
}
