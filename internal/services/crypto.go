package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const coingeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// defaultPortfolio is the coin set rendered when a report names no coins.
var defaultPortfolio = []string{"bitcoin", "ethereum", "solana"}

// CoinGeckoCrypto is the market-report collaborator, backed by the keyless
// CoinGecko simple-price API.
type CoinGeckoCrypto struct {
	endpoint  string
	client    *http.Client
	portfolio []string
}

// CryptoOption adjusts a CoinGeckoCrypto client.
type CryptoOption func(*CoinGeckoCrypto)

// WithCryptoEndpoint overrides the API endpoint.
func WithCryptoEndpoint(endpoint string) CryptoOption {
	return func(c *CoinGeckoCrypto) { c.endpoint = endpoint }
}

// WithCryptoHTTPClient overrides the HTTP client.
func WithCryptoHTTPClient(hc *http.Client) CryptoOption {
	return func(c *CoinGeckoCrypto) { c.client = hc }
}

// WithPortfolio overrides the default coin set.
func WithPortfolio(coins []string) CryptoOption {
	return func(c *CoinGeckoCrypto) { c.portfolio = coins }
}

// NewCoinGeckoCrypto builds the client.
func NewCoinGeckoCrypto(opts ...CryptoOption) *CoinGeckoCrypto {
	c := &CoinGeckoCrypto{
		endpoint:  coingeckoEndpoint,
		client:    http.DefaultClient,
		portfolio: defaultPortfolio,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type coinQuote struct {
	USD       float64 `json:"usd"`
	Change24h float64 `json:"usd_24h_change"`
	MarketCap float64 `json:"usd_market_cap"`
}

// Report renders a market report for the named coins. An empty list means
// the portfolio default. Coin names are CoinGecko ids (bitcoin, ethereum,
// solana, ...), which the fast-path detector already canonicalises to.
func (c *CoinGeckoCrypto) Report(ctx context.Context, coins []string) (string, error) {
	if len(coins) == 0 {
		coins = c.portfolio
	}

	q := url.Values{}
	q.Set("ids", strings.Join(coins, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_change", "true")
	q.Set("include_market_cap", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("services: build report request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("services: market report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("services: market report status %d", resp.StatusCode)
	}

	quotes := map[string]coinQuote{}
	if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		return "", fmt.Errorf("services: parse market report: %w", err)
	}
	if len(quotes) == 0 {
		return "", fmt.Errorf("services: no quotes for %s", strings.Join(coins, ", "))
	}

	// Requested order first, then any extras alphabetically.
	ordered := make([]string, 0, len(quotes))
	seen := map[string]bool{}
	for _, coin := range coins {
		if _, ok := quotes[coin]; ok && !seen[coin] {
			ordered = append(ordered, coin)
			seen[coin] = true
		}
	}
	var extras []string
	for coin := range quotes {
		if !seen[coin] {
			extras = append(extras, coin)
		}
	}
	sort.Strings(extras)
	ordered = append(ordered, extras...)

	var sb strings.Builder
	sb.WriteString("Market report:\n")
	for _, coin := range ordered {
		qt := quotes[coin]
		fmt.Fprintf(&sb, "• %s: $%s (%+.1f%% 24h, cap $%s)\n",
			titleCoin(coin), formatUSD(qt.USD), qt.Change24h, formatUSD(qt.MarketCap))
	}
	return strings.TrimSpace(sb.String()), nil
}

func titleCoin(coin string) string {
	if coin == "" {
		return coin
	}
	return strings.ToUpper(coin[:1]) + coin[1:]
}

// formatUSD renders a dollar amount with thousands separators and a scale
// suffix for caps.
func formatUSD(v float64) string {
	switch {
	case v >= 1e12:
		return fmt.Sprintf("%.2fT", v/1e12)
	case v >= 1e9:
		return fmt.Sprintf("%.2fB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%.2fM", v/1e6)
	case v >= 1000:
		return fmt.Sprintf("%.0f", v)
	case v >= 1:
		return fmt.Sprintf("%.2f", v)
	default:
		return fmt.Sprintf("%.4f", v)
	}
}
