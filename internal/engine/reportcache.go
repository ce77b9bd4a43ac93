package engine

import "sync"

// reportCache keeps the most recent rendered crypto report per user so a
// deduped repeat request can be answered by replaying it.
type reportCache struct {
	mu      sync.Mutex
	reports map[string]string
}

func newReportCache() *reportCache {
	return &reportCache{reports: make(map[string]string)}
}

func (c *reportCache) put(user, report string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports[user] = report
}

func (c *reportCache) get(user string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reports[user]
	return r, ok
}
