// Package report accumulates the human-facing outcome of a migration run:
// records that were altered in ways an administrator should review
// (reassigned filters, renamed customizations, dropped models). Helpers add
// entries as they work; the entry point renders and announces the result
// once the run ends.
package report

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Entry is one reviewable fact, grouped by category in the final document.
type Entry struct {
	Category string
	Message  string
	HTML     bool
}

// Collector gathers entries from every helper in a run. Safe for
// concurrent use: parallel batches report through the same collector.
type Collector struct {
	mu      sync.Mutex
	entries []Entry
	logger  *zap.Logger
}

// NewCollector returns an empty collector. A nil logger disables echo
// logging.
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{logger: logger}
}

// Add records a plain-text entry.
func (c *Collector) Add(category, message string) {
	c.add(Entry{Category: category, Message: message})
}

// Addf records a formatted plain-text entry.
func (c *Collector) Addf(category, format string, args ...interface{}) {
	c.add(Entry{Category: category, Message: fmt.Sprintf(format, args...)})
}

// AddHTML records an entry whose message is already markup, kept verbatim
// in the rendered document.
func (c *Collector) AddHTML(category, markup string) {
	c.add(Entry{Category: category, Message: markup, HTML: true})
}

// AddRecord records an entry about one database record, in the uniform
// "model(id): name" shape used across the helpers.
func (c *Collector) AddRecord(category, model string, id int64, name, note string) {
	c.Addf(category, "%s(%d) %q: %s", model, id, name, note)
}

func (c *Collector) add(e Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
	c.logger.Info("migration report entry",
		zap.String("category", e.Category),
		zap.String("message", e.Message),
	)
}

// Entries returns a copy of everything collected so far.
func (c *Collector) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Empty reports whether nothing was collected.
func (c *Collector) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries) == 0
}

// Categories returns the distinct categories in first-seen order.
func (c *Collector) Categories() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[string]bool{}
	var cats []string
	for _, e := range c.entries {
		if !seen[e.Category] {
			seen[e.Category] = true
			cats = append(cats, e.Category)
		}
	}
	return cats
}
