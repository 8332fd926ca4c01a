package dashsync

import (
	"context"
	"sync"

	"github.com/agentworkforce/dashsync/internal/api"
)

// Lister is the slice of the gateway the collection needs.
type Lister interface {
	List(ctx context.Context, status api.Status, skip, limit int) ([]api.RequestSummary, error)
}

// Collection mirrors the server's request list. It never originates
// state: rows enter via an authoritative Load or via push events, and
// every mutation is idempotent so a REST response and its matching push
// event can both be applied in either order.
type Collection struct {
	gateway  Lister
	onChange func()

	mu   sync.Mutex
	rows []api.RequestSummary
}

func NewCollection(gateway Lister, onChange func()) *Collection {
	return &Collection{gateway: gateway, onChange: onChange}
}

// Load replaces the whole collection with a fresh page from the server.
// Used at startup and after a reconnect, when pushed deltas may have
// been missed.
func (c *Collection) Load(ctx context.Context, status api.Status, skip, limit int) error {
	rows, err := c.gateway.List(ctx, status, skip, limit)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rows = rows
	c.mu.Unlock()
	c.notify()
	return nil
}

// ApplyCreated inserts a new row at the front. A duplicate id replaces
// the existing row in place instead, which is what makes the REST
// response and the request_created push event safe to apply twice.
func (c *Collection) ApplyCreated(row api.RequestSummary) {
	c.mu.Lock()
	replaced := false
	for i := range c.rows {
		if c.rows[i].ID == row.ID {
			c.rows[i] = row
			replaced = true
			break
		}
	}
	if !replaced {
		c.rows = append([]api.RequestSummary{row}, c.rows...)
	}
	c.mu.Unlock()
	c.notify()
}

// ApplyUpdated merges a partial update into the matching row. An unknown
// id is dropped silently: the row may belong to another page or have
// been deleted concurrently.
func (c *Collection) ApplyUpdated(patch api.SummaryPatch) {
	c.mu.Lock()
	applied := false
	for i := range c.rows {
		if c.rows[i].ID == patch.ID {
			patch.ApplyToSummary(&c.rows[i])
			applied = true
			break
		}
	}
	c.mu.Unlock()
	if applied {
		c.notify()
	}
}

// ApplyDeleted removes the matching row. Removing an absent id is a
// no-op, so the REST response and the push event can both be applied.
func (c *Collection) ApplyDeleted(id int) {
	c.mu.Lock()
	removed := false
	for i := range c.rows {
		if c.rows[i].ID == id {
			c.rows = append(c.rows[:i], c.rows[i+1:]...)
			removed = true
			break
		}
	}
	c.mu.Unlock()
	if removed {
		c.notify()
	}
}

// Rows returns a copy of the current rows in display order.
func (c *Collection) Rows() []api.RequestSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := make([]api.RequestSummary, len(c.rows))
	copy(rows, c.rows)
	return rows
}

// Get returns the row with the given id, if present.
func (c *Collection) Get(id int) (api.RequestSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range c.rows {
		if row.ID == id {
			return row, true
		}
	}
	return api.RequestSummary{}, false
}

func (c *Collection) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}
