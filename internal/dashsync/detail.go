package dashsync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agentworkforce/dashsync/internal/api"
)

// DetailFetcher is the slice of the gateway the detail store needs.
type DetailFetcher interface {
	GetDetail(ctx context.Context, id int) (api.AnalysisRequest, error)
}

// SelectionState describes the detail view's lifecycle.
type SelectionState int

const (
	SelectionNone SelectionState = iota
	SelectionLoading
	SelectionLoaded
	SelectionError
)

// Selection is the current detail view: which id is open, whether its
// record has arrived, and the load error if one occurred.
type Selection struct {
	State  SelectionState
	ID     int
	Detail api.AnalysisRequest
	Err    error
}

// DetailStoreOptions configures a detail store.
type DetailStoreOptions struct {
	Gateway  DetailFetcher
	OnChange func(Selection)
	// OnNotice surfaces a non-fatal message, e.g. when a background
	// refetch fails and the optimistic state is kept.
	OnNotice func(string)
	Logger   *slog.Logger
}

// DetailStore holds the full record for the selected request plus a
// cache of previously fetched records. Push updates for the selected id
// are merged optimistically and then reconciled with an authoritative
// refetch; a stale-selection guard drops results for ids that are no
// longer open.
type DetailStore struct {
	gateway  DetailFetcher
	onChange func(Selection)
	onNotice func(string)
	logger   *slog.Logger

	mu        sync.Mutex
	cache     map[int]api.AnalysisRequest
	selection Selection
	// gen increments on every selection change; an in-flight fetch
	// applies its result only when gen is unchanged.
	gen      uint64
	inflight sync.WaitGroup
}

func NewDetailStore(opts DetailStoreOptions) *DetailStore {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DetailStore{
		gateway:  opts.Gateway,
		onChange: opts.OnChange,
		onNotice: opts.OnNotice,
		logger:   logger,
		cache:    make(map[int]api.AnalysisRequest),
	}
}

// Selection returns the current detail view state.
func (d *DetailStore) Selection() Selection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selection
}

// Open selects a request. A cache hit shows the record immediately; a
// miss shows a loading state and fetches. A fetch failure keeps the
// view open in an error state so the caller can retry.
func (d *DetailStore) Open(ctx context.Context, id int) {
	d.mu.Lock()
	d.gen++
	gen := d.gen
	if cached, ok := d.cache[id]; ok {
		d.selection = Selection{State: SelectionLoaded, ID: id, Detail: cached}
		sel := d.selection
		d.mu.Unlock()
		d.notify(sel)
		return
	}
	d.selection = Selection{State: SelectionLoading, ID: id}
	sel := d.selection
	d.mu.Unlock()
	d.notify(sel)

	detail, err := d.gateway.GetDetail(ctx, id)

	d.mu.Lock()
	if d.gen != gen {
		// Selection moved on while the fetch was in flight.
		d.mu.Unlock()
		return
	}
	if err != nil {
		d.selection = Selection{State: SelectionError, ID: id, Err: err}
	} else {
		d.cache[id] = detail
		d.selection = Selection{State: SelectionLoaded, ID: id, Detail: detail}
	}
	sel = d.selection
	d.mu.Unlock()
	d.notify(sel)
}

// Close deselects the current request. Cached records survive, so
// reopening is instant.
func (d *DetailStore) Close() {
	d.mu.Lock()
	d.gen++
	d.selection = Selection{}
	sel := d.selection
	d.mu.Unlock()
	d.notify(sel)
}

// HandleUpdated reacts to a pushed partial update. For the selected id
// the summary fields are merged immediately and an authoritative refetch
// is started in the background, since the push payload never carries
// detail-only fields. For any other cached id the stale record is
// evicted; the next Open refetches it.
func (d *DetailStore) HandleUpdated(patch api.SummaryPatch) {
	d.mu.Lock()
	if d.selection.ID != patch.ID || d.selection.State == SelectionNone {
		delete(d.cache, patch.ID)
		d.mu.Unlock()
		return
	}
	delete(d.cache, patch.ID)
	if d.selection.State == SelectionLoaded {
		patch.ApplyToDetail(&d.selection.Detail)
	}
	gen := d.gen
	sel := d.selection
	d.mu.Unlock()
	d.notify(sel)

	d.inflight.Add(1)
	go d.refetch(patch.ID, gen)
}

func (d *DetailStore) refetch(id int, gen uint64) {
	defer d.inflight.Done()
	detail, err := d.gateway.GetDetail(context.Background(), id)

	d.mu.Lock()
	if d.gen != gen || d.selection.ID != id {
		d.mu.Unlock()
		return
	}
	if err != nil {
		// Keep the optimistic merge; the view stays usable.
		d.mu.Unlock()
		d.logger.Warn("detail refetch failed", "id", id, "error", err)
		if d.onNotice != nil {
			d.onNotice("Could not refresh request details, shown data may be incomplete")
		}
		return
	}
	d.cache[id] = detail
	d.selection = Selection{State: SelectionLoaded, ID: id, Detail: detail}
	sel := d.selection
	d.mu.Unlock()
	d.notify(sel)
}

// HandleDeleted evicts the record and, when it is the one on screen,
// force-closes the view.
func (d *DetailStore) HandleDeleted(id int) {
	d.mu.Lock()
	delete(d.cache, id)
	if d.selection.State == SelectionNone || d.selection.ID != id {
		d.mu.Unlock()
		return
	}
	d.gen++
	d.selection = Selection{}
	sel := d.selection
	d.mu.Unlock()
	d.notify(sel)
	if d.onNotice != nil {
		d.onNotice("The request you were viewing was deleted")
	}
}

// AwaitIdle blocks until background refetches have drained. Used by
// session shutdown and by tests.
func (d *DetailStore) AwaitIdle() {
	d.inflight.Wait()
}

func (d *DetailStore) notify(sel Selection) {
	if d.onChange != nil {
		d.onChange(sel)
	}
}
