package dashsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/dashsync/internal/api"
)

type fakeDetailGateway struct {
	mu      sync.Mutex
	details map[int]api.AnalysisRequest
	err     error
	calls   int
	// gate, when set, blocks GetDetail until released. Lets tests hold a
	// fetch in flight while the selection changes.
	gate chan struct{}
}

func (f *fakeDetailGateway) GetDetail(ctx context.Context, id int) (api.AnalysisRequest, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	err := f.err
	detail, ok := f.details[id]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return api.AnalysisRequest{}, err
	}
	if !ok {
		return api.AnalysisRequest{}, &api.Error{Kind: api.ErrNotFound, StatusCode: 404}
	}
	return detail, nil
}

func (f *fakeDetailGateway) set(d api.AnalysisRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.details == nil {
		f.details = make(map[int]api.AnalysisRequest)
	}
	f.details[d.ID] = d
}

func (f *fakeDetailGateway) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeDetailGateway) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeDetailGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func detailRecord(id int, status api.Status, prompt string) api.AnalysisRequest {
	return api.AnalysisRequest{
		RequestSummary: api.RequestSummary{ID: id, Status: status, CreatedAt: "t0", UpdatedAt: "t0"},
		UserPrompt:     prompt,
	}
}

func newDetailStoreForTest(gateway *fakeDetailGateway) (*DetailStore, *[]Selection, *[]string) {
	var selections []Selection
	var notices []string
	var mu sync.Mutex
	store := NewDetailStore(DetailStoreOptions{
		Gateway: gateway,
		OnChange: func(sel Selection) {
			mu.Lock()
			selections = append(selections, sel)
			mu.Unlock()
		},
		OnNotice: func(msg string) {
			mu.Lock()
			notices = append(notices, msg)
			mu.Unlock()
		},
		Logger: testLogger(),
	})
	return store, &selections, &notices
}

func TestOpenFetchesOnMissAndServesCacheOnReopen(t *testing.T) {
	gateway := &fakeDetailGateway{}
	gateway.set(detailRecord(1, api.StatusCompleted, "analyze this"))
	store, selections, _ := newDetailStoreForTest(gateway)

	store.Open(context.Background(), 1)
	sel := store.Selection()
	if sel.State != SelectionLoaded || sel.Detail.UserPrompt != "analyze this" {
		t.Fatalf("expected loaded detail, got %+v", sel)
	}
	if (*selections)[0].State != SelectionLoading {
		t.Fatalf("expected a loading state first, got %+v", *selections)
	}

	store.Close()
	store.Open(context.Background(), 1)
	if store.Selection().State != SelectionLoaded {
		t.Fatal("expected cache hit on reopen")
	}
	if gateway.callCount() != 1 {
		t.Fatalf("reopen must not refetch, got %d calls", gateway.callCount())
	}
}

func TestOpenFailureKeepsViewInErrorState(t *testing.T) {
	gateway := &fakeDetailGateway{}
	gateway.setErr(&api.Error{Kind: api.ErrServer, StatusCode: 500})
	store, _, _ := newDetailStoreForTest(gateway)

	store.Open(context.Background(), 7)
	sel := store.Selection()
	if sel.State != SelectionError || sel.ID != 7 {
		t.Fatalf("expected error state for id 7, got %+v", sel)
	}
	if !errors.Is(sel.Err, api.ErrServer) {
		t.Fatalf("expected server error, got %v", sel.Err)
	}

	// The caller can retry the same id.
	gateway.setErr(nil)
	gateway.set(detailRecord(7, api.StatusQueued, "p"))
	store.Open(context.Background(), 7)
	if store.Selection().State != SelectionLoaded {
		t.Fatalf("retry open should load, got %+v", store.Selection())
	}
}

func TestHandleUpdatedMergesOptimisticallyThenRefetches(t *testing.T) {
	gateway := &fakeDetailGateway{}
	gateway.set(detailRecord(1, api.StatusProcessing, "p"))
	store, _, _ := newDetailStoreForTest(gateway)
	store.Open(context.Background(), 1)

	// Server finishes the request; the refetch will see the full record.
	full := detailRecord(1, api.StatusCompleted, "p")
	full.UpdatedAt = "t1"
	full.GPTRawResponse = `{"answer": 42}`
	full.IsSuccess = true
	gateway.set(full)

	// Hold the refetch in flight so the optimistic merge is observable.
	gate := make(chan struct{})
	gateway.setGate(gate)

	completed := api.StatusCompleted
	updatedAt := "t1"
	store.HandleUpdated(api.SummaryPatch{ID: 1, Status: &completed, UpdatedAt: &updatedAt})

	sel := store.Selection()
	if sel.Detail.Status != api.StatusCompleted || sel.Detail.UpdatedAt != "t1" {
		t.Fatalf("expected optimistic merge, got %+v", sel.Detail)
	}
	if sel.Detail.GPTRawResponse != "" {
		t.Fatalf("detail-only fields must wait for the refetch, got %+v", sel.Detail)
	}

	close(gate)
	store.AwaitIdle()
	sel = store.Selection()
	if sel.Detail.GPTRawResponse == "" || !sel.Detail.IsSuccess {
		t.Fatalf("expected authoritative refetch to fill detail fields, got %+v", sel.Detail)
	}
}

func TestRefetchFailureKeepsOptimisticStateAndNotices(t *testing.T) {
	gateway := &fakeDetailGateway{}
	gateway.set(detailRecord(1, api.StatusProcessing, "p"))
	store, _, notices := newDetailStoreForTest(gateway)
	store.Open(context.Background(), 1)

	gateway.setErr(&api.Error{Kind: api.ErrNetwork})
	completed := api.StatusCompleted
	store.HandleUpdated(api.SummaryPatch{ID: 1, Status: &completed})
	store.AwaitIdle()

	sel := store.Selection()
	if sel.State != SelectionLoaded || sel.Detail.Status != api.StatusCompleted {
		t.Fatalf("optimistic state must survive a failed refetch, got %+v", sel)
	}
	if len(*notices) == 0 {
		t.Fatal("expected a notice about the failed refresh")
	}
}

func TestStaleFetchResultIsDropped(t *testing.T) {
	gateway := &fakeDetailGateway{}
	gateway.set(detailRecord(1, api.StatusQueued, "first"))
	gateway.set(detailRecord(2, api.StatusQueued, "second"))
	gate := make(chan struct{})
	gateway.setGate(gate)
	store, _, _ := newDetailStoreForTest(gateway)

	done := make(chan struct{})
	go func() {
		store.Open(context.Background(), 1)
		close(done)
	}()

	// Wait for the fetch for id 1 to be in flight, then move on to id 2.
	deadline := time.Now().Add(2 * time.Second)
	for gateway.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("fetch for id 1 never started")
		}
		time.Sleep(time.Millisecond)
	}

	store.Close()
	gateway.setGate(nil)
	store.Open(context.Background(), 2)
	close(gate)
	<-done

	sel := store.Selection()
	if sel.ID != 2 || sel.Detail.UserPrompt != "second" {
		t.Fatalf("stale result for id 1 leaked into the selection: %+v", sel)
	}
}

func TestHandleUpdatedForUnselectedIDEvictsCache(t *testing.T) {
	gateway := &fakeDetailGateway{}
	gateway.set(detailRecord(1, api.StatusQueued, "p1"))
	gateway.set(detailRecord(2, api.StatusQueued, "p2"))
	store, _, _ := newDetailStoreForTest(gateway)

	store.Open(context.Background(), 1)
	store.Open(context.Background(), 2)
	if gateway.callCount() != 2 {
		t.Fatalf("expected 2 fetches, got %d", gateway.callCount())
	}

	// Push update for the cached but unselected id 1.
	completed := api.StatusCompleted
	store.HandleUpdated(api.SummaryPatch{ID: 1, Status: &completed})
	store.AwaitIdle()

	// Reopening id 1 must refetch, the cached record is stale.
	store.Open(context.Background(), 1)
	if gateway.callCount() != 3 {
		t.Fatalf("expected eviction to force a refetch, got %d calls", gateway.callCount())
	}
}

func TestHandleDeletedForceClosesSelectedView(t *testing.T) {
	gateway := &fakeDetailGateway{}
	gateway.set(detailRecord(1, api.StatusQueued, "p"))
	store, _, notices := newDetailStoreForTest(gateway)
	store.Open(context.Background(), 1)

	store.HandleDeleted(1)
	if store.Selection().State != SelectionNone {
		t.Fatalf("expected forced close, got %+v", store.Selection())
	}
	if len(*notices) == 0 {
		t.Fatal("expected a notice about the deleted request")
	}

	// Deleting an unrelated id leaves the view alone.
	gateway.set(detailRecord(2, api.StatusQueued, "p2"))
	store.Open(context.Background(), 2)
	store.HandleDeleted(99)
	if store.Selection().ID != 2 {
		t.Fatalf("unrelated delete must not close the view, got %+v", store.Selection())
	}
}
