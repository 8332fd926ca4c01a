package dashsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/agentworkforce/dashsync/internal/api"
)

// Gateway is the full REST surface the session drives. *api.Client is
// the production implementation.
type Gateway interface {
	List(ctx context.Context, status api.Status, skip, limit int) ([]api.RequestSummary, error)
	GetDetail(ctx context.Context, id int) (api.AnalysisRequest, error)
	Create(ctx context.Context, in api.CreateInput) (api.AnalysisRequest, error)
	Retry(ctx context.Context, id int) (api.AnalysisRequest, error)
	Regenerate(ctx context.Context, id int) (api.AnalysisRequest, error)
	Delete(ctx context.Context, id int) error
	Batch(ctx context.Context, action api.BatchAction, ids []int) (api.BatchResult, error)
}

// Options configures a session. APIBaseURL and PushBaseURL are the only
// required fields; everything else has a working default.
type Options struct {
	APIBaseURL  string `validate:"required,url"`
	PushBaseURL string `validate:"required"`
	Admin       bool
	Token       string `validate:"required_if=Admin true"`

	RequestTimeout       time.Duration `validate:"min=0"`
	BatchTimeout         time.Duration `validate:"min=0"`
	MaxReconnectAttempts int           `validate:"min=0,max=20"`
	ReconnectBaseDelay   time.Duration `validate:"min=0"`
	PageLimit            int           `validate:"min=0,max=500"`

	// Gateway and Dial override the production REST client and
	// websocket dialer; tests inject fakes here.
	Gateway Gateway
	Dial    DialFunc

	OnRowsChange      func()
	OnSelectionChange func(Selection)
	OnConnStateChange func(ConnState)
	OnNotice          func(string)
	OnAuthFailure     func()
	Logger            *slog.Logger
}

// Session owns one dashboard's synchronized state: the request
// collection, the detail view, and the push connection that keeps both
// current. All server state flows in through the gateway or the push
// channel; the session itself never invents rows.
type Session struct {
	gateway     Gateway
	channel     *Channel
	reconnector *Reconnector
	collection  *Collection
	detail      *DetailStore
	logger      *slog.Logger
	onNotice    func(string)
	unsubscribe func()

	mu         sync.Mutex
	started    bool
	connects   int
	listStatus api.Status
	pageLimit  int
}

// NewSession validates opts and builds the session. The push connection
// is not opened until Start.
func NewSession(opts Options) (*Session, error) {
	if err := validator.New().Struct(opts); err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pageLimit := opts.PageLimit
	if pageLimit == 0 {
		pageLimit = 100
	}

	gateway := opts.Gateway
	if gateway == nil {
		gateway = api.NewClient(api.ClientOptions{
			BaseURL:       opts.APIBaseURL,
			Admin:         opts.Admin,
			Token:         opts.Token,
			Timeout:       opts.RequestTimeout,
			BatchTimeout:  opts.BatchTimeout,
			OnAuthFailure: opts.OnAuthFailure,
			Logger:        logger,
		})
	}

	channel := NewChannel(ChannelOptions{
		URL:    opts.PushBaseURL,
		Dial:   opts.Dial,
		Logger: logger,
	})
	reconnector := NewReconnector(channel, ReconnectorOptions{
		MaxAttempts:   opts.MaxReconnectAttempts,
		BaseDelay:     opts.ReconnectBaseDelay,
		OnStateChange: opts.OnConnStateChange,
		Logger:        logger,
	})

	s := &Session{
		gateway:     gateway,
		channel:     channel,
		reconnector: reconnector,
		logger:      logger,
		onNotice:    opts.OnNotice,
		pageLimit:   pageLimit,
	}
	s.collection = NewCollection(gateway, opts.OnRowsChange)
	s.detail = NewDetailStore(DetailStoreOptions{
		Gateway:  gateway,
		OnChange: opts.OnSelectionChange,
		OnNotice: opts.OnNotice,
		Logger:   logger,
	})
	s.unsubscribe = channel.On(s.handleEvent)
	return s, nil
}

// Start performs the initial authoritative load and opens the push
// connection.
func (s *Session) Start(ctx context.Context) error {
	if err := s.collection.Load(ctx, "", 0, s.pageLimit); err != nil {
		return err
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.reconnector.Connect(ctx)
	return nil
}

// Close shuts down the push connection and waits for background
// refetches to drain.
func (s *Session) Close() {
	s.unsubscribe()
	s.reconnector.Close()
	s.detail.AwaitIdle()
}

// Rows returns the current request list in display order.
func (s *Session) Rows() []api.RequestSummary {
	return s.collection.Rows()
}

// Selection returns the current detail view state.
func (s *Session) Selection() Selection {
	return s.detail.Selection()
}

// ConnState returns the push connection lifecycle state.
func (s *Session) ConnState() ConnState {
	return s.reconnector.State()
}

// Reconnect clears a failed connection state and dials again.
func (s *Session) Reconnect(ctx context.Context) {
	s.reconnector.Connect(ctx)
}

// SetFilter reloads the collection with a server-side status filter. An
// empty status clears the filter.
func (s *Session) SetFilter(ctx context.Context, status api.Status) error {
	s.mu.Lock()
	s.listStatus = status
	limit := s.pageLimit
	s.mu.Unlock()
	return s.collection.Load(ctx, status, 0, limit)
}

// OpenDetail selects a request for the detail view.
func (s *Session) OpenDetail(ctx context.Context, id int) {
	s.detail.Open(ctx, id)
}

// CloseDetail deselects the detail view.
func (s *Session) CloseDetail() {
	s.detail.Close()
}

// Create submits a new analysis request. The response row is applied
// immediately; the matching request_created push event is an idempotent
// duplicate.
func (s *Session) Create(ctx context.Context, in api.CreateInput) (api.AnalysisRequest, error) {
	created, err := s.gateway.Create(ctx, in)
	if err != nil {
		return api.AnalysisRequest{}, err
	}
	s.collection.ApplyCreated(created.RequestSummary)
	return created, nil
}

// Delete removes a request.
func (s *Session) Delete(ctx context.Context, id int) error {
	if err := s.gateway.Delete(ctx, id); err != nil {
		return err
	}
	s.collection.ApplyDeleted(id)
	s.detail.HandleDeleted(id)
	return nil
}

// Retry resets a failed request to Queued. The server mutates the row
// in place, so the response flows through the update path.
func (s *Session) Retry(ctx context.Context, id int) error {
	updated, err := s.gateway.Retry(ctx, id)
	if err != nil {
		return err
	}
	s.collection.ApplyUpdated(api.PatchFromSummary(updated.RequestSummary))
	s.detail.HandleUpdated(api.PatchFromSummary(updated.RequestSummary))
	return nil
}

// Regenerate creates a new request based on an existing one.
func (s *Session) Regenerate(ctx context.Context, id int) (api.AnalysisRequest, error) {
	created, err := s.gateway.Regenerate(ctx, id)
	if err != nil {
		return api.AnalysisRequest{}, err
	}
	s.collection.ApplyCreated(created.RequestSummary)
	return created, nil
}

// Batch applies delete or retry to a set of ids and folds the per-id
// outcome into the stores. Partial failure is reported, not treated as
// an error.
func (s *Session) Batch(ctx context.Context, action api.BatchAction, ids []int) (api.BatchResult, error) {
	result, err := s.gateway.Batch(ctx, action, ids)
	if err != nil {
		return api.BatchResult{}, err
	}
	switch action {
	case api.BatchDelete:
		for _, id := range result.Success {
			s.collection.ApplyDeleted(id)
			s.detail.HandleDeleted(id)
		}
	case api.BatchRetry:
		queued := api.StatusQueued
		for _, id := range result.Success {
			s.collection.ApplyUpdated(api.SummaryPatch{ID: id, Status: &queued})
		}
	}
	if len(result.Failed) > 0 && s.onNotice != nil {
		s.onNotice(fmt.Sprintf("%d of %d requests could not be processed", len(result.Failed), len(ids)))
	}
	return result, nil
}

func (s *Session) handleEvent(ev Event) {
	switch ev.Type {
	case EventConnectionEstablished:
		s.reloadAfterReconnect()
	case EventRequestCreated:
		var row api.RequestSummary
		if err := json.Unmarshal(ev.Payload, &row); err != nil || row.ID == 0 {
			s.logger.Warn("dropping request_created event", "error", err)
			return
		}
		s.collection.ApplyCreated(row)
	case EventRequestUpdated, EventStatusUpdate:
		var patch api.SummaryPatch
		if err := json.Unmarshal(ev.Payload, &patch); err != nil || patch.ID == 0 {
			s.logger.Debug("dropping update event without id", "error", err)
			return
		}
		s.collection.ApplyUpdated(patch)
		s.detail.HandleUpdated(patch)
	case EventRequestDeleted:
		var payload struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.ID == 0 {
			s.logger.Warn("dropping request_deleted event", "error", err)
			return
		}
		s.collection.ApplyDeleted(payload.ID)
		s.detail.HandleDeleted(payload.ID)
	case EventError:
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(ev.Payload, &payload)
		s.logger.Warn("push channel error event", "message", payload.Message)
	}
}

// reloadAfterReconnect refreshes the collection after the connection
// comes back: deltas pushed while the channel was down are gone for
// good, only a full load recovers them. The first establish is skipped
// because Start already loaded.
func (s *Session) reloadAfterReconnect() {
	s.mu.Lock()
	s.connects++
	reload := s.started && s.connects > 1
	status := s.listStatus
	limit := s.pageLimit
	s.mu.Unlock()
	if !reload {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.collection.Load(ctx, status, 0, limit); err != nil {
			s.logger.Warn("post-reconnect reload failed", "error", err)
			if s.onNotice != nil {
				s.onNotice("Could not refresh the request list after reconnecting")
			}
		}
	}()
}
