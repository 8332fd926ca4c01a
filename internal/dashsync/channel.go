package dashsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"
)

// EventType names a push frame delivered over the channel, plus the two
// synthetic connection events the channel emits itself.
type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventConnectionLost        EventType = "connection_lost"
	EventError                 EventType = "error"
	EventRequestCreated        EventType = "request_created"
	EventRequestUpdated        EventType = "request_updated"
	EventRequestDeleted        EventType = "request_deleted"
	EventStatusUpdate          EventType = "status_update"
)

// Event is one delivery to a channel subscriber. Payload is the raw frame
// payload for server-originated events and nil for synthetic ones.
// Unexpected is set on connection_lost when the close was not requested
// locally, which is what arms the reconnection controller.
type Event struct {
	Type       EventType
	Payload    json.RawMessage
	Err        error
	Unexpected bool
}

// Conn is the minimal connection surface the channel needs. The nhooyr
// adapter is the production implementation; tests script their own.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// DialFunc opens a connection to the push endpoint.
type DialFunc func(ctx context.Context, url string) (Conn, error)

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "client shutdown")
}

func dialWebsocket(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(1 << 20)
	return &wsConn{c: c}, nil
}

// frameSchema gates every inbound typed frame before dispatch. A frame
// that fails validation is logged and dropped; it never reaches
// subscribers or crashes the read loop.
const frameSchema = `{
	"type": "object",
	"required": ["type", "payload"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"payload": {"type": "object"}
	}
}`

func mustCompileFrameSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(frameSchema)))
	if err != nil {
		panic(fmt.Sprintf("dashsync: frame schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("frame.json", doc); err != nil {
		panic(fmt.Sprintf("dashsync: frame schema: %v", err))
	}
	return compiler.MustCompile("frame.json")
}

type channelState int

const (
	channelClosed channelState = iota
	channelOpening
	channelOpen
)

// ChannelOptions configures a push channel.
type ChannelOptions struct {
	// URL is the push endpoint base, e.g. ws://127.0.0.1:8000. The
	// channel appends the status path and a fresh client id per dial.
	URL    string
	Dial   DialFunc
	Logger *slog.Logger
}

// Channel is the push transport. It owns at most one connection, parses
// and validates inbound frames, and fans events out to subscribers.
// Malformed input is contained here: subscribers only ever see
// well-formed events.
type Channel struct {
	url    string
	dial   DialFunc
	logger *slog.Logger
	schema *jsonschema.Schema

	mu          sync.Mutex
	state       channelState
	conn        Conn
	intentional bool
	cancelRead  context.CancelFunc
	subs        map[int]func(Event)
	nextSub     int
}

func NewChannel(opts ChannelOptions) *Channel {
	dial := opts.Dial
	if dial == nil {
		dial = dialWebsocket
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		url:    opts.URL,
		dial:   dial,
		logger: logger,
		schema: mustCompileFrameSchema(),
		subs:   make(map[int]func(Event)),
	}
}

// On registers a subscriber and returns its unsubscribe func. Events are
// delivered synchronously in read-loop order.
func (c *Channel) On(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Connect dials the push endpoint and starts the read loop. Calling it
// while a connection is open or opening is a no-op, so callers may
// retrigger it freely.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != channelClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = channelOpening
	c.intentional = false
	url := fmt.Sprintf("%s/ws/status/%s", c.url, uuid.NewString())
	c.mu.Unlock()

	conn, err := c.dial(ctx, url)
	if err != nil {
		c.mu.Lock()
		c.state = channelClosed
		c.mu.Unlock()
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.intentional {
		// Disconnect raced the dial; drop the fresh connection.
		c.state = channelClosed
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return nil
	}
	c.state = channelOpen
	c.conn = conn
	c.cancelRead = cancel
	c.mu.Unlock()

	c.emit(Event{Type: EventConnectionEstablished})
	go c.readLoop(readCtx, conn)
	return nil
}

// Disconnect closes the connection without arming reconnection. It is
// safe to call when already closed.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	conn := c.conn
	cancel := c.cancelRead
	c.conn = nil
	c.cancelRead = nil
	if c.state == channelOpen {
		c.state = channelClosed
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Send writes one frame when the channel is open. When it is not, the
// frame is logged and dropped: there is no outbound queue, the REST
// gateway is the reliable path.
func (c *Channel) Send(ctx context.Context, frame any) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == channelOpen
	c.mu.Unlock()
	if !open || conn == nil {
		c.logger.Debug("push channel closed, dropping outbound frame")
		return nil
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			unexpected := !c.intentional && c.conn == conn
			if c.conn == conn {
				c.conn = nil
				c.cancelRead = nil
				c.state = channelClosed
			}
			c.mu.Unlock()
			c.emit(Event{Type: EventConnectionLost, Err: err, Unexpected: unexpected})
			return
		}
		c.dispatch(data)
	}
}

// dispatch parses and validates one inbound frame. Anything malformed is
// logged and dropped; the loop keeps reading.
func (c *Channel) dispatch(data []byte) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		c.logger.Warn("dropping unparseable push frame", "error", err)
		return
	}

	if err := c.schema.Validate(doc); err == nil {
		var frame struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping undecodable push frame", "error", err)
			return
		}
		// Connection lifecycle events are synthesized locally; a server
		// echo of them must not double-signal the reconnect logic.
		switch EventType(frame.Type) {
		case EventConnectionEstablished, EventConnectionLost:
			c.logger.Debug("ignoring server connection frame", "type", frame.Type)
			return
		}
		c.emit(Event{Type: EventType(frame.Type), Payload: frame.Payload})
		return
	}

	c.dispatchLegacy(data)
}

// dispatchLegacy handles flat frames from before the typed envelope:
// {"request_id": N, ...} becomes request_updated, everything else a
// status_update carrying the whole frame as payload.
func (c *Channel) dispatchLegacy(data []byte) {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		c.logger.Warn("dropping malformed push frame", "error", err)
		return
	}
	if requestID, ok := flat["request_id"]; ok {
		flat["id"] = requestID
		delete(flat, "request_id")
		payload, err := json.Marshal(flat)
		if err != nil {
			c.logger.Warn("dropping legacy push frame", "error", err)
			return
		}
		c.emit(Event{Type: EventRequestUpdated, Payload: payload})
		return
	}
	c.emit(Event{Type: EventStatusUpdate, Payload: data})
}

func (c *Channel) emit(ev Event) {
	c.mu.Lock()
	subs := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
