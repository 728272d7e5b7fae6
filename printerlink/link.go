// Package printerlink maintains the JSON-RPC-over-WebSocket connection to
// the printer controller: subscription, status-snapshot maintenance, and
// G-code dispatch.
package printerlink

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	reconnectInterval = 5 * time.Second
	dialTimeout       = 5 * time.Second
	requeryTimeout    = 5 * time.Second
)

// jsonRPCRequest is a client-to-server JSON-RPC 2.0 call.
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

// jsonRPCMessage covers both server responses and notifications; only the
// fields relevant to routing are typed strictly.
type jsonRPCMessage struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("printerlink: rpc error %d: %s", e.Code, e.Message)
}

// ExtruderState is the cached temperature state for one extruder.
type ExtruderState struct {
	Temperature float64
	Target      float64
	CanExtrude  bool
}

// Snapshot is the printer status view exposed to the coordinator.
type Snapshot struct {
	PrintState     string
	ActiveExtruder int
	Extruders      map[int]ExtruderState
	Sensors        map[string]bool // sensor name -> filament_detected
}

func newSnapshot() Snapshot {
	return Snapshot{
		PrintState: "unknown",
		Extruders:  make(map[int]ExtruderState),
		Sensors:    make(map[string]bool),
	}
}

// Callbacks holds the async handlers a consumer registers on a Link.
type Callbacks struct {
	OnStatus     func(raw map[string]any)
	OnDisconnect func()
	OnReconnect  func()
}

// Link is the printer-side JSON-RPC/WebSocket connection: dial, subscribe,
// maintain a merged status snapshot, and dispatch G-code.
type Link struct {
	url            string
	sensorNames    []string
	updateInterval time.Duration
	logger         *log.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	autoReconnect bool
	stop          chan struct{}

	writeMu sync.Mutex
	nextID  int64

	pendingMu sync.Mutex
	pending   map[int64]chan jsonRPCMessage

	snapMu  sync.RWMutex
	snap    Snapshot

	cb Callbacks

	reconnecting int32
}

// New creates a Link for the given Klipper WebSocket URL (e.g.
// ws://localhost:7125/websocket), the configured runout sensor names, and
// the periodic re-query interval.
func New(url string, sensorNames []string, updateInterval time.Duration, logger *log.Logger) *Link {
	if logger == nil {
		logger = log.Default()
	}
	return &Link{
		url:            url,
		sensorNames:    sensorNames,
		updateInterval: updateInterval,
		logger:         logger,
		pending:        make(map[int64]chan jsonRPCMessage),
		snap:           newSnapshot(),
	}
}

// RegisterStatusCallback attaches the callback invoked with the raw status
// delta on every notify_status_update / query response.
func (l *Link) RegisterStatusCallback(fn func(raw map[string]any)) { l.cb.OnStatus = fn }

// RegisterDisconnectCallback attaches the callback invoked when the link drops.
func (l *Link) RegisterDisconnectCallback(fn func()) { l.cb.OnDisconnect = fn }

// RegisterReconnectCallback attaches the callback invoked after a successful reconnect.
func (l *Link) RegisterReconnectCallback(fn func()) { l.cb.OnReconnect = fn }

// Connected reports whether the WebSocket is up. It turns true as soon as
// the dial succeeds, before the subscribe call, and stays true if that
// subscribe fails.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// ForceConnectedForTest overrides the connected flag without dialing.
// Exported only so external test packages can exercise connected-state
// logic (e.g. coordinator's bitmap computation) without a real websocket.
func (l *Link) ForceConnectedForTest(connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = connected
}

// Snapshot returns a copy of the current cached printer status.
func (l *Link) Snapshot() Snapshot {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	cp := Snapshot{
		PrintState:     l.snap.PrintState,
		ActiveExtruder: l.snap.ActiveExtruder,
		Extruders:      make(map[int]ExtruderState, len(l.snap.Extruders)),
		Sensors:        make(map[string]bool, len(l.snap.Sensors)),
	}
	for k, v := range l.snap.Extruders {
		cp.Extruders[k] = v
	}
	for k, v := range l.snap.Sensors {
		cp.Sensors[k] = v
	}
	return cp
}

// subscriptionObjects builds the exact object/field set subscribed and
// queried, per the fixed list: print_stats, toolhead, motion_report,
// extruder, extruder1, virtual_sdcard, pause_resume, plus one
// filament_switch_sensor object per configured sensor.
func (l *Link) subscriptionObjects() map[string]any {
	objs := map[string]any{
		"print_stats":    nil,
		"toolhead":       []string{"extruder", "position"},
		"motion_report":  []string{"live_extruder_velocity", "live_position"},
		"extruder":       []string{"can_extrude", "temperature", "target"},
		"extruder1":      []string{"can_extrude", "temperature", "target"},
		"virtual_sdcard": nil,
		"pause_resume":   nil,
	}
	for _, name := range l.sensorNames {
		objs["filament_switch_sensor "+name] = nil
	}
	return objs
}

// Connect dials the WebSocket, subscribes, and issues an identical initial
// query to populate the snapshot before returning.
func (l *Link) Connect() error {
	l.mu.Lock()
	if l.conn != nil {
		l.mu.Unlock()
		return fmt.Errorf("printerlink: already connected")
	}
	l.mu.Unlock()

	conn, err := dial(l.url)
	if err != nil {
		return fmt.Errorf("printerlink: dial %s: %w", l.url, err)
	}

	stop := make(chan struct{})
	l.mu.Lock()
	l.conn = conn
	l.stop = stop
	l.connected = true
	l.autoReconnect = true
	l.mu.Unlock()

	go l.readLoop(conn, stop)
	go l.requeryLoop(stop)

	if err := l.Resubscribe(); err != nil {
		l.logger.Printf("initial subscribe failed: %v", err)
	}

	return nil
}

// Resubscribe re-issues printer.objects.subscribe followed by an immediate
// printer.objects.query over the fixed object set, forcing a fresh status
// burst. Used on initial connect, after an automatic reconnect, and by a
// caller that wants to force a resync (e.g. after a CAN-side reconnect).
func (l *Link) Resubscribe() error {
	objects := l.subscriptionObjects()
	if _, err := l.call("printer.objects.subscribe", map[string]any{"objects": objects}); err != nil {
		return fmt.Errorf("printerlink: subscribe: %w", err)
	}
	if _, err := l.call("printer.objects.query", map[string]any{"objects": objects}); err != nil {
		return fmt.Errorf("printerlink: query: %w", err)
	}
	return nil
}

func dial(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	return conn, err
}

// Disconnect cancels the loops, closes the socket, and disables auto-reconnect.
func (l *Link) Disconnect() {
	l.mu.Lock()
	l.autoReconnect = false
	conn := l.conn
	stop := l.stop
	l.conn = nil
	l.stop = nil
	l.connected = false
	l.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		conn.Close()
	}

	l.snapMu.Lock()
	l.snap = newSnapshot()
	l.snapMu.Unlock()
}

// SendGCode dispatches a G-code line via printer.gcode.script. It returns
// once the request has been written; execution is not awaited.
func (l *Link) SendGCode(script string) error {
	_, err := l.call("printer.gcode.script", map[string]any{"script": script})
	return err
}

// Pause issues PAUSE.
func (l *Link) Pause() error { return l.SendGCode("PAUSE") }

// Resume issues RESUME.
func (l *Link) Resume() error { return l.SendGCode("RESUME") }

// Cancel issues CANCEL_PRINT.
func (l *Link) Cancel() error { return l.SendGCode("CANCEL_PRINT") }

// call sends a JSON-RPC request and blocks for its matching response.
func (l *Link) call(method string, params any) (jsonRPCMessage, error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return jsonRPCMessage{}, fmt.Errorf("printerlink: not connected")
	}

	id := atomic.AddInt64(&l.nextID, 1)
	ch := make(chan jsonRPCMessage, 1)
	l.pendingMu.Lock()
	l.pending[id] = ch
	l.pendingMu.Unlock()
	defer func() {
		l.pendingMu.Lock()
		delete(l.pending, id)
		l.pendingMu.Unlock()
	}()

	req := jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}

	l.writeMu.Lock()
	err := conn.WriteJSON(req)
	l.writeMu.Unlock()
	if err != nil {
		return jsonRPCMessage{}, fmt.Errorf("printerlink: send %s: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return msg, msg.Error
		}
		return msg, nil
	case <-time.After(requeryTimeout):
		return jsonRPCMessage{}, fmt.Errorf("printerlink: %s timed out", method)
	}
}

func (l *Link) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			l.logger.Printf("read error: %v", err)
			l.declareDown(conn)
			return
		}

		var msg jsonRPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Printf("malformed message: %v", err)
			continue
		}

		if msg.ID != nil {
			l.pendingMu.Lock()
			ch, ok := l.pending[*msg.ID]
			l.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
			if msg.Result != nil {
				if status, ok := extractStatusFromResult(msg.Result); ok {
					l.mergeStatus(status)
				}
			}
			continue
		}

		if msg.Method == "notify_status_update" {
			if status, ok := extractStatusFromParams(msg.Params); ok {
				l.mergeStatus(status)
			}
		}
	}
}

// extractStatusFromParams pulls status from a notify_status_update's
// params: [status, eventtime].
func extractStatusFromParams(raw json.RawMessage) (map[string]any, bool) {
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil || len(params) == 0 {
		return nil, false
	}
	var status map[string]any
	if err := json.Unmarshal(params[0], &status); err != nil {
		return nil, false
	}
	return status, true
}

// extractStatusFromResult pulls status from a query/subscribe response's
// result.status field.
func extractStatusFromResult(raw json.RawMessage) (map[string]any, bool) {
	var result struct {
		Status map[string]any `json:"status"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.Status == nil {
		return nil, false
	}
	return result.Status, true
}

// mergeStatus folds a partial status delta into the cached snapshot and
// forwards the unfiltered raw delta to the status callback.
func (l *Link) mergeStatus(status map[string]any) {
	l.snapMu.Lock()
	for key, val := range status {
		obj, ok := val.(map[string]any)
		if !ok {
			continue
		}
		l.applyObject(key, obj)
	}
	l.snapMu.Unlock()

	if l.cb.OnStatus != nil {
		l.cb.OnStatus(status)
	}
}

func (l *Link) applyObject(key string, obj map[string]any) {
	switch {
	case key == "print_stats":
		if state, ok := obj["state"].(string); ok {
			l.snap.PrintState = state
		}
	case key == "toolhead":
		if name, ok := obj["extruder"].(string); ok {
			l.snap.ActiveExtruder = extruderIndex(name)
		}
	case key == "extruder" || key == "extruder1":
		idx := 0
		if key == "extruder1" {
			idx = 1
		}
		state := l.snap.Extruders[idx]
		if t, ok := numberField(obj, "temperature"); ok {
			state.Temperature = t
		}
		if t, ok := numberField(obj, "target"); ok {
			state.Target = t
		}
		if b, ok := obj["can_extrude"].(bool); ok {
			state.CanExtrude = b
		}
		l.snap.Extruders[idx] = state
	case strings.HasPrefix(key, "filament_switch_sensor "):
		name := strings.TrimPrefix(key, "filament_switch_sensor ")
		if detected, ok := obj["filament_detected"].(bool); ok {
			l.snap.Sensors[name] = detected
		}
	}
}

func numberField(obj map[string]any, key string) (float64, bool) {
	v, ok := obj[key].(float64)
	return v, ok
}

// extruderIndex parses Klipper's active-extruder name ("extruder",
// "extruder1", ...) into its numeric index.
func extruderIndex(name string) int {
	if name == "extruder" {
		return 0
	}
	suffix := strings.TrimPrefix(name, "extruder")
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return 0
	}
	return n
}

func (l *Link) requeryLoop(stop chan struct{}) {
	ticker := time.NewTicker(l.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			objects := l.subscriptionObjects()
			if _, err := l.call("printer.objects.query", map[string]any{"objects": objects}); err != nil {
				l.logger.Printf("periodic requery failed: %v", err)
			}
		}
	}
}

func (l *Link) declareDown(conn *websocket.Conn) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.stop = nil
	l.connected = false
	auto := l.autoReconnect
	l.mu.Unlock()

	conn.Close()

	l.snapMu.Lock()
	l.snap = newSnapshot()
	l.snapMu.Unlock()

	l.pendingMu.Lock()
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
	l.pendingMu.Unlock()

	if l.cb.OnDisconnect != nil {
		l.cb.OnDisconnect()
	}

	if !auto {
		return
	}
	l.startReconnect()
}

func (l *Link) startReconnect() {
	if !atomic.CompareAndSwapInt32(&l.reconnecting, 0, 1) {
		return
	}

	go func() {
		defer atomic.StoreInt32(&l.reconnecting, 0)
		l.logger.Printf("printer link down, reconnecting to %s...", l.url)

		for {
			l.mu.Lock()
			auto := l.autoReconnect
			l.mu.Unlock()
			if !auto {
				return
			}

			conn, err := dial(l.url)
			if err == nil {
				stop := make(chan struct{})
				l.mu.Lock()
				l.conn = conn
				l.stop = stop
				l.connected = true
				l.mu.Unlock()

				l.logger.Printf("printer link reconnected")
				go l.readLoop(conn, stop)
				go l.requeryLoop(stop)

				if err := l.Resubscribe(); err != nil {
					l.logger.Printf("post-reconnect resubscribe failed: %v", err)
				}
				if l.cb.OnReconnect != nil {
					l.cb.OnReconnect()
				}
				return
			}

			l.logger.Printf("reconnect attempt failed: %v", err)
			time.Sleep(reconnectInterval)
		}
	}()
}
