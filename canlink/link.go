package canlink

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	handshakeTimeout  = 5 * time.Second
	heartbeatPeriod   = 3 * time.Second
	heartbeatTimeout  = 2 * time.Second
	reconnectInterval = 5 * time.Second
	sendRetries       = 3
	sendRetryInterval = 50 * time.Millisecond
	socketPollTimeout = 500 * time.Millisecond
)

// ErrNotConnected is returned by Send before handshake or after fatal link loss.
var ErrNotConnected = errors.New("canlink: not connected")

// ErrHandshakeTimeout is returned when no handshake response arrives in time.
var ErrHandshakeTimeout = errors.New("canlink: handshake timed out")

// ErrHandshakeMismatch is returned when the cabinet's handshake response is malformed.
var ErrHandshakeMismatch = errors.New("canlink: handshake response mismatch")

// Callbacks holds the async handlers a consumer registers on a Link.
// OnReconnect is invoked from the reconnect goroutine; the others are
// invoked from the receive loop in frame-arrival order.
type Callbacks struct {
	OnStatus        func(StatusEvent)
	OnFilamentQuery func()
	OnMappingSet    func(left, right byte)
	OnRFID          func(raw [8]byte)
	OnReconnect     func()
}

// Link is the CAN bus connection to the filament-feeder cabinet: handshake,
// framing, heartbeat supervision, and transparent reconnect.
type Link struct {
	iface   string
	bitrate int
	logger  *log.Logger

	mu            sync.Mutex
	sock          *socket
	connected     bool
	autoReconnect bool

	writeMu sync.Mutex

	hbMu  sync.Mutex
	hbAck chan struct{}

	stop chan struct{}

	reconnecting int32

	cb Callbacks
}

// New creates a Link for the given SocketCAN interface and nominal bitrate.
// bitrate is informational here: SocketCAN interfaces are brought up and
// bitrate-configured by the host (e.g. via `ip link set can1 type can
// bitrate 1000000`) before this process runs.
func New(iface string, bitrate int, logger *log.Logger) *Link {
	if logger == nil {
		logger = log.Default()
	}
	return &Link{
		iface:   iface,
		bitrate: bitrate,
		logger:  logger,
		hbAck:   make(chan struct{}, 1),
	}
}

// RegisterStatus attaches the async callback for unclassified cabinet commands.
func (l *Link) RegisterStatus(fn func(StatusEvent)) { l.cb.OnStatus = fn }

// RegisterFilamentQuery attaches the callback for QUERY_FILAMENT_STATUS.
func (l *Link) RegisterFilamentQuery(fn func()) { l.cb.OnFilamentQuery = fn }

// RegisterMappingSet attaches the callback for accepted SET_FEEDER_MAPPING frames.
func (l *Link) RegisterMappingSet(fn func(left, right byte)) { l.cb.OnMappingSet = fn }

// RegisterRFID attaches the callback that receives raw RFID command frames.
func (l *Link) RegisterRFID(fn func(raw [8]byte)) { l.cb.OnRFID = fn }

// RegisterReconnect attaches the callback invoked after a successful reconnect.
func (l *Link) RegisterReconnect(fn func()) { l.cb.OnReconnect = fn }

// Connected reports whether the handshake has completed and the link is up.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Connect opens the CAN socket, performs the handshake, and starts the
// receive and heartbeat loops. It does not retry; callers that want
// transparent reconnect-on-failure should rely on the automatic reconnect
// driver that engages once an initial Connect has succeeded.
func (l *Link) Connect() error {
	l.mu.Lock()
	if l.sock != nil {
		l.mu.Unlock()
		return fmt.Errorf("canlink: already connected")
	}
	l.mu.Unlock()

	sock, err := openSocket(l.iface)
	if err != nil {
		return fmt.Errorf("canlink: open %s: %w", l.iface, err)
	}
	if err := sock.setReadTimeout(socketPollTimeout); err != nil {
		sock.close()
		return fmt.Errorf("canlink: set read timeout: %w", err)
	}

	if err := l.handshake(sock); err != nil {
		sock.close()
		return err
	}

	stop := make(chan struct{})
	l.mu.Lock()
	l.sock = sock
	l.stop = stop
	l.connected = true
	l.autoReconnect = true
	l.mu.Unlock()

	l.logger.Printf("handshake ok on %s", l.iface)
	go l.receiveLoop(sock, stop)
	go l.heartbeatLoop(sock, stop)

	return nil
}

// Disconnect cancels the loops, closes the socket, and disables auto-reconnect.
func (l *Link) Disconnect() {
	l.mu.Lock()
	l.autoReconnect = false
	sock := l.sock
	stop := l.stop
	l.sock = nil
	l.stop = nil
	l.connected = false
	l.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if sock != nil {
		sock.close()
	}
}

func (l *Link) handshake(sock *socket) error {
	if err := sock.writeFrame(HandshakeRequest()); err != nil {
		return fmt.Errorf("canlink: handshake send: %w", err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	for time.Now().Before(deadline) {
		f, err := sock.readFrame()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("canlink: handshake read: %w", err)
		}
		if f.ID != IDHandshakeRX {
			continue
		}
		if IsHandshakeAck(f.Data[:]) {
			return nil
		}
		return ErrHandshakeMismatch
	}
	return ErrHandshakeTimeout
}

// Send transmits frame f, retrying transient write
// failures. It fails with ErrNotConnected before handshake or after fatal
// link loss.
func (l *Link) Send(f Frame) error {
	l.mu.Lock()
	connected := l.connected
	sock := l.sock
	l.mu.Unlock()

	if !connected || sock == nil {
		return ErrNotConnected
	}
	return l.sendWithRetry(sock, f)
}

func (l *Link) sendWithRetry(sock *socket, f Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var lastErr error
	for attempt := 0; attempt < sendRetries; attempt++ {
		err := sock.writeFrame(f)
		if err == nil {
			return nil
		}
		lastErr = err
		if isFatalLinkError(err) {
			l.declareDown(sock)
			return lastErr
		}
		if attempt < sendRetries-1 {
			time.Sleep(sendRetryInterval)
		}
	}
	return lastErr
}

func isFatalLinkError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such device") || strings.Contains(msg, "network is down")
}

func (l *Link) receiveLoop(sock *socket, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		f, err := sock.readFrame()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			l.logger.Printf("read error: %v", err)
			l.declareDown(sock)
			return
		}

		if f.ID != IDCabinetToPrinter {
			continue
		}
		l.handleFrame(f)
	}
}

func (l *Link) handleFrame(f Frame) {
	cmd := Command(f.Data[0])

	if f.Data[0] == 0x05 {
		select {
		case l.hbAck <- struct{}{}:
		default:
		}
	}

	switch {
	case cmd == CmdQueryFilamentStatus:
		if l.cb.OnFilamentQuery != nil {
			l.cb.OnFilamentQuery()
		}
	case cmd == CmdSetFeederMapping:
		if ev, ok := classifyFeederMapping(f.Data); ok {
			if l.cb.OnMappingSet != nil {
				l.cb.OnMappingSet(ev.Left, ev.Right)
			}
		}
	case IsRFIDCommand(cmd):
		if l.cb.OnRFID != nil {
			l.cb.OnRFID(f.Data)
		}
	default:
		ev := StatusEvent{
			Command:  cmd,
			Status:   f.Data[0],
			Progress: f.Data[1],
			ErrCode:  f.Data[2],
			Raw:      f.Data,
		}
		if l.cb.OnStatus != nil {
			l.cb.OnStatus(ev)
		}
	}
}

func (l *Link) heartbeatLoop(sock *socket, stop chan struct{}) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-l.hbAck:
			default:
			}

			err := l.sendWithRetry(sock, Heartbeat())
			acked := false
			if err == nil {
				acked = l.waitHeartbeatAck(heartbeatTimeout, stop)
			}

			if err != nil || !acked {
				misses++
				l.logger.Printf("heartbeat miss %d/2", misses)
				if misses >= 2 {
					l.logger.Printf("two consecutive heartbeat misses, link down")
					l.declareDown(sock)
					return
				}
			} else {
				misses = 0
			}
		}
	}
}

func (l *Link) waitHeartbeatAck(timeout time.Duration, stop chan struct{}) bool {
	select {
	case <-l.hbAck:
		return true
	case <-time.After(timeout):
		return false
	case <-stop:
		return false
	}
}

// declareDown tears down the current connection and, if auto-reconnect is
// still enabled, kicks off the reconnect driver. Guarded so only one
// reconnect sequence is ever in flight.
func (l *Link) declareDown(sock *socket) {
	l.mu.Lock()
	if l.sock != sock {
		// Already superseded by a newer connection generation.
		l.mu.Unlock()
		return
	}
	l.sock = nil
	l.stop = nil
	l.connected = false
	auto := l.autoReconnect
	l.mu.Unlock()

	sock.close()

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
		l.logger.Printf("CAN link down, reconnecting to %s...", l.iface)

		for {
			l.mu.Lock()
			auto := l.autoReconnect
			l.mu.Unlock()
			if !auto {
				return
			}

			sock, err := openSocket(l.iface)
			if err == nil {
				if err = sock.setReadTimeout(socketPollTimeout); err == nil {
					if err = l.handshake(sock); err == nil {
						stop := make(chan struct{})
						l.mu.Lock()
						l.sock = sock
						l.stop = stop
						l.connected = true
						l.mu.Unlock()

						l.logger.Printf("CAN link reconnected")
						go l.receiveLoop(sock, stop)
						go l.heartbeatLoop(sock, stop)
						if l.cb.OnReconnect != nil {
							l.cb.OnReconnect()
						}
						return
					}
				}
				sock.close()
			}

			l.logger.Printf("reconnect attempt failed: %v", err)
			time.Sleep(reconnectInterval)
		}
	}()
}
