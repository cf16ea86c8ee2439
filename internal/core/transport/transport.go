// Package transport drives the persistent relay connection for one client:
// connect, register, send, receive, reconnect with exponential backoff, and
// a pending-request table for request/response calls. Connectivity failures
// are reported through the state machine, never as errors from Send; the one
// exception is Request, whose timeout is an explicit error.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/anchorsync/anchorsync/internal/core/observability/log"
	"github.com/anchorsync/anchorsync/internal/core/protocol"
)

// Config holds transport configuration.
type Config struct {
	Endpoint  string
	UserID    string
	SessionID string
	Region    string

	ConnectTimeout       time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	RequestTimeout       time.Duration
}

// DefaultConfig returns default transport configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       10 * time.Second,
		ReconnectBaseDelay:   500 * time.Millisecond,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 8,
		RequestTimeout:       10 * time.Second,
	}
}

// SendResult reports whether a message actually went out on the wire.
// Queued means the transport was not registered and the message was dropped
// from the wire; the local operation that produced it still succeeded.
type SendResult struct {
	Queued bool
}

// Transport manages the connection lifecycle and message framing.
type Transport struct {
	mu             sync.Mutex
	state          State
	attempt        int
	reconnectTimer *time.Timer
	disposed       bool

	channel Channel
	config  Config
	logger  log.Log

	pending sync.Map // requestID -> *pendingRequest

	handler protocol.Handler
	onState func(State)
	onFatal func()
}

func New(channel Channel, config Config, logger log.Log) *Transport {
	t := &Transport{
		state:   StateDisconnected,
		channel: channel,
		config:  config,
		logger:  logger.With(log.String("component", "transport")),
	}
	channel.OnMessage(t.handleFrame)
	channel.OnClose(t.handleClose)
	return t
}

// SetHandler installs the dispatcher callbacks for inbound messages.
// Responses to pending requests are intercepted before dispatch.
func (t *Transport) SetHandler(handler protocol.Handler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// OnStateChange installs a callback invoked on every state transition.
func (t *Transport) OnStateChange(fn func(State)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

// OnFatal installs a callback invoked once when the reconnect budget is
// exhausted.
func (t *Transport) OnFatal(fn func()) {
	t.mu.Lock()
	t.onFatal = fn
	t.mu.Unlock()
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Registered reports whether messages currently go out on the wire.
func (t *Transport) Registered() bool {
	return t.State() == StateRegistered
}

// Connect opens the channel and registers the session. Calling Connect
// explicitly also recovers a transport in the closed-permanently state and
// resets the reconnect budget.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	if t.state == StateRegistered || t.state == StateConnecting {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.attempt = 0
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	return t.open(ctx)
}

func (t *Transport) open(ctx context.Context) error {
	openCtx, cancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
	defer cancel()

	if err := t.channel.Open(openCtx, t.config.Endpoint); err != nil {
		t.logger.Warn("Channel open failed",
			log.String("endpoint", t.config.Endpoint),
			log.Error(err))
		t.mu.Lock()
		t.setStateLocked(StateDisconnected)
		t.scheduleReconnectLocked()
		t.mu.Unlock()
		return err
	}

	return t.register()
}

func (t *Transport) register() error {
	msg := protocol.Register{
		Type:      protocol.TypeRegister,
		UserID:    t.config.UserID,
		SessionID: t.config.SessionID,
		Region:    t.config.Region,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := protocol.Marshal(msg)
	if err == nil {
		err = t.channel.Send(data)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return ErrDisposed
	}
	if err != nil {
		t.logger.Warn("Registration failed", log.Error(err))
		t.setStateLocked(StateDegraded)
		return err
	}
	t.attempt = 0
	t.setStateLocked(StateRegistered)
	t.logger.Info("Session registered",
		log.String("region", t.config.Region),
		log.String("session_id", t.config.SessionID))
	return nil
}

// Send serializes and transmits a message when registered. In any other
// state the message is dropped from the wire and the result reports queued;
// callers that rely on delivery use Request instead.
func (t *Transport) Send(msg any) (SendResult, error) {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return SendResult{Queued: true}, ErrDisposed
	}
	registered := t.state == StateRegistered
	t.mu.Unlock()

	if !registered {
		return SendResult{Queued: true}, nil
	}

	data, err := protocol.Marshal(msg)
	if err != nil {
		return SendResult{}, err
	}
	if err = t.channel.Send(data); err != nil {
		// A failed write is a connectivity event; the close callback will
		// move the state machine, not this return value.
		t.logger.Warn("Wire send failed", log.Error(err))
		return SendResult{Queued: true}, nil
	}
	return SendResult{}, nil
}

// Request sends a message carrying requestID and blocks until the matching
// response, the timeout, or context cancellation. Exactly one resolution
// wins; duplicate and late responses are ignored.
func (t *Transport) Request(ctx context.Context, requestID string, msg any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = t.config.RequestTimeout
	}

	p := newPendingRequest(requestID)
	if _, loaded := t.pending.LoadOrStore(requestID, p); loaded {
		return nil, ErrDuplicateRequest
	}
	defer t.pending.Delete(requestID)

	if _, err := t.Send(msg); err != nil {
		p.fail(err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.result:
		return out.payload, out.err
	case <-timer.C:
		if p.claim() {
			t.logger.Debug("Request timed out",
				log.String("request_id", requestID),
				log.Duration("timeout", timeout))
			return nil, ErrTimeout
		}
		// A response claimed the entry just as the timer fired.
		out := <-p.result
		return out.payload, out.err
	case <-ctx.Done():
		if p.claim() {
			return nil, ctx.Err()
		}
		out := <-p.result
		return out.payload, out.err
	}
}

// handleFrame routes one inbound frame. Responses resolve pending requests;
// everything else goes through the typed dispatcher. Malformed frames are
// dropped and logged, never allowed to crash the handler loop.
func (t *Transport) handleFrame(data []byte) {
	msgType, err := protocol.PeekType(data)
	if err != nil {
		t.logger.Warn("Dropping malformed frame", log.Error(err))
		return
	}

	if msgType == protocol.TypeAnchorsResponse {
		var resp protocol.AnchorsResponse
		if err = json.Unmarshal(data, &resp); err != nil {
			t.logger.Warn("Dropping malformed response frame", log.Error(err))
			return
		}
		if value, ok := t.pending.Load(resp.RequestID); ok {
			if value.(*pendingRequest).resolve(json.RawMessage(data)) {
				return
			}
		}
		t.logger.Debug("Ignoring response without pending request",
			log.String("request_id", resp.RequestID))
		return
	}

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()

	if err = protocol.Dispatch(handler, data); err != nil {
		t.logger.Warn("Dropping frame",
			log.String("type", string(msgType)),
			log.Error(err))
	}
}

// handleClose reacts to unexpected channel closure by scheduling a reconnect.
func (t *Transport) handleClose(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed || t.state == StateClosedPermanently || t.state == StateDisconnected {
		return
	}

	if err != nil {
		t.logger.Warn("Connection lost", log.Error(err))
	} else {
		t.logger.Info("Connection closed")
	}
	t.setStateLocked(StateDisconnected)
	t.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the backoff timer. Delay doubles per attempt
// up to the configured maximum; past the attempt budget the transport goes
// closed-permanently and surfaces the fatal notification.
func (t *Transport) scheduleReconnectLocked() {
	t.attempt++
	if t.attempt > t.config.MaxReconnectAttempts {
		t.logger.Error("Reconnect attempts exhausted",
			log.Int("attempts", t.config.MaxReconnectAttempts))
		t.setStateLocked(StateClosedPermanently)
		if t.onFatal != nil {
			go t.onFatal()
		}
		return
	}

	delay := t.config.ReconnectBaseDelay << (t.attempt - 1)
	if delay > t.config.ReconnectMaxDelay || delay <= 0 {
		delay = t.config.ReconnectMaxDelay
	}

	t.logger.Info("Scheduling reconnect",
		log.Int("attempt", t.attempt),
		log.Duration("delay", delay))

	t.reconnectTimer = time.AfterFunc(delay, t.reconnect)
}

func (t *Transport) reconnect() {
	t.mu.Lock()
	if t.disposed || t.state == StateClosedPermanently {
		t.mu.Unlock()
		return
	}
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	_ = t.open(context.Background())
}

func (t *Transport) setStateLocked(state State) {
	if t.state == state {
		return
	}
	t.state = state
	if t.onState != nil {
		go t.onState(state)
	}
}

// Dispose cancels the reconnect timer, fails all pending requests and closes
// the channel. A disposed transport never fires another timer.
func (t *Transport) Dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.state = StateDisconnected
	t.mu.Unlock()

	t.pending.Range(func(key, value any) bool {
		value.(*pendingRequest).fail(ErrDisposed)
		t.pending.Delete(key)
		return true
	})

	_ = t.channel.Close()
	t.logger.Info("Transport disposed")
}
