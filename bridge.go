package authstate

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultBridgeBuffer = 8

// Notification is the process-wide broadcast emitted on every material
// transition. Components that never register with the manager consume
// these through Bridge.Listen.
type Notification struct {
	State      State
	OccurredAt time.Time
}

// LoginSignal mirrors the legacy login announcement older call sites
// emit after authenticating outside the manager.
type LoginSignal struct {
	Email string
	Name  string
	User  *User
}

// signalHandler folds inbound legacy signals into the state machine.
// The manager implements it when a bridge is attached.
type signalHandler interface {
	handleExternalLogin(signal LoginSignal)
	handleExternalLogout()
}

// BridgeOption customizes bridge construction.
type BridgeOption func(*Bridge)

// WithBridgeLogger overrides the logger used for dropped notifications.
func WithBridgeLogger(logger Logger) BridgeOption {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBridgeBuffer sets the per-listener channel buffer.
func WithBridgeBuffer(size int) BridgeOption {
	return func(b *Bridge) {
		if size > 0 {
			b.buffer = size
		}
	}
}

// Bridge rebroadcasts manager transitions to the whole process and
// accepts the two legacy signals so older call sites and the manager
// never disagree about the current state.
type Bridge struct {
	mu        sync.Mutex
	listeners map[uuid.UUID]chan Notification
	buffer    int
	logger    Logger
	handler   signalHandler
}

func NewBridge(opts ...BridgeOption) *Bridge {
	b := &Bridge{
		listeners: map[uuid.UUID]chan Notification{},
		buffer:    defaultBridgeBuffer,
		logger:    defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	return b
}

// Listen returns a channel of notifications and a cancel function that
// releases it. Publishing never blocks: a listener that falls behind
// its buffer loses notifications (logged) rather than stalling the
// manager.
func (b *Bridge) Listen() (<-chan Notification, func()) {
	ch := make(chan Notification, b.buffer)
	id := uuid.New()

	b.mu.Lock()
	b.listeners[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.listeners[id]; ok {
			delete(b.listeners, id)
			close(existing)
		}
		b.mu.Unlock()
	}

	return ch, cancel
}

// AnnounceLogin folds an external "user logged in" signal into the
// manager. Without a bound manager the signal is dropped with a
// warning.
func (b *Bridge) AnnounceLogin(signal LoginSignal) {
	handler := b.currentHandler()
	if handler == nil {
		b.logger.Warn("login signal received with no manager bound")
		return
	}
	handler.handleExternalLogin(signal)
}

// AnnounceLogout folds an external "user logged out" signal into the
// manager.
func (b *Bridge) AnnounceLogout() {
	handler := b.currentHandler()
	if handler == nil {
		b.logger.Warn("logout signal received with no manager bound")
		return
	}
	handler.handleExternalLogout()
}

// Close releases every listener channel.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.listeners {
		delete(b.listeners, id)
		close(ch)
	}
}

func (b *Bridge) bind(handler signalHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

func (b *Bridge) currentHandler() signalHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}

func (b *Bridge) publish(notification Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.listeners {
		select {
		case ch <- notification:
		default:
			b.logger.Warn("bridge listener %s is not keeping up, dropping notification", id)
		}
	}
}
