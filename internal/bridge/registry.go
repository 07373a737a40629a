package bridge

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Errors surfaced to CLI clients as -32000 responses.
var (
	ErrExtensionNotConnected = errors.New("Extension not connected")
	ErrExtensionBusy         = errors.New("Extension busy: command queue full")
	ErrExtensionDisconnected = errors.New("Extension connection lost")
	ErrCommandTimeout        = errors.New("Extension command timed out (30s)")
	ErrTokenExpired          = errors.New("Session token expired")
)

// outcome is the terminal state of a forwarded command: either the raw
// response frame from the extension or a failure.
type outcome struct {
	payload json.RawMessage
	err     error
}

// pendingRequest completes exactly once. The channel has capacity one so
// whoever resolves it never blocks.
type pendingRequest struct {
	done chan outcome
}

func newPendingRequest() *pendingRequest {
	return &pendingRequest{done: make(chan outcome, 1)}
}

// extensionConn is the send side of a connected extension. The out channel
// is drained by a single writer goroutine; stop tears that writer down.
type extensionConn struct {
	id       string
	out      chan []byte
	stop     chan struct{}
	stopOnce sync.Once
}

func newExtensionConn(id string) *extensionConn {
	return &extensionConn{
		id:   id,
		out:  make(chan []byte, 256),
		stop: make(chan struct{}),
	}
}

func (c *extensionConn) close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Registry is the shared state of a running bridge: the session token, the
// single extension connection, and all requests awaiting a response. Every
// method takes the lock briefly and never blocks while holding it.
type Registry struct {
	mu           sync.Mutex
	token        string
	ext          *extensionConn
	pending      map[uint64]*pendingRequest
	nextID       uint64
	lastActivity time.Time
}

func NewRegistry(token string) *Registry {
	return &Registry{
		token:        token,
		pending:      make(map[uint64]*pendingRequest),
		nextID:       1,
		lastActivity: time.Now(),
	}
}

// CheckToken compares a candidate against the current session token in
// constant time.
func (r *Registry) CheckToken(candidate string) bool {
	r.mu.Lock()
	token := r.token
	r.mu.Unlock()
	return tokenEqual(candidate, token)
}

// Token returns the current session token.
func (r *Registry) Token() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

// Touch records client activity for the idle watchdog.
func (r *Registry) Touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// LastActivity returns the time of the most recent authenticated message.
func (r *Registry) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// InstallExtension registers conn as the active extension. If another
// extension was connected it is returned so the caller can shut it down;
// the newest connection always wins.
func (r *Registry) InstallExtension(conn *extensionConn) (replaced *extensionConn) {
	r.mu.Lock()
	replaced = r.ext
	r.ext = conn
	r.mu.Unlock()
	return replaced
}

// ClearExtension removes the extension registration, but only if id still
// names the active connection. A connection that was replaced must not
// evict its successor during its own teardown.
func (r *Registry) ClearExtension(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ext == nil || r.ext.id != id {
		return false
	}
	r.ext = nil
	return true
}

// TakeExtension removes and returns the active extension connection.
func (r *Registry) TakeExtension() *extensionConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	ext := r.ext
	r.ext = nil
	return ext
}

// ExtensionConnected reports whether an extension is currently attached.
func (r *Registry) ExtensionConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ext != nil
}

// Register allocates a bridge request id and tracks the pending request
// under it.
func (r *Registry) Register(pr *pendingRequest) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.pending[id] = pr
	return id
}

// Remove drops a pending request, typically after a timeout. It reports
// whether the request was still tracked.
func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; !ok {
		return false
	}
	delete(r.pending, id)
	return true
}

// Resolve completes the pending request for id with the extension's raw
// response frame. Late responses for ids that already timed out are
// reported as false and dropped by the caller.
func (r *Registry) Resolve(id uint64, payload json.RawMessage) bool {
	r.mu.Lock()
	pr, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	pr.done <- outcome{payload: payload}
	return true
}

// FailAllPending completes every tracked request with err and returns how
// many were failed. Used on extension disconnect and token expiry so CLI
// clients never sit out their full timeout.
func (r *Registry) FailAllPending(err error) int {
	r.mu.Lock()
	drained := make([]*pendingRequest, 0, len(r.pending))
	for id, pr := range r.pending {
		drained = append(drained, pr)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	for _, pr := range drained {
		pr.done <- outcome{err: err}
	}
	return len(drained)
}

// SendToExtension enqueues a frame for the extension writer. It fails
// immediately when no extension is attached or its queue is saturated.
func (r *Registry) SendToExtension(data []byte) error {
	r.mu.Lock()
	ext := r.ext
	r.mu.Unlock()

	if ext == nil {
		return ErrExtensionNotConnected
	}
	select {
	case ext.out <- data:
		return nil
	default:
		return ErrExtensionBusy
	}
}

// RotateToken swaps in a new session token and resets the idle clock.
func (r *Registry) RotateToken(token string) {
	r.mu.Lock()
	r.token = token
	r.lastActivity = time.Now()
	r.mu.Unlock()
}
