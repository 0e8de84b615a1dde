// Package session manages client connections: the bootstrap handshake,
// routing of order and snapshot requests, and delivery of events to every
// connection of a user.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/trade"
)

// DefaultQueueSize is the outbound buffer per connection.
const DefaultQueueSize = 256

// Bootstrapper resolves or creates the user behind a client identity.
type Bootstrapper interface {
	GetOrCreateUser(ctx context.Context, clientRef, displayName string) (*model.User, error)
}

// Submitter executes orders.
type Submitter interface {
	Submit(ctx context.Context, req trade.OrderRequest) (*trade.OrderResult, error)
}

// Valuer produces account snapshots.
type Valuer interface {
	Value(ctx context.Context, userID string) (model.Snapshot, error)
}

// Coordinator owns all sessions. A user may hold several sessions at once;
// each is independent but they share the user's ledger state.
type Coordinator struct {
	users     Bootstrapper
	orders    Submitter
	valuer    Valuer
	queueSize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	sessions map[*Session]struct{}
	byUser   map[string]map[*Session]struct{}
}

// NewCoordinator creates a coordinator. queueSize ≤ 0 selects DefaultQueueSize.
func NewCoordinator(users Bootstrapper, orders Submitter, valuer Valuer, queueSize int) *Coordinator {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		users:     users,
		orders:    orders,
		valuer:    valuer,
		queueSize: queueSize,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[*Session]struct{}),
		byUser:    make(map[string]map[*Session]struct{}),
	}
}

// Serve runs a session over tr and blocks until the connection ends.
func (c *Coordinator) Serve(tr Transport) {
	s := newSession(uuid.New().String(), c, tr, c.queueSize)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		tr.Close()
		return
	}
	c.sessions[s] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	slog.Debug("session opened", "session", s.id)
	go s.writeLoop()
	s.readLoop(c.ctx)
	s.close()
	c.release(s)
	slog.Debug("session closed", "session", s.id, "user", s.user.ID)
}

func (c *Coordinator) register(s *Session, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.byUser[userID]
	if !ok {
		set = make(map[*Session]struct{})
		c.byUser[userID] = set
	}
	set[s] = struct{}{}
}

func (c *Coordinator) release(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	if set, ok := c.byUser[s.user.ID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(c.byUser, s.user.ID)
		}
	}
	c.mu.Unlock()

	if s.counted {
		metrics.ActiveSessions.Dec()
	}
}

// ActiveUsers returns the users with at least one bootstrapped session.
func (c *Coordinator) ActiveUsers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byUser))
	for id := range c.byUser {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SessionCount returns the number of open connections.
func (c *Coordinator) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Coordinator) userSessions(userID string) []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.byUser[userID]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// Publish queues msg on every session of userID.
func (c *Coordinator) Publish(userID string, msg any) {
	for _, s := range c.userSessions(userID) {
		s.send(msg)
	}
}

// PublishSnapshot queues a snapshot on every session of userID.
func (c *Coordinator) PublishSnapshot(userID string, snap model.Snapshot) {
	c.Publish(userID, snapshot(snap))
}

// OnFill forwards a fill to the user's other sessions; the submitting
// session reports it itself, after its order result.
func (c *Coordinator) OnFill(ev trade.FillEvent) {
	msg := tradeExecuted(ev.Settlement.Trade)
	for _, s := range c.userSessions(ev.Settlement.Trade.UserID) {
		if s.id != ev.Source {
			s.send(msg)
		}
	}
}

// Close disconnects every session and waits for their goroutines. Fills
// already in progress complete; the ledger is not touched.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	all := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		all = append(all, s)
	}
	c.mu.Unlock()

	for _, s := range all {
		s.close()
	}
	c.wg.Wait()
	c.cancel()
}
