package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/trade"
)

// State is the lifecycle stage of a connection.
type State int32

const (
	StateConnecting State = iota
	StateBootstrapped
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBootstrapped:
		return "bootstrapped"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport moves whole frames for one connection. Read blocks until a frame
// arrives; Close unblocks it. Write is only called from one goroutine.
type Transport interface {
	Read() ([]byte, error)
	Write(frame []byte) error
	Close() error
}

// Session is one client connection. Inbound frames are handled one at a
// time, in arrival order, on the goroutine running Serve. Outbound frames
// go through a bounded queue drained by a separate writer, so a slow client
// never blocks the engine.
type Session struct {
	id string
	co *Coordinator
	tr Transport

	state     atomic.Int32
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the serving goroutine.
	user    model.User
	counted bool // included in the active sessions gauge
}

func newSession(id string, co *Coordinator, tr Transport, queue int) *Session {
	return &Session{
		id:   id,
		co:   co,
		tr:   tr,
		out:  make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) readLoop(ctx context.Context) {
	for {
		frame, err := s.tr.Read()
		if err != nil {
			if s.State() != StateClosed {
				slog.Debug("session read ended", "session", s.id, "err", err)
			}
			return
		}
		s.handle(ctx, frame)
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.out:
			if err := s.tr.Write(frame); err != nil {
				slog.Debug("session write failed", "session", s.id, "err", err)
				s.close()
				return
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, frame []byte) {
	var msg inbound
	err := json.Unmarshal(frame, &msg)

	if s.State() != StateActive && (err != nil || msg.Type != TypeBootstrap) {
		s.sendError(CodeNotBootstrapped, "bootstrap required before any other message")
		return
	}
	if err != nil {
		s.sendError(CodeBadMessage, "malformed message")
		return
	}

	switch msg.Type {
	case TypeBootstrap:
		s.bootstrap(ctx, msg)
	case TypeSubmitOrder:
		s.submit(ctx, msg)
	case TypeRequestSnapshot:
		s.sendSnapshot(ctx)
	default:
		s.sendError(CodeBadMessage, "unknown message type "+msg.Type)
	}
}

func (s *Session) bootstrap(ctx context.Context, msg inbound) {
	if s.State() == StateActive {
		if msg.ClientRef != "" && msg.ClientRef != s.user.ClientRef {
			s.sendError(CodeAlreadyBootstrapped, "connection is bound to another identity")
			return
		}
	} else if msg.ClientRef == "" {
		s.sendError(CodeBadMessage, "client_ref is required")
		return
	}
	ref := msg.ClientRef
	if ref == "" {
		ref = s.user.ClientRef
	}

	u, err := s.co.users.GetOrCreateUser(ctx, ref, msg.DisplayName)
	if err != nil {
		slog.Error("bootstrap failed", "session", s.id, "client_ref", ref, "err", err)
		s.sendError(CodeInternal, "could not resolve user")
		return
	}

	if s.State() != StateActive {
		s.user = *u
		if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateBootstrapped)) {
			return // closed meanwhile
		}
		s.co.register(s, u.ID)
		if !s.state.CompareAndSwap(int32(StateBootstrapped), int32(StateActive)) {
			return
		}
		metrics.ActiveSessions.Inc()
		s.counted = true
		slog.Info("session bootstrapped", "session", s.id, "user", u.ID)
	}

	s.send(BootstrapResult{Type: TypeBootstrapResult, UserID: u.ID, DisplayName: u.DisplayName, Cash: u.Cash})
	s.sendSnapshot(ctx)
}

func (s *Session) submit(ctx context.Context, msg inbound) {
	res, err := s.co.orders.Submit(ctx, trade.OrderRequest{
		UserID:     s.user.ID,
		Instrument: msg.Instrument,
		Side:       msg.Side,
		Quantity:   msg.Quantity,
		Source:     s.id,
	})
	if res == nil {
		slog.Error("order submission failed", "session", s.id, "user", s.user.ID, "err", err)
		s.sendError(CodeInternal, "order could not be processed")
		return
	}

	out := OrderResult{
		Type:    TypeOrderResult,
		OrderID: res.Order.ID,
		Status:  res.Order.Status,
		Reason:  res.Order.Reason,
	}
	var verr *trade.ValidationError
	if errors.As(err, &verr) {
		out.Message = verr.Message
	}
	s.send(out)

	if res.Trade != nil {
		s.send(tradeExecuted(*res.Trade))
	}
}

func (s *Session) sendSnapshot(ctx context.Context) {
	snap, err := s.co.valuer.Value(ctx, s.user.ID)
	if err != nil {
		slog.Error("snapshot failed", "session", s.id, "user", s.user.ID, "err", err)
		s.sendError(CodeInternal, "snapshot unavailable")
		return
	}
	s.send(snapshot(snap))
}

func (s *Session) sendError(code, message string) {
	s.send(Error{Type: TypeError, Code: code, Message: message})
}

// send queues msg for the writer. A full queue means the client cannot keep
// up; the session is closed rather than letting it fall behind silently.
func (s *Session) send(msg any) bool {
	frame, err := json.Marshal(msg)
	if err != nil {
		slog.Error("encode message", "session", s.id, "err", err)
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	case <-s.done:
		return false
	default:
		metrics.OutboundDropped.Inc()
		slog.Warn("outbound queue full, closing session", "session", s.id, "user", s.user.ID)
		s.close()
		return false
	}
}

// close stops both loops and the transport. It never touches the ledger.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		s.tr.Close()
	})
}
