package hub

import (
	"sync"
	"time"

	"github.com/transfa/payment-service/internal/domain"
)

// FrameKind distinguishes status frames from keep-alive comments.
type FrameKind int

const (
	FrameStatus FrameKind = iota
	FrameHeartbeat
)

// Close reasons reported by Subscriber.Reason.
const (
	ReasonClientGone = "client_disconnected"
	ReasonIdle       = "idle_timeout"
	ReasonSlowReader = "send_failed"
	ReasonTerminal   = "terminal_status"
	ReasonShutdown   = "server_shutdown"
)

// Frame is one message queued for a stream.
type Frame struct {
	Kind    FrameKind
	Payment *domain.PaymentRequest
}

// Subscriber is one open status stream. It owns exactly one heartbeat ticker
// and one idle timer; both stop when the subscriber closes, whatever the cause.
type Subscriber struct {
	id         uint64
	paymentKey string
	hub        *Hub

	frames chan Frame
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	reason   string
	lastRank int
	idle     *time.Timer
	idleFor  time.Duration
}

func newSubscriber(h *Hub, id uint64, paymentKey string) *Subscriber {
	return &Subscriber{
		id:         id,
		paymentKey: paymentKey,
		hub:        h,
		frames:     make(chan Frame, h.cfg.BufferSize),
		done:       make(chan struct{}),
		lastRank:   -1,
		idleFor:    h.cfg.IdleTimeout,
	}
}

// start arms the timers. It runs after the subscriber is registered so an
// immediate expiry still finds it in the hub.
func (s *Subscriber) start(heartbeat time.Duration) {
	s.mu.Lock()
	s.idle = time.AfterFunc(s.idleFor, func() { s.Close(ReasonIdle) })
	s.mu.Unlock()

	go s.heartbeatLoop(heartbeat)
}

func (s *Subscriber) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			// Heartbeats never extend the idle deadline, and a full buffer
			// just drops the beat.
			select {
			case s.frames <- Frame{Kind: FrameHeartbeat}:
			default:
			}
			s.mu.Unlock()
		}
	}
}

// Frames yields queued frames for the stream writer.
func (s *Subscriber) Frames() <-chan Frame {
	return s.frames
}

// Done is closed when the subscriber has been closed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// PaymentKey is the canonical payment id the subscriber watches.
func (s *Subscriber) PaymentKey() string {
	return s.paymentKey
}

// Reason reports why the subscriber closed, or "" while it is open.
func (s *Subscriber) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Offer queues a status frame without blocking. It returns false when the
// subscriber is closed or its buffer is full. Frames whose status ranks below
// the last one sent are skipped and reported as delivered.
func (s *Subscriber) Offer(payment *domain.PaymentRequest) bool {
	if payment == nil {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	rank := frameRank(payment.Status)
	if rank < s.lastRank {
		return true
	}

	select {
	case s.frames <- Frame{Kind: FrameStatus, Payment: payment}:
	default:
		return false
	}
	s.lastRank = rank
	if s.idle != nil {
		s.idle.Reset(s.idleFor)
	}
	return true
}

// Close stops both timers, deregisters the subscriber and releases the writer.
// Only the first call has any effect.
func (s *Subscriber) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.reason = reason
	if s.idle != nil {
		s.idle.Stop()
	}
	close(s.done)
	s.mu.Unlock()

	s.hub.remove(s)
}

// frameRank orders frames for the per-stream monotonic rule. Failed is
// terminal and ranks above every forward status.
func frameRank(status domain.PaymentStatus) int {
	if status == domain.StatusFailed {
		return domain.StatusFinalized.Rank() + 1
	}
	return status.Rank()
}
