package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaomanyi/AutoXPlugin/internal/logging"
)

// HistoryConsumerID is the consumer id the connection recorder attaches under.
const HistoryConsumerID = "history"

// ConnectionStore persists device connections. storage.SQLiteStore satisfies it.
type ConnectionStore interface {
	RecordConnect(sessionID, name, appVersion string, at time.Time) (int64, error)
	RecordDisconnect(sessionID string, at time.Time) (bool, error)
	Prune(keep int) (int64, error)
}

type historyOp struct {
	connect bool
	device  Device
	at      time.Time
}

// HistoryListener records connect and disconnect events into a ConnectionStore.
// Writes happen on a single background goroutine so a slow disk never blocks
// a session's read loop. Log events are ignored.
type HistoryListener struct {
	store ConnectionStore
	keep  int
	log   zerolog.Logger

	ops       chan historyOp
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewHistoryListener starts the writer goroutine. keep bounds how many device
// names the store retains; zero keeps everything.
func NewHistoryListener(store ConnectionStore, keep int, log zerolog.Logger) *HistoryListener {
	h := &HistoryListener{
		store:   store,
		keep:    keep,
		log:     logging.Component(log, "history"),
		ops:     make(chan historyOp, channelBufferSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *HistoryListener) OnConnected(d Device) {
	h.enqueue(historyOp{connect: true, device: d, at: d.ConnectedAt})
}

func (h *HistoryListener) OnDisconnected(d Device) {
	h.enqueue(historyOp{device: d, at: time.Now()})
}

func (h *HistoryListener) OnLog(Device, string) {}

func (h *HistoryListener) enqueue(op historyOp) {
	if op.at.IsZero() {
		op.at = time.Now()
	}
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.ops <- op:
	case <-h.done:
	default:
		h.log.Warn().Str("session", op.device.SessionID).Msg("history queue full, dropping event")
	}
}

func (h *HistoryListener) run() {
	defer close(h.stopped)
	for {
		select {
		case op := <-h.ops:
			h.apply(op)
		case <-h.done:
			// Flush what was queued before Close.
			for {
				select {
				case op := <-h.ops:
					h.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (h *HistoryListener) apply(op historyOp) {
	d := op.device
	if !op.connect {
		if _, err := h.store.RecordDisconnect(d.SessionID, op.at); err != nil {
			h.log.Error().Err(err).Str("session", d.SessionID).Msg("failed to record disconnect")
		}
		return
	}

	if _, err := h.store.RecordConnect(d.SessionID, d.DisplayName(), d.AppVersion, op.at); err != nil {
		h.log.Error().Err(err).Str("session", d.SessionID).Msg("failed to record connect")
		return
	}
	if h.keep > 0 {
		if _, err := h.store.Prune(h.keep); err != nil {
			h.log.Warn().Err(err).Msg("failed to prune history")
		}
	}
}

// Close stops accepting events and waits for queued writes to land.
// Unsubscribe the listener first; events arriving after Close are dropped.
func (h *HistoryListener) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
	<-h.stopped
}
