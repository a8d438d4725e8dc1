package chatsync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Pending-Send Queue
// ============================================================================

// PendingSend is a buffered send intent: a message the user committed that
// could not be dispatched because the chat session or the socket was not
// ready yet.
type PendingSend struct {
	TempID     string
	Kind       MessageKind
	Text       string
	Attachment *Attachment

	enqueuedAt   time.Time
	dispatchedAt time.Time // zero until handed to the transport
}

// inFlight reports whether the entry has been dispatched and is awaiting a
// server acknowledgment.
func (p *PendingSend) inFlight() bool {
	return !p.dispatchedAt.IsZero()
}

// dispatchFunc hands one entry to the transport. An error means nothing was
// written; the entry stays queued.
type dispatchFunc func(p *PendingSend) error

// readyFunc reports whether flushing is possible (chat session established
// and socket connected).
type readyFunc func() bool

const (
	defaultFlushInterval = 3 * time.Second
	defaultAckWait       = 10 * time.Second
)

// pendingQueue decouples "user tried to send" from "transport was ready".
// Entries are dispatched FIFO on each flush and removed only when the server
// echoes the tempId back (Ack). A dispatched entry whose ack never arrives
// is re-dispatched once its ack deadline passes, so a disconnect mid-flush
// cannot silently drop a message.
//
// The recurring flush ticker starts on first enqueue and stops once the
// queue drains; Flush is also called directly on socket connect and on chat
// session establishment, the two events that unblock dispatch.
type pendingQueue struct {
	mu      sync.Mutex
	entries []*PendingSend

	dispatch dispatchFunc
	ready    readyFunc

	flushInterval time.Duration
	ackWait       time.Duration

	ticking  bool
	flushing bool
	stopCh   chan struct{}
	log      zerolog.Logger
}

func newPendingQueue(dispatch dispatchFunc, ready readyFunc, flushInterval, ackWait time.Duration, log zerolog.Logger) *pendingQueue {
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}
	return &pendingQueue{
		dispatch:      dispatch,
		ready:         ready,
		flushInterval: flushInterval,
		ackWait:       ackWait,
		stopCh:        make(chan struct{}),
		log:           log,
	}
}

// Enqueue appends a send intent and makes sure the retry ticker is running.
func (q *pendingQueue) Enqueue(p *PendingSend) {
	q.mu.Lock()
	p.enqueuedAt = time.Now()
	q.entries = append(q.entries, p)
	start := !q.ticking
	var stop chan struct{}
	if start {
		q.ticking = true
		// A prior Stop leaves the channel closed; enqueueing again revives
		// the ticker with a fresh one.
		select {
		case <-q.stopCh:
			q.stopCh = make(chan struct{})
		default:
		}
		stop = q.stopCh
	}
	q.mu.Unlock()

	q.log.Debug().Str("tempId", p.TempID).Str("kind", string(p.Kind)).Msg("queued pending send")

	if start {
		go q.tickLoop(stop)
	}
	// Opportunistic flush; the transport may already be ready.
	q.Flush()
}

func (q *pendingQueue) tickLoop(stop chan struct{}) {
	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if q.Flush() == 0 {
				q.mu.Lock()
				drained := len(q.entries) == 0
				if drained {
					q.ticking = false
				}
				q.mu.Unlock()
				if drained {
					return
				}
			}
		}
	}
}

// Flush dispatches every queued entry in enqueue order. Entries already in
// flight are skipped until their ack deadline passes. A dispatch error ends
// the pass; everything not yet written stays queued for the next flush.
// Returns the number of entries remaining (pending or awaiting ack).
//
// Only one pass runs at a time: the ticker, Enqueue, and connect all call
// Flush from their own goroutines, and without the guard two racing passes
// would both see an entry as not yet dispatched and write it twice.
func (q *pendingQueue) Flush() int {
	if q.ready != nil && !q.ready() {
		return q.Len()
	}

	q.mu.Lock()
	if q.flushing {
		remaining := len(q.entries)
		q.mu.Unlock()
		return remaining
	}
	q.flushing = true
	batch := make([]*PendingSend, len(q.entries))
	copy(batch, q.entries)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	now := time.Now()
	for _, p := range batch {
		if p.inFlight() && now.Sub(p.dispatchedAt) < q.ackWait {
			continue
		}
		if err := q.dispatch(p); err != nil {
			q.log.Warn().Err(err).Str("tempId", p.TempID).Msg("pending send dispatch failed; will retry")
			break
		}
		q.mu.Lock()
		p.dispatchedAt = time.Now()
		q.mu.Unlock()
		q.log.Debug().Str("tempId", p.TempID).Msg("pending send dispatched")
	}

	return q.Len()
}

// Ack removes the entry whose tempId the server echoed back.
func (q *pendingQueue) Ack(tempID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.entries {
		if p.TempID == tempID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of entries still queued (including in-flight).
func (q *pendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stop halts the retry ticker. Queued entries are kept so a caller can
// inspect what was never delivered.
func (q *pendingQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.stopCh:
	default:
		close(q.stopCh)
	}
	q.ticking = false
}
