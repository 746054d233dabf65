package http2

import (
	"fmt"
	"sync"
)

// MaxWindowSize is the largest legal flow-control window (RFC 7540, 6.9.1).
const MaxWindowSize = 1<<31 - 1

// flowControlWindow tracks the send credit for one stream, or for the whole
// connection when streamID is 0. The window is signed: a decrease of
// SETTINGS_INITIAL_WINDOW_SIZE can drive it negative, which simply blocks
// sending until WINDOW_UPDATEs bring it back above zero.
//
// When credit arrives all acquire waiters are woken and re-check under the
// lock; any split of the freed credit among them is valid.
type flowControlWindow struct {
	mu   sync.Mutex
	cond *sync.Cond

	available int64
	initial   uint32 // SETTINGS_INITIAL_WINDOW_SIZE this window was sized from

	closed bool
	err    error // terminal error, e.g. window overflow

	streamID uint32 // 0 for the connection window
}

func newFlowControlWindow(initial uint32, streamID uint32) *flowControlWindow {
	if initial > MaxWindowSize {
		initial = MaxWindowSize
	}
	w := &flowControlWindow{
		available: int64(initial),
		initial:   initial,
		streamID:  streamID,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *flowControlWindow) isConnection() bool { return w.streamID == 0 }

// available returns the current send credit. Negative values are valid.
func (w *flowControlWindow) availableBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.available
}

// acquire blocks until at least one byte of credit is available, then takes
// up to max bytes and returns how many were taken. It returns an error once
// the window is closed or has failed terminally.
func (w *flowControlWindow) acquire(max uint32) (uint32, error) {
	if max == 0 {
		return 0, fmt.Errorf("flow control: cannot acquire zero bytes")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if w.err != nil {
			return 0, w.err
		}
		if w.closed {
			return 0, w.closedErrLocked()
		}
		if w.available > 0 {
			n := int64(max)
			if n > w.available {
				n = w.available
			}
			w.available -= n
			return uint32(n), nil
		}
		w.cond.Wait()
	}
}

// release returns credit taken by acquire but not used, e.g. when the
// connection window granted less than the stream window did.
func (w *flowControlWindow) release(n uint32) {
	if n == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.available += int64(n)
	w.cond.Broadcast()
}

// increase applies a WINDOW_UPDATE increment from the peer. A zero increment
// is a PROTOCOL_ERROR (stream-scoped for streams, fatal for the connection).
// Overflow past MaxWindowSize is a FLOW_CONTROL_ERROR with the same scoping.
// Credit arriving after the window finished is ignored: the peer may update
// a stream it has not yet seen close.
func (w *flowControlWindow) increase(increment uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.err != nil {
		// The window already finished; the peer may not have seen the close
		// yet, so late credit is ignored rather than treated as an error.
		return nil
	}
	if increment == 0 {
		msg := "WINDOW_UPDATE with zero increment"
		if w.isConnection() {
			return NewConnectionError(ErrCodeProtocolError, msg)
		}
		return NewStreamError(w.streamID, ErrCodeProtocolError, msg)
	}
	next := w.available + int64(increment)
	if next > MaxWindowSize {
		msg := fmt.Sprintf("window %d + increment %d exceeds maximum %d", w.available, increment, int64(MaxWindowSize))
		var err error
		if w.isConnection() {
			err = NewConnectionError(ErrCodeFlowControlError, msg)
		} else {
			err = NewStreamError(w.streamID, ErrCodeFlowControlError, msg)
		}
		w.failLocked(err)
		return err
	}
	w.available = next
	w.cond.Broadcast()
	return nil
}

// setInitial adjusts the window for a SETTINGS_INITIAL_WINDOW_SIZE change.
// The delta applies retroactively and may drive the window negative
// (RFC 7540, 6.9.2). Only stream windows are affected.
func (w *flowControlWindow) setInitial(newInitial uint32) error {
	if w.isConnection() {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil || w.closed {
		return nil
	}
	delta := int64(newInitial) - int64(w.initial)
	next := w.available + delta
	if next > MaxWindowSize {
		return NewConnectionError(ErrCodeFlowControlError,
			fmt.Sprintf("SETTINGS_INITIAL_WINDOW_SIZE delta %d overflows stream %d window %d", delta, w.streamID, w.available))
	}
	w.available = next
	w.initial = newInitial
	if delta > 0 {
		w.cond.Broadcast()
	}
	return nil
}

// close marks the window unusable and wakes all waiters. A nil err produces a
// generic closed error on subsequent acquires.
func (w *flowControlWindow) close(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	if w.err == nil {
		w.err = err
	}
	w.cond.Broadcast()
}

func (w *flowControlWindow) failLocked(err error) {
	if w.err == nil {
		w.err = err
		w.closed = true
		w.cond.Broadcast()
	}
}

func (w *flowControlWindow) closedErrLocked() error {
	if w.isConnection() {
		return fmt.Errorf("flow control: connection window closed")
	}
	return fmt.Errorf("flow control: stream %d window closed", w.streamID)
}

// receiveWindow accounts for data the peer sends us, per stream or per
// connection. It detects peers overrunning their credit and batches
// WINDOW_UPDATE grants so one is emitted only after the application consumed
// at least half the window.
type receiveWindow struct {
	mu       sync.Mutex
	credit   int64 // bytes the peer may still send
	initial  uint32
	pending  uint32 // consumed bytes not yet returned to the peer
	streamID uint32
}

func newReceiveWindow(initial uint32, streamID uint32) *receiveWindow {
	return &receiveWindow{
		credit:   int64(initial),
		initial:  initial,
		streamID: streamID,
	}
}

// take records n received payload bytes. Exceeding the advertised window is a
// FLOW_CONTROL_ERROR; connection-scoped when streamID is 0.
func (w *receiveWindow) take(n uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.credit -= int64(n)
	if w.credit < 0 {
		msg := fmt.Sprintf("peer sent %d bytes past its flow-control credit", -w.credit)
		if w.streamID == 0 {
			return NewConnectionError(ErrCodeFlowControlError, msg)
		}
		return NewStreamError(w.streamID, ErrCodeFlowControlError, msg)
	}
	return nil
}

// consumed records that the application read n bytes. It returns a nonzero
// WINDOW_UPDATE increment once at least half of the initial window has been
// consumed since the last grant.
func (w *receiveWindow) consumed(n uint32) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending += n
	if w.pending < w.initial/2 || w.pending == 0 {
		return 0
	}
	grant := w.pending
	w.pending = 0
	w.credit += int64(grant)
	return grant
}
