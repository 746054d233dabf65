package http2

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// StreamState is the lifecycle state of a stream (RFC 7540 Section 5.1).
type StreamState uint8

const (
	// StreamStateIdle: the stream has not been used yet.
	StreamStateIdle StreamState = iota
	// StreamStateReservedLocal: reserved by sending PUSH_PROMISE.
	StreamStateReservedLocal
	// StreamStateReservedRemote: reserved by receiving PUSH_PROMISE.
	StreamStateReservedRemote
	// StreamStateOpen: both peers may send any frame type.
	StreamStateOpen
	// StreamStateHalfClosedLocal: this endpoint sent END_STREAM.
	StreamStateHalfClosedLocal
	// StreamStateHalfClosedRemote: the peer sent END_STREAM.
	StreamStateHalfClosedRemote
	// StreamStateClosed: terminal.
	StreamStateClosed
)

// String returns the RFC name of the state.
func (s StreamState) String() string {
	switch s {
	case StreamStateIdle:
		return "idle"
	case StreamStateReservedLocal:
		return "reserved (local)"
	case StreamStateReservedRemote:
		return "reserved (remote)"
	case StreamStateOpen:
		return "open"
	case StreamStateHalfClosedLocal:
		return "half-closed (local)"
	case StreamStateHalfClosedRemote:
		return "half-closed (remote)"
	case StreamStateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown state %d", uint8(s))
	}
}

// Stream is one logical bidirectional exchange multiplexed over a Connection.
// The Connection owns all protocol state; a Stream handle only enqueues
// outbound actions and surfaces inbound headers and data. Handles are safe
// for use from independent goroutines.
type Stream struct {
	id             uint32
	conn           *Connection
	localInitiated bool

	sendWindow *flowControlWindow
	recvWindow *receiveWindow

	mu   sync.Mutex
	cond *sync.Cond // wakes blocked Read calls

	state StreamState

	// receive side
	recvBuf  bytes.Buffer
	recvEnd  bool // END_STREAM observed from the peer
	hdrDone  bool
	hdrReady chan struct{}
	headers  []HeaderField
	trailers []HeaderField

	// send side
	headersSent   bool
	endStreamSent bool

	closeErr error // why the stream was torn down, nil while live
	done     chan struct{}
}

func newStream(conn *Connection, id uint32, localInitiated bool, sendInitial, recvInitial uint32) *Stream {
	s := &Stream{
		id:             id,
		conn:           conn,
		localInitiated: localInitiated,
		sendWindow:     newFlowControlWindow(sendInitial, id),
		recvWindow:     newReceiveWindow(recvInitial, id),
		state:          StreamStateIdle,
		hdrReady:       make(chan struct{}),
		done:           make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID returns the stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the stream reaches the closed state.
func (s *Stream) Done() <-chan struct{} { return s.done }

// SendHeaders sends a header list on the stream. For a stream that has not
// sent headers yet this opens it; on an open stream it sends trailers, which
// must carry endStream.
func (s *Stream) SendHeaders(fields []HeaderField, endStream bool) error {
	s.mu.Lock()
	if s.closeErr != nil {
		err := s.closeErr
		s.mu.Unlock()
		return err
	}
	switch s.state {
	case StreamStateClosed, StreamStateHalfClosedLocal:
		st := s.state
		s.mu.Unlock()
		return NewStreamError(s.id, ErrCodeStreamClosed, fmt.Sprintf("cannot send HEADERS in state %q", st))
	}
	if s.headersSent && !endStream {
		s.mu.Unlock()
		return NewStreamError(s.id, ErrCodeProtocolError, "trailers must carry END_STREAM")
	}
	s.mu.Unlock()

	if err := s.conn.writeHeaders(s, fields, endStream); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.headersSent = true
	if s.state == StreamStateIdle {
		s.state = StreamStateOpen
	} else if s.state == StreamStateReservedLocal {
		// A reserved stream's receiving side is already closed.
		s.state = StreamStateHalfClosedRemote
	}
	if endStream {
		s.endStreamSent = true
		s.transitionSendEndStreamLocked()
	}
	return nil
}

// WriteData sends payload bytes on the stream, fragmenting to fit whichever
// of the stream window, connection window and peer max-frame-size is
// smallest. It blocks while both windows are exhausted; that is the
// backpressure contract, not a fault. endStream half-closes the local side
// after the final fragment.
func (s *Stream) WriteData(p []byte, endStream bool) (int, error) {
	s.mu.Lock()
	if s.closeErr != nil {
		err := s.closeErr
		s.mu.Unlock()
		return 0, err
	}
	if !s.headersSent {
		s.mu.Unlock()
		return 0, NewStreamError(s.id, ErrCodeProtocolError, "DATA before HEADERS")
	}
	if s.endStreamSent || s.state == StreamStateHalfClosedLocal || s.state == StreamStateClosed {
		st := s.state
		s.mu.Unlock()
		return 0, NewStreamError(s.id, ErrCodeStreamClosed, fmt.Sprintf("cannot send DATA in state %q", st))
	}
	s.mu.Unlock()

	written := 0
	for {
		remaining := len(p) - written
		if remaining == 0 {
			break
		}
		chunk := uint32(remaining)
		if max := s.conn.peerMaxFrameSize(); chunk > max {
			chunk = max
		}
		// Credit is taken from the stream window first, then narrowed by the
		// connection window; surplus goes back to the stream so other
		// writers can use it.
		n, err := s.sendWindow.acquire(chunk)
		if err != nil {
			return written, err
		}
		granted, err := s.conn.sendWindow.acquire(n)
		if err != nil {
			s.sendWindow.release(n)
			return written, err
		}
		if granted < n {
			s.sendWindow.release(n - granted)
		}

		frame := &DataFrame{
			FrameHeader: FrameHeader{Type: FrameData, StreamID: s.id},
			Data:        p[written : written+int(granted)],
		}
		last := written+int(granted) == len(p)
		if endStream && last {
			frame.Flags |= FlagDataEndStream
		}
		if err := s.conn.queueFrames(frame); err != nil {
			return written, err
		}
		written += int(granted)
	}

	if len(p) == 0 && endStream {
		frame := &DataFrame{
			FrameHeader: FrameHeader{Type: FrameData, StreamID: s.id, Flags: FlagDataEndStream},
			Data:        []byte{},
		}
		if err := s.conn.queueFrames(frame); err != nil {
			return 0, err
		}
	}

	if endStream {
		s.mu.Lock()
		s.endStreamSent = true
		s.transitionSendEndStreamLocked()
		s.mu.Unlock()
	}
	return written, nil
}

// CloseLocal half-closes the local side by sending an empty DATA frame with
// END_STREAM.
func (s *Stream) CloseLocal() error {
	_, err := s.WriteData(nil, true)
	return err
}

// Reset abruptly terminates the stream with the given reason code, sending
// RST_STREAM and releasing local resources. The connection and other streams
// are unaffected. Resetting an already-closed stream is a no-op.
func (s *Stream) Reset(code ErrorCode) error {
	s.mu.Lock()
	if s.state == StreamStateClosed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.conn.resetStream(s.id, code)
}

// WaitHeaders blocks until the peer's header list arrives, the stream fails,
// or ctx is done.
func (s *Stream) WaitHeaders(ctx context.Context) ([]HeaderField, error) {
	select {
	case <-s.hdrReady:
	case <-s.done:
		// Headers may have arrived before the stream closed.
		select {
		case <-s.hdrReady:
		default:
			s.mu.Lock()
			err := s.closeErr
			s.mu.Unlock()
			if err == nil {
				err = fmt.Errorf("stream %d closed before headers", s.id)
			}
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers, nil
}

// Trailers returns the trailer header list, if the peer sent one. Valid after
// Read has returned io.EOF.
func (s *Stream) Trailers() []HeaderField {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trailers
}

// Read returns received DATA payload bytes, blocking until data arrives. It
// returns io.EOF after the peer half-closes, and the reset error if the
// stream was torn down. Consumed bytes are returned to the peer as
// WINDOW_UPDATE credit.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	for s.recvBuf.Len() == 0 {
		if s.recvEnd {
			s.mu.Unlock()
			return 0, io.EOF
		}
		if s.closeErr != nil {
			err := s.closeErr
			s.mu.Unlock()
			return 0, err
		}
		s.cond.Wait()
	}
	n, _ := s.recvBuf.Read(p)
	s.mu.Unlock()
	if n > 0 {
		s.conn.noteConsumed(s, uint32(n))
	}
	return n, nil
}

// processHeaders is called from the connection's dispatch loop with a fully
// decoded header block.
func (s *Stream) processHeaders(fields []HeaderField, endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StreamStateHalfClosedRemote, StreamStateClosed:
		return NewStreamError(s.id, ErrCodeStreamClosed,
			fmt.Sprintf("HEADERS received in state %q", s.state))
	case StreamStateReservedRemote:
		s.state = StreamStateHalfClosedLocal
	case StreamStateIdle:
		s.state = StreamStateOpen
	}
	if !s.hdrDone {
		s.hdrDone = true
		s.headers = fields
		close(s.hdrReady)
	} else {
		// A second header block on the same stream is only legal as
		// trailers, which must end the stream.
		if !endStream {
			return NewStreamError(s.id, ErrCodeProtocolError, "trailers without END_STREAM")
		}
		s.trailers = fields
	}
	if endStream {
		s.recvEnd = true
		s.transitionRecvEndStreamLocked()
		s.cond.Broadcast()
	}
	return nil
}

// processData is called from the connection's dispatch loop. length is the
// full frame payload length including any padding, which is what counts
// against flow-control credit.
func (s *Stream) processData(data []byte, endStream bool, length uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StreamStateHalfClosedRemote, StreamStateClosed:
		return NewStreamError(s.id, ErrCodeStreamClosed,
			fmt.Sprintf("DATA received in state %q", s.state))
	case StreamStateIdle, StreamStateReservedLocal, StreamStateReservedRemote:
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("DATA on stream %d in state %q", s.id, s.state))
	}
	if !s.hdrDone {
		return NewStreamError(s.id, ErrCodeProtocolError, "DATA before HEADERS")
	}
	if err := s.recvWindow.take(length); err != nil {
		return err
	}
	s.recvBuf.Write(data)
	if endStream {
		s.recvEnd = true
		s.transitionRecvEndStreamLocked()
	}
	s.cond.Broadcast()
	return nil
}

// processRSTStream is called from the connection's dispatch loop. Duplicate
// resets for an already-closed stream are a no-op.
func (s *Stream) processRSTStream(code ErrorCode) {
	s.mu.Lock()
	if s.state == StreamStateClosed {
		s.mu.Unlock()
		return
	}
	s.closeLocked(NewStreamError(s.id, code, "stream reset by peer"))
	s.mu.Unlock()
	s.conn.removeStream(s)
}

// processWindowUpdate applies a stream-level WINDOW_UPDATE.
func (s *Stream) processWindowUpdate(increment uint32) error {
	return s.sendWindow.increase(increment)
}

func (s *Stream) transitionSendEndStreamLocked() {
	switch s.state {
	case StreamStateOpen:
		s.state = StreamStateHalfClosedLocal
	case StreamStateHalfClosedRemote:
		s.closeLocked(nil)
		go s.conn.removeStream(s)
	}
}

func (s *Stream) transitionRecvEndStreamLocked() {
	switch s.state {
	case StreamStateOpen:
		s.state = StreamStateHalfClosedRemote
	case StreamStateHalfClosedLocal:
		s.closeLocked(nil)
		go s.conn.removeStream(s)
	}
}

// closeWithError tears the stream down from outside the dispatch loop, e.g.
// when the whole connection fails or the stream is reset locally.
func (s *Stream) closeWithError(err error) {
	s.mu.Lock()
	already := s.state == StreamStateClosed
	if !already {
		s.closeLocked(err)
	}
	s.mu.Unlock()
	if !already {
		s.conn.removeStream(s)
	}
}

// closeLocked finalizes the stream. Callers hold s.mu.
func (s *Stream) closeLocked(err error) {
	if s.state == StreamStateClosed {
		return
	}
	s.state = StreamStateClosed
	if s.closeErr == nil {
		s.closeErr = err
	}
	s.sendWindow.close(err)
	close(s.done)
	s.cond.Broadcast()
}
