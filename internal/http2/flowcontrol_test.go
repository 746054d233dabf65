package http2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowControlAcquirePartialCredit(t *testing.T) {
	w := newFlowControlWindow(10, 1)
	n, err := w.acquire(100)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), n)
	assert.Equal(t, int64(0), w.availableBytes())
}

func TestFlowControlAcquireBlocksUntilIncrease(t *testing.T) {
	w := newFlowControlWindow(0, 1)
	got := make(chan uint32, 1)
	go func() {
		n, err := w.acquire(50)
		if err != nil {
			got <- 0
			return
		}
		got <- n
	}()

	select {
	case <-got:
		t.Fatal("acquire returned with no credit available")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, w.increase(20))
	select {
	case n := <-got:
		assert.Equal(t, uint32(20), n)
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake after increase")
	}
}

func TestFlowControlRelease(t *testing.T) {
	w := newFlowControlWindow(100, 1)
	n, err := w.acquire(60)
	require.NoError(t, err)
	require.Equal(t, uint32(60), n)
	w.release(25)
	assert.Equal(t, int64(65), w.availableBytes())
}

func TestFlowControlZeroIncrement(t *testing.T) {
	t.Run("stream", func(t *testing.T) {
		w := newFlowControlWindow(10, 7)
		err := w.increase(0)
		var se *StreamError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, uint32(7), se.StreamID)
		assert.Equal(t, ErrCodeProtocolError, se.Code)
		// The window itself stays usable after a stream-scoped violation.
		n, err := w.acquire(5)
		require.NoError(t, err)
		assert.Equal(t, uint32(5), n)
	})
	t.Run("connection", func(t *testing.T) {
		w := newFlowControlWindow(10, 0)
		err := w.increase(0)
		var ce *ConnectionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, ErrCodeProtocolError, ce.Code)
	})
}

func TestFlowControlIncrementOverflow(t *testing.T) {
	w := newFlowControlWindow(MaxWindowSize, 3)
	err := w.increase(1)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeFlowControlError, se.Code)

	// Overflow is terminal for the window.
	_, err = w.acquire(1)
	assert.Error(t, err)
}

func TestFlowControlSetInitialNegativeWindow(t *testing.T) {
	w := newFlowControlWindow(DefaultInitialWindowSize, 1)
	n, err := w.acquire(100)
	require.NoError(t, err)
	require.Equal(t, uint32(100), n)

	// Shrinking the initial window applies the delta retroactively.
	require.NoError(t, w.setInitial(50))
	assert.Equal(t, int64(-50), w.availableBytes())

	// Credit brings it back above zero and sending can resume.
	require.NoError(t, w.increase(200))
	got, err := w.acquire(1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(150), got)
}

func TestFlowControlSetInitialConnectionWindowUnaffected(t *testing.T) {
	w := newFlowControlWindow(DefaultInitialWindowSize, 0)
	require.NoError(t, w.setInitial(0))
	assert.Equal(t, int64(DefaultInitialWindowSize), w.availableBytes())
}

func TestFlowControlCloseWakesWaiters(t *testing.T) {
	w := newFlowControlWindow(0, 1)
	errCh := make(chan error, 1)
	go func() {
		_, err := w.acquire(1)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	w.close(NewStreamError(1, ErrCodeCancel, "stream reset locally"))

	select {
	case err := <-errCh:
		var se *StreamError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, ErrCodeCancel, se.Code)
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake after close")
	}
}

func TestFlowControlIncreaseAfterCloseIsNoOp(t *testing.T) {
	t.Run("clean close", func(t *testing.T) {
		w := newFlowControlWindow(10, 1)
		w.close(nil)
		assert.NoError(t, w.increase(100))
		assert.NoError(t, w.increase(0))
	})
	t.Run("close with error", func(t *testing.T) {
		w := newFlowControlWindow(10, 1)
		w.close(NewStreamError(1, ErrCodeCancel, "stream reset locally"))
		assert.NoError(t, w.increase(100))
	})
}

func TestReceiveWindowOverrun(t *testing.T) {
	w := newReceiveWindow(100, 5)
	require.NoError(t, w.take(100))
	err := w.take(1)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, uint32(5), se.StreamID)
	assert.Equal(t, ErrCodeFlowControlError, se.Code)
}

func TestReceiveWindowConnectionOverrun(t *testing.T) {
	w := newReceiveWindow(100, 0)
	err := w.take(101)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeFlowControlError, ce.Code)
}

func TestReceiveWindowBatchesGrants(t *testing.T) {
	w := newReceiveWindow(1000, 1)
	require.NoError(t, w.take(600))

	// Below half the window no grant is emitted.
	assert.Equal(t, uint32(0), w.consumed(100))
	assert.Equal(t, uint32(0), w.consumed(300))
	// Crossing the threshold returns the full pending amount.
	assert.Equal(t, uint32(600), w.consumed(200))

	// The credit is back: the peer may send the full window again.
	require.NoError(t, w.take(400))
	require.NoError(t, w.take(600))
}
