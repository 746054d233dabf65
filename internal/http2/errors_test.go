package http2

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "NO_ERROR", ErrCodeNoError.String())
	assert.Equal(t, "FLOW_CONTROL_ERROR", ErrCodeFlowControlError.String())
	assert.Equal(t, "HTTP_1_1_REQUIRED", ErrCodeHTTP11Required.String())
	assert.Equal(t, "UNKNOWN_ERROR_CODE_255", ErrorCode(255).String())
}

func TestStreamErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewStreamErrorWithCause(3, ErrCodeInternalError, "handler failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "stream 3")
	assert.Contains(t, err.Error(), "INTERNAL_ERROR")
}

func TestConnectionErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("tls: bad record")
	err := NewConnectionErrorWithCause(ErrCodeProtocolError, "transport failure", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "PROTOCOL_ERROR")
}

func TestGoAwayFrameFromConnectionError(t *testing.T) {
	ce := NewConnectionError(ErrCodeFlowControlError, "window overrun")
	f := goAwayFrame(7, ErrCodeNoError, ce)
	assert.Equal(t, uint32(7), f.LastStreamID)
	// The error's code wins over the argument, and Msg becomes debug data.
	assert.Equal(t, ErrCodeFlowControlError, f.ErrorCode)
	assert.Equal(t, []byte("window overrun"), f.DebugData)
}

func TestGoAwayFrameClean(t *testing.T) {
	f := goAwayFrame(0, ErrCodeNoError, nil)
	assert.Equal(t, ErrCodeNoError, f.ErrorCode)
	assert.Empty(t, f.DebugData)
}

func TestRSTStreamFrameHelper(t *testing.T) {
	f := rstStreamFrame(9, ErrCodeCancel)
	assert.Equal(t, uint32(9), f.StreamID)
	assert.Equal(t, ErrCodeCancel, f.ErrorCode)
	require.Equal(t, FrameRSTStream, f.Type)
}
