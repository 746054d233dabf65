package http2

import "fmt"

// ErrorCode represents an HTTP/2 error code (RFC 7540 Section 7).
type ErrorCode uint32

const (
	// ErrCodeNoError (0x0): graceful shutdown.
	ErrCodeNoError ErrorCode = 0x0
	// ErrCodeProtocolError (0x1): unspecific protocol violation.
	ErrCodeProtocolError ErrorCode = 0x1
	// ErrCodeInternalError (0x2): implementation fault.
	ErrCodeInternalError ErrorCode = 0x2
	// ErrCodeFlowControlError (0x3): flow-control limits exceeded.
	ErrCodeFlowControlError ErrorCode = 0x3
	// ErrCodeSettingsTimeout (0x4): SETTINGS not acknowledged in time.
	ErrCodeSettingsTimeout ErrorCode = 0x4
	// ErrCodeStreamClosed (0x5): frame received for a half-closed stream.
	ErrCodeStreamClosed ErrorCode = 0x5
	// ErrCodeFrameSizeError (0x6): frame with an invalid size.
	ErrCodeFrameSizeError ErrorCode = 0x6
	// ErrCodeRefusedStream (0x7): stream refused before any processing.
	ErrCodeRefusedStream ErrorCode = 0x7
	// ErrCodeCancel (0x8): stream no longer needed.
	ErrCodeCancel ErrorCode = 0x8
	// ErrCodeCompressionError (0x9): header compression state corrupted.
	ErrCodeCompressionError ErrorCode = 0x9
	// ErrCodeConnectError (0xa): CONNECT tunnel reset.
	ErrCodeConnectError ErrorCode = 0xa
	// ErrCodeEnhanceYourCalm (0xb): peer generating excessive load.
	ErrCodeEnhanceYourCalm ErrorCode = 0xb
	// ErrCodeInadequateSecurity (0xc): transport security below requirements.
	ErrCodeInadequateSecurity ErrorCode = 0xc
	// ErrCodeHTTP11Required (0xd): HTTP/1.1 required for the request.
	ErrCodeHTTP11Required ErrorCode = 0xd
)

// String returns the RFC name of the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrCodeNoError:
		return "NO_ERROR"
	case ErrCodeProtocolError:
		return "PROTOCOL_ERROR"
	case ErrCodeInternalError:
		return "INTERNAL_ERROR"
	case ErrCodeFlowControlError:
		return "FLOW_CONTROL_ERROR"
	case ErrCodeSettingsTimeout:
		return "SETTINGS_TIMEOUT"
	case ErrCodeStreamClosed:
		return "STREAM_CLOSED"
	case ErrCodeFrameSizeError:
		return "FRAME_SIZE_ERROR"
	case ErrCodeRefusedStream:
		return "REFUSED_STREAM"
	case ErrCodeCancel:
		return "CANCEL"
	case ErrCodeCompressionError:
		return "COMPRESSION_ERROR"
	case ErrCodeConnectError:
		return "CONNECT_ERROR"
	case ErrCodeEnhanceYourCalm:
		return "ENHANCE_YOUR_CALM"
	case ErrCodeInadequateSecurity:
		return "INADEQUATE_SECURITY"
	case ErrCodeHTTP11Required:
		return "HTTP_1_1_REQUIRED"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_CODE_%d", uint32(e))
	}
}

// StreamError is an error scoped to a single stream. The connection survives;
// the stream is torn down with RST_STREAM carrying Code.
type StreamError struct {
	StreamID uint32
	Code     ErrorCode
	Msg      string
	Cause    error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream %d: %s (%s): %v", e.StreamID, e.Msg, e.Code, e.Cause)
	}
	return fmt.Sprintf("stream %d: %s (%s)", e.StreamID, e.Msg, e.Code)
}

func (e *StreamError) Unwrap() error { return e.Cause }

// NewStreamError creates a StreamError.
func NewStreamError(streamID uint32, code ErrorCode, msg string) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg}
}

// NewStreamErrorWithCause creates a StreamError wrapping an underlying cause.
func NewStreamErrorWithCause(streamID uint32, code ErrorCode, msg string, cause error) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg, Cause: cause}
}

// ConnectionError is a fatal error affecting the whole connection. It is
// signalled to the peer with GOAWAY and then the transport is closed.
type ConnectionError struct {
	LastStreamID uint32
	Code         ErrorCode
	Msg          string
	Cause        error
	// DebugData is sent as the GOAWAY additional debug data. Human-readable,
	// never security-sensitive. When empty, Msg is used.
	DebugData []byte
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection: %s (%s, last stream %d): %v", e.Msg, e.Code, e.LastStreamID, e.Cause)
	}
	return fmt.Sprintf("connection: %s (%s, last stream %d)", e.Msg, e.Code, e.LastStreamID)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// NewConnectionError creates a ConnectionError.
func NewConnectionError(code ErrorCode, msg string) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg}
}

// NewConnectionErrorWithCause creates a ConnectionError wrapping an underlying
// cause.
func NewConnectionErrorWithCause(code ErrorCode, msg string, cause error) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg, Cause: cause}
}

// rstStreamFrame builds an RST_STREAM frame for the given stream and code.
func rstStreamFrame(streamID uint32, code ErrorCode) *RSTStreamFrame {
	return &RSTStreamFrame{
		FrameHeader: FrameHeader{
			Type:     FrameRSTStream,
			StreamID: streamID,
			Length:   4,
		},
		ErrorCode: code,
	}
}

// goAwayFrame builds a GOAWAY frame. If err is a *ConnectionError its code
// and debug data take precedence over the arguments.
func goAwayFrame(lastStreamID uint32, code ErrorCode, err error) *GoAwayFrame {
	var debug []byte
	if ce, ok := err.(*ConnectionError); ok {
		code = ce.Code
		if len(ce.DebugData) > 0 {
			debug = ce.DebugData
		} else if ce.Msg != "" {
			debug = []byte(ce.Msg)
		}
	}
	return &GoAwayFrame{
		FrameHeader: FrameHeader{
			Type:   FrameGoAway,
			Length: 8 + uint32(len(debug)),
		},
		LastStreamID: lastStreamID,
		ErrorCode:    code,
		DebugData:    debug,
	}
}
