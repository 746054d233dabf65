package http2

import "fmt"

// SettingID identifies a SETTINGS parameter (RFC 7540 Section 6.5.2).
type SettingID uint16

const (
	// SettingHeaderTableSize (0x1): HPACK dynamic table bound.
	SettingHeaderTableSize SettingID = 0x1
	// SettingEnablePush (0x2): whether server push is permitted.
	SettingEnablePush SettingID = 0x2
	// SettingMaxConcurrentStreams (0x3): cap on streams the peer may open.
	SettingMaxConcurrentStreams SettingID = 0x3
	// SettingInitialWindowSize (0x4): initial stream-level send window.
	SettingInitialWindowSize SettingID = 0x4
	// SettingMaxFrameSize (0x5): largest frame payload the sender accepts.
	SettingMaxFrameSize SettingID = 0x5
	// SettingMaxHeaderListSize (0x6): advisory cap on uncompressed headers.
	SettingMaxHeaderListSize SettingID = 0x6
)

// String returns the RFC name of the setting.
func (s SettingID) String() string {
	switch s {
	case SettingHeaderTableSize:
		return "SETTINGS_HEADER_TABLE_SIZE"
	case SettingEnablePush:
		return "SETTINGS_ENABLE_PUSH"
	case SettingMaxConcurrentStreams:
		return "SETTINGS_MAX_CONCURRENT_STREAMS"
	case SettingInitialWindowSize:
		return "SETTINGS_INITIAL_WINDOW_SIZE"
	case SettingMaxFrameSize:
		return "SETTINGS_MAX_FRAME_SIZE"
	case SettingMaxHeaderListSize:
		return "SETTINGS_MAX_HEADER_LIST_SIZE"
	default:
		return fmt.Sprintf("UNKNOWN_SETTING_ID_%d", uint16(s))
	}
}

// Setting is a single id/value pair in a SETTINGS frame.
type Setting struct {
	ID    SettingID
	Value uint32
}

// Default SETTINGS values (RFC 7540 Section 6.5.2).
const (
	DefaultHeaderTableSize    uint32 = 4096
	DefaultInitialWindowSize  uint32 = 65535 // 2^16 - 1
	DefaultMaxFrameSize       uint32 = 16384 // 2^14
	MinAllowedFrameSize       uint32 = 16384
	MaxAllowedFrameSize       uint32 = 1<<24 - 1
	defaultMaxConcurrent      uint32 = 100
	unlimited                 uint32 = 0xffffffff
	defaultMaxHeaderListBytes uint32 = 32 * 1024
)

// verifySetting validates a received setting's value against RFC 7540
// Section 6.5.2. Unknown ids are valid and must be ignored by the caller.
func verifySetting(s Setting) error {
	switch s.ID {
	case SettingEnablePush:
		if s.Value != 0 && s.Value != 1 {
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("SETTINGS_ENABLE_PUSH must be 0 or 1, got %d", s.Value))
		}
	case SettingInitialWindowSize:
		if s.Value > MaxWindowSize {
			return NewConnectionError(ErrCodeFlowControlError,
				fmt.Sprintf("SETTINGS_INITIAL_WINDOW_SIZE %d exceeds maximum window %d", s.Value, MaxWindowSize))
		}
	case SettingMaxFrameSize:
		if s.Value < MinAllowedFrameSize || s.Value > MaxAllowedFrameSize {
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("SETTINGS_MAX_FRAME_SIZE %d outside [%d, %d]", s.Value, MinAllowedFrameSize, MaxAllowedFrameSize))
		}
	}
	return nil
}

// defaultPeerSettings returns the values this endpoint must assume for the
// peer until the peer's first SETTINGS frame arrives.
func defaultPeerSettings() map[SettingID]uint32 {
	return map[SettingID]uint32{
		SettingHeaderTableSize:      DefaultHeaderTableSize,
		SettingEnablePush:           1,
		SettingMaxConcurrentStreams: unlimited,
		SettingInitialWindowSize:    DefaultInitialWindowSize,
		SettingMaxFrameSize:         DefaultMaxFrameSize,
		SettingMaxHeaderListSize:    unlimited,
	}
}

// defaultLocalSettings returns the values this endpoint advertises in its
// initial SETTINGS frame. Clients disable push.
func defaultLocalSettings(isClient bool) map[SettingID]uint32 {
	s := map[SettingID]uint32{
		SettingHeaderTableSize:      DefaultHeaderTableSize,
		SettingInitialWindowSize:    DefaultInitialWindowSize,
		SettingMaxFrameSize:         DefaultMaxFrameSize,
		SettingMaxConcurrentStreams: defaultMaxConcurrent,
		SettingMaxHeaderListSize:    defaultMaxHeaderListBytes,
	}
	if isClient {
		s[SettingEnablePush] = 0
	} else {
		s[SettingEnablePush] = 1
	}
	return s
}
