package audible

import (
	"fmt"
)

// payloadPreviewSize bounds how much of a rejected payload ends up in an error message.
const payloadPreviewSize = 64

// ProtocolError reports a server response that does not follow the expected exchange,
// e.g. a player-auth-token redirect without a playerToken.
type ProtocolError struct {
	URL    string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s (url: %s)", e.Reason, e.URL)
}

// TransportError wraps a failed HTTP round trip.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// InvalidPayloadError reports a license payload that cannot yield activation bytes.
// Payload holds the full raw response for diagnosis.
type InvalidPayloadError struct {
	Reason  string
	Payload []byte
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid payload: %s (payload: %q)", e.Reason, e.Preview())
}

// Preview returns at most the first 64 bytes of the payload.
func (e *InvalidPayloadError) Preview() []byte {
	if len(e.Payload) > payloadPreviewSize {
		return e.Payload[:payloadPreviewSize]
	}
	return e.Payload
}
