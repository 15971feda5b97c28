package audible

import (
	"bytes"
	"encoding/hex"
	"strings"
)

const (
	// KeyCount is the number of key records in a license payload.
	KeyCount = 8
	// KeySize is the size of a single key record.
	KeySize = 70

	// keyTableSize covers all records plus the separator byte preceding each record but the first.
	keyTableSize = KeyCount*KeySize + KeyCount - 1
)

var (
	groupIDMarker   = []byte("group_id")
	failureMarkers  = [][]byte{[]byte("BAD_LOGIN"), []byte("Whoops")}
	keyTableOpening = byte(')')
)

// Activation is the result of a successful activation bytes lookup.
type Activation struct {
	// PlayerID is the identifier the license was registered with.
	PlayerID string
	// Bytes is the activation secret as 8 lowercase hex characters.
	Bytes string
	// Keys holds every key record of the license as comma separated hex pairs.
	Keys []string
}

// ValidatePayload checks a license payload for server side failure markers and the key table marker.
func ValidatePayload(payload []byte) error {
	for _, m := range failureMarkers {
		if bytes.Contains(payload, m) {
			return &InvalidPayloadError{Reason: "server reported " + string(m), Payload: payload}
		}
	}

	if !bytes.Contains(payload, groupIDMarker) {
		return &InvalidPayloadError{Reason: "missing group_id marker", Payload: payload}
	}

	return nil
}

// ParseActivationBytes extracts the key table from a license payload and derives the activation bytes.
//
// The returned keys contain all KeyCount records, formatted as "xx,xx,...".
func ParseActivationBytes(payload []byte) (string, []string, error) {
	if err := ValidatePayload(payload); err != nil {
		return "", nil, err
	}

	records, err := keyRecords(payload)
	if err != nil {
		return "", nil, err
	}

	keys := make([]string, 0, len(records))
	for _, r := range records {
		keys = append(keys, hexPairs(r))
	}

	first := strings.ReplaceAll(keys[0], ",", "")
	return reversePairs(first[:8]), keys, nil
}

// keyRecords slices the key records following the last group_id marker.
func keyRecords(payload []byte) ([][]byte, error) {
	c := &cursor{data: payload, pos: bytes.LastIndex(payload, groupIDMarker)}

	if !c.seek(keyTableOpening) {
		return nil, &InvalidPayloadError{Reason: "no key table after group_id", Payload: payload}
	}
	// the table starts two bytes after the parenthesis
	if !c.skip(2) {
		return nil, &InvalidPayloadError{Reason: "truncated key table", Payload: payload}
	}

	table, ok := c.next(keyTableSize)
	if !ok {
		return nil, &InvalidPayloadError{Reason: "truncated key table", Payload: payload}
	}

	records := make([][]byte, KeyCount)
	for i := range records {
		start := i*KeySize + i
		records[i] = table[start : start+KeySize]
	}

	return records, nil
}

// cursor is a bounds-checked read position in a byte slice.
type cursor struct {
	data []byte
	pos  int
}

// seek moves the cursor to the next occurrence of b at or after the current position.
func (c *cursor) seek(b byte) bool {
	i := bytes.IndexByte(c.data[c.pos:], b)
	if i < 0 {
		return false
	}
	c.pos += i
	return true
}

func (c *cursor) skip(n int) bool {
	if n < 0 || len(c.data)-c.pos < n {
		return false
	}
	c.pos += n
	return true
}

func (c *cursor) next(n int) ([]byte, bool) {
	start := c.pos
	if !c.skip(n) {
		return nil, false
	}
	return c.data[start:c.pos], true
}

// hexPairs renders b as lowercase hex with a comma between bytes.
func hexPairs(b []byte) string {
	h := hex.EncodeToString(b)

	var sb strings.Builder
	sb.Grow(len(h) + len(b))
	for i := 0; i < len(h); i += 2 {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(h[i : i+2])
	}

	return sb.String()
}

// reversePairs reverses the order of the 2-character groups of s.
func reversePairs(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := len(s); i >= 2; i -= 2 {
		sb.WriteString(s[i-2 : i])
	}
	return sb.String()
}
