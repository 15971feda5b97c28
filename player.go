package audible

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"
)

// PlayerID returns the identifier of the emulated desktop player.
//
// It is base64(sha1("")) and therefore identical across processes, which lets the
// licensing service match the deregister calls with an earlier registration.
func PlayerID() string {
	sum := sha1.Sum(nil)
	return strings.TrimRight(base64.StdEncoding.EncodeToString(sum[:]), " \r\n\t")
}
