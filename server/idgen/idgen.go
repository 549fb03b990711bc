// Package idgen generates compact ids used to correlate a session's log
// lines. Ids are 10 bytes (4 bytes of truncated unix time, 2 bytes of an
// atomic sequence, 4 bytes of randomness) encoded as lower-case base32.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"strings"
	"sync/atomic"
	"time"
)

var (
	sequence       uint32
	base32Encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)
)

// New returns a new session id. Ids are unique per process and sort roughly
// by creation time.
func New() string {
	id := make([]byte, 10)

	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	binary.BigEndian.PutUint16(id[4:6], uint16(atomic.AddUint32(&sequence, 1)))
	if _, err := rand.Read(id[6:10]); err != nil {
		binary.BigEndian.PutUint32(id[6:10], uint32(time.Now().UnixNano()))
	}

	return strings.ToLower(base32Encoding.EncodeToString(id))
}
