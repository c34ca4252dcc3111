package ids

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newULID() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	return newULID().String()
}

// NewSessionID builds a Diameter Session-Id for the given origin identity:
// <identity>;<high 32 bits>;<low 32 bits>;<ulid>. The two numeric parts are
// taken from the random section of the ULID so ids stay unique across
// restarts of the same host.
func NewSessionID(identity string) string {
	id := newULID()
	high := binary.BigEndian.Uint32(id[6:10])
	low := binary.BigEndian.Uint32(id[10:14])
	return fmt.Sprintf("%s;%d;%d;%s", identity, high, low, id.String())
}
