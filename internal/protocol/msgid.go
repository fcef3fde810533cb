package protocol

import (
	"sync"
	"time"
)

// idEpoch anchors message ids so the seconds component fits comfortably in
// 32 bits for decades. 2024-01-01T00:00:00Z.
const idEpoch = 1704067200

// MsgIDGenerator assigns client message ids that are unique within a
// connection and sortable by emission order. The high 32 bits carry seconds
// since idEpoch, the low 32 bits a per-second counter, so ids stay monotonic
// without a synchronized clock: a stalled clock still advances the counter.
type MsgIDGenerator struct {
	mu          sync.Mutex
	now         func() time.Time
	lastSeconds uint64
	counter     uint32
}

// NewMsgIDGenerator returns a generator backed by the wall clock.
func NewMsgIDGenerator() *MsgIDGenerator {
	return &MsgIDGenerator{now: time.Now}
}

// newMsgIDGeneratorAt returns a generator with an injected clock for tests.
func newMsgIDGeneratorAt(now func() time.Time) *MsgIDGenerator {
	return &MsgIDGenerator{now: now}
}

// Next returns the next message id.
func (g *MsgIDGenerator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	seconds := uint64(g.now().Unix() - idEpoch)
	if seconds < g.lastSeconds {
		// Clock went backwards; keep emitting within the last observed
		// second so ids never regress.
		seconds = g.lastSeconds
	}
	if seconds == g.lastSeconds {
		g.counter++
	} else {
		g.lastSeconds = seconds
		g.counter = 0
	}
	return seconds<<32 | uint64(g.counter)
}
