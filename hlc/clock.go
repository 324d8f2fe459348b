package hlc

import (
	"sync"
	"time"
)

// Clock implements a Hybrid Logical Clock used to mint operation tokens.
// Tokens derived from successive Now() calls are strictly increasing.
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	lastMS   int64 // Last millisecond used for token generation - logical resets when this changes
	mu       sync.Mutex
}

// Timestamp represents a point in time on this node
type Timestamp struct {
	WallTime int64
	Logical  int32
	NodeID   uint64
}

// NewClock creates a new HLC instance
func NewClock(nodeID uint64) *Clock {
	now := time.Now().UnixNano()
	return &Clock{
		nodeID:   nodeID,
		wallTime: now,
		logical:  0,
		lastMS:   now / 1_000_000,
	}
}

// MaxLogical is the maximum value for logical counter before overflow
const MaxLogical = LogicalMask

// Now generates a new timestamp for a local event
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()
	currentMS := physicalNow / 1_000_000

	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
	}

	// ToToken only keeps 16 bits of logical, so it must reset per millisecond
	if currentMS > c.lastMS {
		c.lastMS = currentMS
		c.logical = 0
	}

	// Logical counter exhausted for this millisecond: wait for the next one
	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		now := time.Now().UnixNano()
		nowMS := now / 1_000_000
		if nowMS > c.lastMS {
			c.wallTime = now
			c.lastMS = nowMS
			c.logical = 0
			break
		}
	}

	c.logical++

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// Observe moves the clock forward so that every later token is greater than
// the given one. Used on startup with the last persisted token, which may be
// ahead of the wall clock after a restart.
func (c *Clock) Observe(token uint64) {
	if token == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ms := int64(token >> TotalShiftBits)
	logical := int32(token & LogicalMask)

	if ms < c.lastMS {
		return
	}
	if ms == c.lastMS && logical <= c.logical {
		return
	}

	c.lastMS = ms
	c.logical = logical
	if wall := ms * 1_000_000; wall > c.wallTime {
		c.wallTime = wall
	}
}

// Compare compares two timestamps
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b Timestamp) int {
	if a.WallTime < b.WallTime {
		return -1
	}
	if a.WallTime > b.WallTime {
		return 1
	}

	if a.Logical < b.Logical {
		return -1
	}
	if a.Logical > b.Logical {
		return 1
	}

	if a.NodeID < b.NodeID {
		return -1
	}
	if a.NodeID > b.NodeID {
		return 1
	}

	return 0
}

// After returns true if a happened after b
func After(a, b Timestamp) bool {
	return Compare(a, b) > 0
}

// PhysicalTime returns the physical time component as time.Time
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

// String returns a human-readable representation
func (t Timestamp) String() string {
	return t.PhysicalTime().Format(time.RFC3339Nano)
}

// LogicalBits is the number of bits reserved for logical counter in tokens.
// 16 bits = ~65k tokens per millisecond per node.
const LogicalBits = 16

// LogicalMask masks the logical counter to 16 bits for ToToken
const LogicalMask = (1 << LogicalBits) - 1

// NodeIDBits is the number of bits reserved for node ID in tokens.
const NodeIDBits = 6

// NodeIDMask masks the node ID to 6 bits for ToToken
const NodeIDMask = (1 << NodeIDBits) - 1

// TotalShiftBits is the total bits to shift wall time (NodeIDBits + LogicalBits)
const TotalShiftBits = NodeIDBits + LogicalBits // 22 bits

// ToToken converts a timestamp to an operation token.
// Format: (physical_ms << 22) | (node_id << 16) | logical
//
// Bit allocation (64 bits total):
//   - 42 bits for wall time in milliseconds (~139 years from epoch)
//   - 6 bits for node ID
//   - 16 bits for logical counter (~65k per ms)
func (t Timestamp) ToToken() uint64 {
	physicalMS := uint64(t.WallTime / 1_000_000)
	nodeID := t.NodeID & NodeIDMask
	logical := uint64(t.Logical) & LogicalMask
	return (physicalMS << TotalShiftBits) | (nodeID << LogicalBits) | logical
}

// TokenTime returns the wall time (millisecond precision) encoded in a token.
func TokenTime(token uint64) time.Time {
	return time.UnixMilli(int64(token >> TotalShiftBits))
}

// TokenFloor returns the smallest token that can be minted at or after t.
// Every token strictly below it was minted before t's millisecond.
func TokenFloor(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms) << TotalShiftBits
}
