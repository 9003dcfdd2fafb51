// Package claim implements the address-claim submodule of J1939-21 §4.3: the
// node's source address, its 8-byte NAME, and the arbitration procedure run
// against contending claims on the bus. Grounded on
// encoding/nas/nas.go's per-procedure method style (one method per protocol
// step, a struct holding the running state).
package claim

import (
	"encoding/binary"
	"time"
)

// Name is the opaque 8-byte NAME used for address-claim arbitration,
// compared as a big-endian unsigned 64-bit magnitude per J1939-81 (isocan.py
// compared raw byte sequences instead, which is not what J1939 requires).
type Name [8]byte

// Uint64 returns the NAME's arbitration value.
func (n Name) Uint64() uint64 {
	return binary.BigEndian.Uint64(n[:])
}

// Less reports whether n wins arbitration over other (numerically smaller
// NAME wins and keeps its address).
func (n Name) Less(other Name) bool {
	return n.Uint64() < other.Uint64()
}

// QuietInterval is how long a claim must go uncontested before Claimer
// clears Claiming. isocan.py never cleared the equivalent flag at all; 250ms
// is a reasonable quiet period given J1939-21's claim timing.
const QuietInterval = 250 * time.Millisecond

// MaxAddress is the highest source address Arbitrate moves to (addresses
// 254/255 are reserved for null/broadcast in full J1939). Losing arbitration
// while holding MaxAddress wraps the next claim attempt to address 0.
const MaxAddress = 253

// Claimer owns the sa/NAME/claiming triple from the link's Link state and
// implements the arbitration procedure of J1939-21 §4.3.
type Claimer struct {
	name        Name
	preferredSA uint8
	sa          *uint8
	claiming    bool
	quietUntil  time.Time
}

// New builds a Claimer with the given NAME and preferred starting address.
// No address is held until Start is called.
func New(name Name, preferredSA uint8) *Claimer {
	return &Claimer{name: name, preferredSA: preferredSA}
}

// SA returns the currently held source address, if any.
func (c *Claimer) SA() (uint8, bool) {
	if c.sa == nil {
		return 0, false
	}
	return *c.sa, true
}

// Name returns the node's NAME.
func (c *Claimer) Name() Name { return c.name }

// Claiming reports whether a claim is outstanding and not yet confirmed
// uncontested.
func (c *Claimer) Claiming() bool { return c.claiming }

// Start begins address-claim: if no address is held yet, the preferred
// address is adopted. Returns the 8-byte NAME payload the caller must send
// as a broadcast PF=238 frame at priority 6, DP 0, destination 255.
func (c *Claimer) Start(now time.Time) Name {
	if c.sa == nil {
		sa := c.preferredSA
		c.sa = &sa
	}
	c.claiming = true
	c.quietUntil = now.Add(QuietInterval)
	return c.name
}

// Arbitrate processes a PF=238 frame received from address sa carrying
// peerName. If sa does not match our held address, the frame does not
// concern us and ok is false. Otherwise: if peerName numerically wins
// (smaller NAME), we must move off this address — the new address to
// re-claim is returned and mustReclaim is true. If we win, we re-assert by
// re-claiming the same address.
func (c *Claimer) Arbitrate(now time.Time, sa uint8, peerName Name) (mustReclaim bool, ok bool) {
	held, has := c.SA()
	if !has || sa != held {
		return false, false
	}

	if peerName.Less(c.name) {
		next := held + 1
		if next > MaxAddress {
			next = 0
		}
		*c.sa = next
	}
	c.claiming = true
	c.quietUntil = now.Add(QuietInterval)
	return true, true
}

// Tick clears Claiming once QuietInterval has elapsed since the last claim
// or contention, with no further contention observed in between. The link
// façade calls this from Link.Tick.
func (c *Claimer) Tick(now time.Time) {
	if c.claiming && !now.Before(c.quietUntil) {
		c.claiming = false
	}
}
