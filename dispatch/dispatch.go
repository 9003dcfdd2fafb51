// Package dispatch implements the J1939 PDU dispatcher of J1939-21 §4.6: a
// single incoming frame is split into (priority, DP, PF, PS, SA), filtered
// by destination, and routed by PF to one of a fixed set of callbacks.
//
// Grounded on encoding/ngap/ngap.go's Decode → procCodeStr lookup →
// per-message decode method pattern, here reduced to a PF-keyed switch since
// the dispatch table is closed and small, preferable to an open-ended
// registration API.
package dispatch

import (
	"github.com/yope/linux-j1939-testing/canid"
	"github.com/yope/linux-j1939-testing/linkerr"
)

// Handlers holds one callback per PF the dispatcher recognizes, plus a
// catch-all for application traffic. A nil handler silently drops frames of
// that kind.
type Handlers struct {
	ETPData      func(sa uint8, pgn uint32, payload []byte)
	ETPConnMgmt  func(sa uint8, pgn uint32, payload []byte)
	Ack          func(sa uint8, pgn uint32, payload []byte)
	RequestPGN   func(sa uint8, pgn uint32, payload []byte)
	TPData       func(sa uint8, pgn uint32, payload []byte)
	TPConnMgmt   func(sa uint8, pgn uint32, payload []byte)
	AddressClaim func(sa uint8, pgn uint32, payload []byte)
	Page1        func(sa uint8, pgn uint32, payload []byte)
	Application  func(sa uint8, pf uint8, ps uint8, pgn uint32, payload []byte)

	// DroppedNotForUs counts PDU1 frames filtered out by the destination
	// check. DroppedPage1 counts DP=1 frames, which are passed to Page1 (if
	// set) and never reach the PF lookup. Callers may inspect these for
	// logging or metrics.
	DroppedNotForUs uint64
	DroppedPage1    uint64
}

// Route decodes id into its J1939 fields and dispatches payload to the
// matching handler in h, after applying the destination filter described in
// J1939-21 §4.6: a PDU1 frame not addressed to ourSA or to broadcast is
// dropped before PF lookup.
func (h *Handlers) Route(id uint32, payload []byte, ourSA uint8) error {
	_, dp, pf, ps, sa := canid.UnpackID(id)

	if dp == 1 {
		h.DroppedPage1++
		if h.Page1 != nil {
			h.Page1(sa, canid.PackPGN(dp, pf, ps), payload)
		}
		return nil
	}

	if canid.IsPDU1(pf) && ps != canid.Broadcast && ps != ourSA {
		h.DroppedNotForUs++
		return nil
	}

	pgn := canid.PackPGN(dp, pf, ps)

	switch pf {
	case canid.PFETPData:
		if h.ETPData != nil {
			h.ETPData(sa, pgn, payload)
		}
	case canid.PFETPConnMgmt:
		if h.ETPConnMgmt != nil {
			h.ETPConnMgmt(sa, pgn, payload)
		}
	case canid.PFAck:
		if h.Ack != nil {
			h.Ack(sa, pgn, payload)
		}
	case canid.PFRequest:
		if len(payload) < 3 {
			return linkerr.Protocolf("dispatch: request-for-pgn payload too short: %d bytes", len(payload))
		}
		requested := canid.DecodePGN3(payload[0:3])
		if h.RequestPGN != nil {
			h.RequestPGN(sa, requested, payload)
		}
	case canid.PFTPData:
		if h.TPData != nil {
			h.TPData(sa, pgn, payload)
		}
	case canid.PFTPConnMgmt:
		if h.TPConnMgmt != nil {
			h.TPConnMgmt(sa, pgn, payload)
		}
	case canid.PFAddressClaim:
		if h.AddressClaim != nil {
			h.AddressClaim(sa, pgn, payload)
		}
	default:
		if h.Application != nil {
			h.Application(sa, pf, ps, pgn, payload)
		}
	}
	return nil
}

// EncodeAck builds the ACK/NACK payload of J1939-21 §4.7 for pgn.
func EncodeAck(positive bool, pgn uint32) []byte {
	ackFlag := uint8(1)
	if positive {
		ackFlag = 0
	}
	pb := canid.EncodePGN3(pgn)
	return []byte{ackFlag, 0xFF, 0xFF, 0xFF, 0xFF, pb[0], pb[1], pb[2]}
}

// EncodeRequestPGN builds the Request-for-PGN payload of J1939-21 §4.6.
func EncodeRequestPGN(pgn uint32) []byte {
	pb := canid.EncodePGN3(pgn)
	return []byte{pb[0], pb[1], pb[2]}
}
