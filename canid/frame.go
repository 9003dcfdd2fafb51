// Package canid implements the wire-level codecs for the J1939 link layer:
// the 16-byte kernel CAN frame, the 29-bit extended identifier, and the
// 18-bit Parameter Group Number (PGN). Nothing here knows about TP/ETP,
// address claim, or the application; it is pure bit manipulation.
package canid

import (
	"encoding/binary"
	"fmt"
)

// EFFFlag marks a 29-bit extended-frame identifier in bit 31 of the
// wire-format CAN id, per the kernel's struct can_frame layout.
const EFFFlag uint32 = 0x80000000

// FrameSize is the size in bytes of the kernel's 16-byte can_frame: a
// 4-byte id, a 1-byte DLC, 3 pad bytes, and 8 bytes of payload.
const FrameSize = 16

// MaxPayload is the maximum number of data bytes a classic CAN frame
// carries.
const MaxPayload = 8

// Priority values used on the bus. Normal application traffic and
// request/ack frames use PriorityNormal; TP and ETP control/data frames use
// PriorityTP.
const (
	PriorityNormal uint8 = 6
	PriorityTP     uint8 = 7
)

// Broadcast is the destination/PS value meaning "all nodes".
const Broadcast uint8 = 255

// AddressClaimPGN is the PGN carried by PF 238 address-claim frames, and the
// PGN requested by a peer to ask for a re-claim.
const AddressClaimPGN uint32 = 0x00EE00

// PDU format (PF) values for the control messages this link understands.
const (
	PFETPData       uint8 = 199
	PFETPConnMgmt   uint8 = 200
	PFAck           uint8 = 232
	PFRequest       uint8 = 234
	PFTPData        uint8 = 235
	PFTPConnMgmt    uint8 = 236
	PFAddressClaim  uint8 = 238
)

// Frame is a decoded CAN frame: a 29-bit identifier (EFFFlag unset; Encode
// adds it on the wire) and up to MaxPayload bytes of payload.
type Frame struct {
	ID      uint32
	Payload []byte
}

// Encode packs f into the 16-byte kernel can_frame wire layout: a
// little-endian id with EFFFlag set, a 1-byte DLC, 3 reserved pad bytes, and
// 8 payload bytes (padded with zero beyond DLC).
func (f Frame) Encode() []byte {
	buf := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], f.ID|EFFFlag)
	buf[4] = uint8(len(f.Payload))
	copy(buf[8:8+len(f.Payload)], f.Payload)
	return buf
}

// DecodeFrame unpacks a 16-byte kernel can_frame buffer into a Frame. The
// EFFFlag bit is masked out of the returned ID.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) != FrameSize {
		return Frame{}, fmt.Errorf("canid: malformed frame buffer length=%d, want %d", len(buf), FrameSize)
	}
	id := binary.LittleEndian.Uint32(buf[0:4]) &^ EFFFlag
	dlc := int(buf[4])
	if dlc > MaxPayload {
		return Frame{}, fmt.Errorf("canid: dlc=%d exceeds max payload %d", dlc, MaxPayload)
	}
	payload := make([]byte, dlc)
	copy(payload, buf[8:8+dlc])
	return Frame{ID: id, Payload: payload}, nil
}

// PackID builds the 29-bit J1939 identifier from its fields: priority (3
// bits), data page (1 bit), PDU format, PDU specific, and source address.
func PackID(priority uint8, dp uint8, pf uint8, ps uint8, sa uint8) uint32 {
	return (uint32(priority&0x7) << 26) |
		(uint32(dp&0x1) << 24) |
		(uint32(pf) << 16) |
		(uint32(ps) << 8) |
		uint32(sa)
}

// UnpackID splits a 29-bit J1939 identifier (EFFFlag already masked out)
// into priority, data page, PDU format, PDU specific, and source address.
func UnpackID(id uint32) (priority, dp, pf, ps, sa uint8) {
	priority = uint8((id >> 26) & 0x7)
	dp = uint8((id >> 24) & 0x1)
	pf = uint8((id >> 16) & 0xff)
	ps = uint8((id >> 8) & 0xff)
	sa = uint8(id & 0xff)
	return
}

// IsPDU1 reports whether pf addresses a single destination (PS carries the
// destination address) rather than being broadcast-like PDU2.
func IsPDU1(pf uint8) bool {
	return pf < 240
}

// PackPGN builds the 18-bit Parameter Group Number from data page, PDU
// format and PDU specific. Per spec, when pf addresses PDU1 the PS byte of
// a PGN is always zero — the destination travels in the identifier, not the
// PGN.
func PackPGN(dp uint8, pf uint8, ps uint8) uint32 {
	if IsPDU1(pf) {
		ps = 0
	}
	return (uint32(dp&0x1) << 16) | (uint32(pf) << 8) | uint32(ps)
}

// UnpackPGN splits an 18-bit PGN into data page, PDU format, and PDU
// specific (group extension for PDU2, always zero for PDU1).
func UnpackPGN(pgn uint32) (dp, pf, ps uint8) {
	dp = uint8((pgn >> 16) & 0x1)
	pf = uint8((pgn >> 8) & 0xff)
	ps = uint8(pgn & 0xff)
	return
}

// EncodePGN3 returns the 3-byte little-endian encoding of pgn used inside
// Request-for-PGN and TP/ETP control-message payloads.
func EncodePGN3(pgn uint32) [3]byte {
	return [3]byte{byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
}

// DecodePGN3 reads a 3-byte little-endian PGN as found in a Request-for-PGN
// payload or a TP/ETP control message.
func DecodePGN3(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
