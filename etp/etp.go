// Package etp implements the J1939 Extended Transport Protocol engine of
// J1939-21 §4.5 for messages longer than 1785 bytes, up to the 24-bit
// sequence space's limit of 117,440,505 bytes: RTS → (CTS, DPO, DT*)* →
// EOMA on transmit, and the mirror image on receive.
//
// Grounded on original_source/isocan.py's etp_send_cm/etp_tx_next/
// handle_etp_cm/handle_etp_td for wire semantics and J1939-21 §4.5's exact
// offset/DPO formulas.
package etp

import (
	"github.com/yope/linux-j1939-testing/canid"
	"github.com/yope/linux-j1939-testing/linkerr"
)

// Control-message command bytes on PF 200 (ETP.CM).
const (
	CMRTS   = 20
	CMCTS   = 21
	CMDPO   = 22
	CMEOMA  = 23
	CMAbort = 255
)

// MinMessageLen is the smallest payload ETP handles; shorter messages use
// TP or a single frame.
const MinMessageLen = tpMaxMessageLen + 1

// tpMaxMessageLen mirrors tp.MaxMessageLen without importing package tp (ETP
// and TP are independent engines composed by the link façade, not layered
// on one another).
const tpMaxMessageLen = 1785

// MaxMessageLen is the largest payload the 24-bit sequence space can
// address: ⌈117440505/7⌉ fits in 24 bits; values above this cannot be
// segmented without exceeding the protocol's addressing range.
const MaxMessageLen = 117440505

const payloadPerFrame = 7
const maxWindowPackets = 255

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func pad7(chunk []byte) [7]byte {
	var out [7]byte
	for i := range out {
		out[i] = 0xFF
	}
	copy(out[:], chunk)
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// TxSession is the transmit-side ETP state machine.
type TxSession struct {
	active bool
	da     uint8
	pgn    uint32
	data   []byte
	mlen   int
	// nextAbsSeq is the 1-based absolute packet index the next CTS window
	// will start at (the link's tp_seq for ETP).
	nextAbsSeq int
	count      int
}

// Busy reports whether a transfer is in flight.
func (s *TxSession) Busy() bool { return s.active }

// Start begins an ETP transfer of data (> 1785 bytes) to da under pgn.
// Returns the RTS control-message payload to send on PF 200.
func (s *TxSession) Start(da uint8, pgn uint32, data []byte) ([]byte, error) {
	if s.active {
		return nil, linkerr.Sessionf("etp tx: session already in flight to 0x%02x", s.da)
	}
	n := len(data)
	if n <= tpMaxMessageLen || n > MaxMessageLen {
		return nil, linkerr.Protocolf("etp tx: length %d out of range (%d,%d]", n, tpMaxMessageLen, MaxMessageLen)
	}

	s.active = true
	s.da = da
	s.pgn = pgn
	s.data = data
	s.mlen = n

	pb := canid.EncodePGN3(pgn)
	return []byte{
		CMRTS,
		byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24),
		pb[0], pb[1], pb[2],
	}, nil
}

// HandleCTS processes a received CTS(count, absSeq) and returns the DPO
// control message followed by the DT frame payloads to enqueue in order.
func (s *TxSession) HandleCTS(count uint8, absSeq uint32) (dpo []byte, dtFrames [][]byte, err error) {
	if !s.active {
		return nil, nil, linkerr.Protocolf("etp tx: CTS with no session in flight")
	}
	if count == 0 {
		return nil, nil, nil
	}
	s.nextAbsSeq = int(absSeq)
	s.count = int(count)

	dpoOfs := s.nextAbsSeq - 1
	dpo = []byte{
		CMDPO, count,
		byte(dpoOfs), byte(dpoOfs >> 8), byte(dpoOfs >> 16),
	}
	pb := canid.EncodePGN3(s.pgn)
	dpo = append(dpo, pb[0], pb[1], pb[2])

	packetIdx := s.nextAbsSeq - 1 // 0-based
	sn := uint8(1)
	dtFrames = make([][]byte, 0, count)
	for s.count > 0 {
		byteOfs := packetIdx * payloadPerFrame
		end := minInt(byteOfs+payloadPerFrame, s.mlen)
		chunk := pad7(s.data[byteOfs:end])
		dtFrames = append(dtFrames, append([]byte{sn}, chunk[:]...))

		packetIdx++
		s.count--
		if sn == 255 && s.count > 0 {
			s.active = false
			return nil, nil, linkerr.Protocolf("etp tx: window count %d exceeds 255 packets per CTS", count)
		}
		sn++
	}
	return dpo, dtFrames, nil
}

// HandleEOMA completes the transfer successfully.
func (s *TxSession) HandleEOMA() error {
	if !s.active {
		return linkerr.Protocolf("etp tx: EOMA with no session in flight")
	}
	s.active = false
	return nil
}

// HandleAbort aborts the in-flight transfer.
func (s *TxSession) HandleAbort(reason uint8) error {
	s.active = false
	return linkerr.Sessionf("etp tx: aborted by peer, reason=%d", reason)
}

// RxSession is the receive-side ETP state machine.
type RxSession struct {
	active bool
	sa     uint8
	pgn    uint32
	mlen   int
	buf    []byte

	// nextAbsSeq is the next absolute (0-based) packet index expected to
	// start the following CTS window once the current one drains.
	nextAbsSeq int
	count      int
	dpo        int
	// windowSN is the 1-byte wire sequence number expected next within
	// the current window.
	windowSN uint8
}

// Busy reports whether a reception is in flight.
func (s *RxSession) Busy() bool { return s.active }

func (s *RxSession) ctsPayload() []byte {
	totalPackets := ceilDiv(s.mlen, payloadPerFrame)
	remaining := totalPackets - s.nextAbsSeq
	count := minInt(maxWindowPackets, remaining)
	s.count = count
	absSeq := s.nextAbsSeq + 1
	pb := canid.EncodePGN3(s.pgn)
	return []byte{
		CMCTS, uint8(count),
		byte(absSeq), byte(absSeq >> 8), byte(absSeq >> 16),
		pb[0], pb[1], pb[2],
	}
}

// HandleRTS processes a received ETP.RTS and returns the first CTS payload
// to send back to sa.
func (s *RxSession) HandleRTS(sa uint8, mlen uint32, pgn uint32) ([]byte, error) {
	if int(mlen) <= tpMaxMessageLen || int(mlen) > MaxMessageLen {
		return nil, linkerr.Protocolf("etp rx: RTS length %d out of range (%d,%d]", mlen, tpMaxMessageLen, MaxMessageLen)
	}
	s.mlen = int(mlen)
	s.buf = make([]byte, mlen)
	s.sa = sa
	s.pgn = pgn
	s.nextAbsSeq = 0
	s.active = true
	return s.ctsPayload(), nil
}

// HandleDPO records the Data Packet Offset base for the DT frames that
// follow in the current window, and resets the expected wire sequence
// number to 1.
func (s *RxSession) HandleDPO(dpo uint32) {
	s.dpo = int(dpo)
	s.windowSN = 1
}

// DTResult is the outcome of processing one ETP.DT frame.
type DTResult struct {
	// CTS holds the next CTS payload to send, non-nil when the current
	// window is exhausted but more data remains.
	CTS []byte
	// Done reports whether the message is fully reassembled.
	Done bool
	// EOMA holds the end-of-message-ack payload to send when Done is true.
	EOMA []byte
	// Payload holds the reassembled message when Done is true.
	Payload []byte
}

// HandleDT processes one ETP.DT frame carrying wire sequence sn and 7
// payload bytes. The absolute byte offset is (sn + dpo - 1) * 7 per
// J1939-21 §4.5.
func (s *RxSession) HandleDT(sn uint8, payload [7]byte) (DTResult, error) {
	if !s.active {
		return DTResult{}, linkerr.Protocolf("etp rx: DT with no session in flight")
	}
	if sn != s.windowSN {
		s.active = false
		return DTResult{}, linkerr.Protocolf("etp rx: out-of-order sequence %d, expected %d", sn, s.windowSN)
	}

	ofs := (int(sn) + s.dpo - 1) * payloadPerFrame
	if ofs < 0 || ofs >= s.mlen {
		s.active = false
		return DTResult{}, linkerr.Protocolf("etp rx: offset %d out of range [0,%d)", ofs, s.mlen)
	}
	n := payloadPerFrame
	if s.mlen-ofs < n {
		n = s.mlen - ofs
	}
	if ofs+n > s.mlen {
		s.active = false
		return DTResult{}, linkerr.Protocolf("etp rx: offset+n %d exceeds message length %d", ofs+n, s.mlen)
	}
	copy(s.buf[ofs:ofs+n], payload[:n])
	s.count--
	s.windowSN++

	if s.count > 0 {
		return DTResult{}, nil
	}

	if s.mlen-ofs > payloadPerFrame {
		s.nextAbsSeq = ofs/payloadPerFrame + 1
		return DTResult{CTS: s.ctsPayload()}, nil
	}

	eoma := []byte{CMEOMA, byte(s.mlen), byte(s.mlen >> 8), byte(s.mlen >> 16), byte(s.mlen >> 24)}
	out := DTResult{Done: true, EOMA: eoma, Payload: append([]byte(nil), s.buf...)}
	s.active = false
	return out, nil
}

// Abort resets the session and returns the abort payload to send to sa.
func (s *RxSession) Abort(reason uint8) []byte {
	s.active = false
	pb := canid.EncodePGN3(s.pgn)
	return []byte{CMAbort, reason, 0xFF, 0xFF, 0xFF, pb[0], pb[1], pb[2]}
}

// SA returns the peer address of the in-flight reception.
func (s *RxSession) SA() uint8 { return s.sa }

// PGN returns the PGN of the in-flight reception.
func (s *RxSession) PGN() uint32 { return s.pgn }
