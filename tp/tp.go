// Package tp implements the J1939 Transport Protocol engine of J1939-21 §4.4
// for messages in [9, 1785] bytes: the transmit state machine (RTS → CTS →
// DT* → EndOfMsgAck) and the receive state machine (RTS → CTS → DT* →
// EndOfMsgAck), each as its own session type. isocan.py shared
// tp_seq/tp_count/tp_buf between the tx and rx roles, a latent bug this
// split avoids.
//
// Grounded on original_source/isocan.py's tp_send_cm/tp_tx_next/
// handle_tp_cm/handle_tp_td for wire semantics, and on
// encoding/nas/nas.go's dec/enc-method-pair style.
package tp

import (
	"github.com/yope/linux-j1939-testing/canid"
	"github.com/yope/linux-j1939-testing/linkerr"
)

// Control-message command bytes on PF 236 (TP.CM).
const (
	CMRTS   = 16
	CMCTS   = 17
	CMEOMA  = 19
	CMAbort = 255
)

// MaxMessageLen is the largest payload TP can carry; longer messages use
// ETP.
const MaxMessageLen = 1785

// payloadPerFrame is the number of data bytes carried in each TP.DT frame.
const payloadPerFrame = 7

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func pad7(chunk []byte) [7]byte {
	var out [7]byte
	for i := range out {
		out[i] = 0xFF
	}
	copy(out[:], chunk)
	return out
}

// TxSession is the transmit-side TP state machine: we originate the
// message, the peer gates delivery with CTS.
type TxSession struct {
	active bool
	da     uint8
	pgn    uint32
	data   []byte
	total  uint8
	seq    uint8
	count  uint8
}

// Busy reports whether a transfer is in flight.
func (s *TxSession) Busy() bool { return s.active }

// Start begins a TP transfer of data (9..1785 bytes) to da under pgn.
// Returns the RTS control-message payload (command byte already included)
// to send on PF 236.
func (s *TxSession) Start(da uint8, pgn uint32, data []byte) ([]byte, error) {
	if s.active {
		return nil, linkerr.Sessionf("tp tx: session already in flight to 0x%02x", s.da)
	}
	n := len(data)
	if n < 9 || n > MaxMessageLen {
		return nil, linkerr.Protocolf("tp tx: length %d out of range [9,%d]", n, MaxMessageLen)
	}
	np := ceilDiv(n, payloadPerFrame)

	s.active = true
	s.da = da
	s.pgn = pgn
	s.data = data
	s.total = uint8(np)
	s.seq = 1
	s.count = 0

	pb := canid.EncodePGN3(pgn)
	return []byte{CMRTS, byte(n), byte(n >> 8), byte(np), byte(np), pb[0], pb[1], pb[2]}, nil
}

// HandleCTS processes a received CTS(count, nextSeq) and returns the DT
// frame payloads (seq byte + 7 data bytes each) to enqueue in order.
func (s *TxSession) HandleCTS(count, nextSeq uint8) ([][]byte, error) {
	if !s.active {
		return nil, linkerr.Protocolf("tp tx: CTS with no session in flight")
	}
	if count == 0 {
		// Peer is holding the transfer; nothing to send until the next CTS.
		return nil, nil
	}
	s.seq = nextSeq
	s.count = count

	out := make([][]byte, 0, count)
	for s.count > 0 {
		if s.seq == 0 || int(s.seq) > int(s.total) {
			s.active = false
			return nil, linkerr.Protocolf("tp tx: CTS requested sequence %d beyond total %d packets", s.seq, s.total)
		}
		i := int(s.seq-1) * payloadPerFrame
		end := i + payloadPerFrame
		if end > len(s.data) {
			end = len(s.data)
		}
		chunk := pad7(s.data[i:end])
		out = append(out, append([]byte{s.seq}, chunk[:]...))

		if s.seq == 255 && s.count > 1 {
			s.active = false
			return nil, linkerr.Protocolf("tp tx: sequence number would wrap past 255, which cannot occur within TP")
		}
		s.seq++
		s.count--
	}
	return out, nil
}

// HandleEndOfMsgAck completes the transfer successfully.
func (s *TxSession) HandleEndOfMsgAck() error {
	if !s.active {
		return linkerr.Protocolf("tp tx: EndOfMsgAck with no session in flight")
	}
	s.active = false
	return nil
}

// HandleAbort aborts the in-flight transfer.
func (s *TxSession) HandleAbort(reason uint8) error {
	s.active = false
	return linkerr.Sessionf("tp tx: aborted by peer, reason=%d", reason)
}

// RxSession is the receive-side TP state machine: the peer originates, we
// gate delivery with CTS and reassemble into buf.
type RxSession struct {
	active     bool
	sa         uint8
	pgn        uint32
	mlen       int
	total      uint8
	maxPackets uint8
	count      uint8
	nextSeq    uint8
	buf        []byte
}

// Busy reports whether a reception is in flight.
func (s *RxSession) Busy() bool { return s.active }

// HandleRTS processes a received RTS and returns the first CTS payload to
// send back to sa.
func (s *RxSession) HandleRTS(sa uint8, mlen uint16, total, maxPackets uint8, pgn uint32) ([]byte, error) {
	if int(mlen) < 9 || int(mlen) > MaxMessageLen {
		return nil, linkerr.Protocolf("tp rx: RTS length %d out of range [9,%d]", mlen, MaxMessageLen)
	}
	s.mlen = int(mlen)
	s.total = total
	s.maxPackets = maxPackets
	s.count = minU8(maxPackets, total)
	s.buf = make([]byte, mlen)
	s.sa = sa
	s.pgn = pgn
	s.nextSeq = 1
	s.active = true

	pb := canid.EncodePGN3(pgn)
	return []byte{CMCTS, s.count, s.nextSeq, 0xFF, 0xFF, pb[0], pb[1], pb[2]}, nil
}

// DTResult is the outcome of processing one TP.DT frame.
type DTResult struct {
	// CTS holds the next CTS payload to send, non-nil when the current
	// window is exhausted but more data remains.
	CTS []byte
	// Done reports whether the message is fully reassembled.
	Done bool
	// EndOfMsgAck holds the ack payload to send when Done is true.
	EndOfMsgAck []byte
	// Payload holds the reassembled message when Done is true.
	Payload []byte
}

func minU8(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}

// HandleDT processes one TP.DT frame carrying sequence seq and 7 payload
// bytes. Sequence numbers must arrive strictly in order within a CTS
// window; any other sequence is a protocol error that aborts the session.
func (s *RxSession) HandleDT(seq uint8, payload [7]byte) (DTResult, error) {
	if !s.active {
		return DTResult{}, linkerr.Protocolf("tp rx: DT with no session in flight")
	}
	if seq != s.nextSeq {
		s.active = false
		return DTResult{}, linkerr.Protocolf("tp rx: out-of-order sequence %d, expected %d", seq, s.nextSeq)
	}

	ofs := int(seq-1) * payloadPerFrame
	if ofs >= s.mlen {
		s.active = false
		return DTResult{}, linkerr.Protocolf("tp rx: offset %d beyond message length %d", ofs, s.mlen)
	}
	n := payloadPerFrame
	if s.mlen-ofs < n {
		n = s.mlen - ofs
	}
	copy(s.buf[ofs:ofs+n], payload[:n])
	s.count--
	s.nextSeq++

	if s.count > 0 {
		return DTResult{}, nil
	}

	if ofs+payloadPerFrame < s.mlen {
		remaining := int(s.total) - int(s.nextSeq) + 1
		next := minU8(s.maxPackets, uint8(remaining))
		s.count = next
		pb := canid.EncodePGN3(s.pgn)
		cts := []byte{CMCTS, s.count, s.nextSeq, 0xFF, 0xFF, pb[0], pb[1], pb[2]}
		return DTResult{CTS: cts}, nil
	}

	nfrm := ceilDiv(s.mlen, payloadPerFrame)
	pb := canid.EncodePGN3(s.pgn)
	eoma := []byte{CMEOMA, byte(s.mlen), byte(s.mlen >> 8), byte(nfrm), 0xFF, pb[0], pb[1], pb[2]}
	out := DTResult{Done: true, EndOfMsgAck: eoma, Payload: append([]byte(nil), s.buf...)}
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
