// Package link implements the façade of J1939-21 §6: the aggregate object an
// application and a reactor both talk to, wiring together canid, claim,
// txqueue, tp, etp, and dispatch into the single-threaded cooperative model
// of J1939-21 §5.
//
// Grounded on cmd/gnbsim.go's GnbsimSession aggregate struct
// (one struct owning every subsystem, methods named after the operation
// they perform) and example/example.go's testSession method style
// (SendMessage-shaped public API, one method per upward operation from
// J1939-21 §6).
package link

import (
	"time"

	"github.com/yope/linux-j1939-testing/canid"
	"github.com/yope/linux-j1939-testing/claim"
	"github.com/yope/linux-j1939-testing/dispatch"
	"github.com/yope/linux-j1939-testing/etp"
	"github.com/yope/linux-j1939-testing/internal/linklog"
	"github.com/yope/linux-j1939-testing/linkerr"
	"github.com/yope/linux-j1939-testing/tp"
	"github.com/yope/linux-j1939-testing/txqueue"

	"github.com/charmbracelet/log"
)

// Status is the coarse link state exposed to the application by J1939-21 §6.
type Status int

const (
	StatusClaiming Status = iota
	StatusTP
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusClaiming:
		return "claiming"
	case StatusTP:
		return "tp"
	default:
		return "ready"
	}
}

// Application is the upward interface of J1939-21 §6: one callback per fully
// assembled message.
type Application interface {
	HandleData(pf, da, sa uint8, payload []byte)
}

// Socket is the downward interface of J1939-21 §6 a Link drives. cansock.Socket
// satisfies it; tests substitute a fake.
type Socket interface {
	Fd() int
	Recv() (canid.Frame, bool, error)
	SendRaw(buf []byte) (bool, error)
	Close() error
}

// ReactorHooks lets Link ask its reactor to add or remove write interest,
// per J1939-21 §6 ("the link calls the reactor to add/remove write-interest").
type ReactorHooks interface {
	AddWriteInterest()
	RemoveWriteInterest()
}

type noopHooks struct{}

func (noopHooks) AddWriteInterest()    {}
func (noopHooks) RemoveWriteInterest() {}

// Link is the J1939 link layer aggregate: one CAN socket, one send queue,
// one claimer, and one TP/ETP session pair in each direction.
type Link struct {
	sock   Socket
	hooks  ReactorHooks
	queue  *txqueue.Queue
	claim  *claim.Claimer
	app    Application
	log    *log.Logger
	cfg    Config

	tpTx  tp.TxSession
	tpRx  tp.RxSession
	etpTx etp.TxSession
	etpRx etp.RxSession

	tpActivity  time.Time
	etpActivity time.Time
}

// New builds a Link around an already-open socket. hooks may be nil, which
// disables write-interest notifications (suitable for tests driving
// OnWritable directly).
func New(sock Socket, cfg Config, name claim.Name, app Application, hooks ReactorHooks) *Link {
	if hooks == nil {
		hooks = noopHooks{}
	}
	return &Link{
		sock:  sock,
		hooks: hooks,
		queue: txqueue.New(cfg.SendQueueLen),
		claim: claim.New(name, cfg.PreferredSA),
		app:   app,
		log:   linklog.New("link"),
		cfg:   cfg,
	}
}

// Fd returns the socket file descriptor for reactor registration.
func (l *Link) Fd() int { return l.sock.Fd() }

// Status reports the link's coarse state.
func (l *Link) Status() Status {
	if l.claim.Claiming() {
		return StatusClaiming
	}
	if l.tpTx.Busy() || l.tpRx.Busy() || l.etpTx.Busy() || l.etpRx.Busy() {
		return StatusTP
	}
	return StatusReady
}

func (l *Link) sourceAddress() (uint8, error) {
	sa, ok := l.claim.SA()
	if !ok {
		return 0, linkerr.Sessionf("link: no address held, call StartAddressClaim first")
	}
	return sa, nil
}

func (l *Link) enqueue(priority, dp, pf, ps uint8, payload []byte) error {
	sa, err := l.sourceAddress()
	if err != nil {
		return err
	}
	f := canid.Frame{ID: canid.PackID(priority, dp, pf, ps, sa), Payload: payload}
	wasEmpty := l.queue.Empty()
	l.queue.Push(f.Encode())
	if wasEmpty {
		l.hooks.AddWriteInterest()
	}
	return nil
}

// enqueueAs is like enqueue but lets the caller supply an explicit source
// address, needed before a node holds one (the initial address claim).
func (l *Link) enqueueAs(sa, priority, dp, pf, ps uint8, payload []byte) {
	f := canid.Frame{ID: canid.PackID(priority, dp, pf, ps, sa), Payload: payload}
	wasEmpty := l.queue.Empty()
	l.queue.Push(f.Encode())
	if wasEmpty {
		l.hooks.AddWriteInterest()
	}
}

// burstFrame is one frame of an enqueueBurstAs call: a control or data PDU
// that must land in the queue alongside its siblings as a unit.
type burstFrame struct {
	pf, ps  uint8
	payload []byte
}

// enqueueBurstAs pushes several frames as a single atomic unit via
// txqueue.Queue.PushBurst, so an ETP CTS window's DPO and its DT frames (or
// a TP CTS window's DT frames) cannot be torn apart by overflow eviction the
// way capacity-many individual enqueueAs calls could tear them apart.
func (l *Link) enqueueBurstAs(sa, priority, dp uint8, items []burstFrame) {
	if len(items) == 0 {
		return
	}
	frames := make([][]byte, len(items))
	for i, it := range items {
		frames[i] = canid.Frame{ID: canid.PackID(priority, dp, it.pf, it.ps, sa), Payload: it.payload}.Encode()
	}
	wasEmpty := l.queue.Empty()
	l.queue.PushBurst(frames)
	if wasEmpty {
		l.hooks.AddWriteInterest()
	}
}

// StartAddressClaim begins the claim procedure of J1939-21 §4.3.
func (l *Link) StartAddressClaim(now time.Time) error {
	name := l.claim.Start(now)
	sa, _ := l.claim.SA()
	l.enqueueAs(sa, canid.PriorityNormal, 0, canid.PFAddressClaim, canid.Broadcast, name[:])
	return nil
}

// SendAck emits an ACK/NACK per J1939-21 §4.7.
func (l *Link) SendAck(da uint8, ok bool, pgn uint32) error {
	return l.enqueue(canid.PriorityNormal, 0, canid.PFAck, da, dispatch.EncodeAck(ok, pgn))
}

// SendRequestPGN emits a Request-for-PGN per J1939-21 §4.6.
func (l *Link) SendRequestPGN(da uint8, pgn uint32) error {
	return l.enqueue(canid.PriorityNormal, 0, canid.PFRequest, da, dispatch.EncodeRequestPGN(pgn))
}

// SendMessage implements J1939-21 §4.7's send_message: single-frame when the
// payload fits in 8 bytes, otherwise TP or ETP depending on length. now is
// the reactor's injected clock, stamped onto the new session's activity
// timer so Tick's stall detection measures elapsed time against the same
// clock the caller drives everything else with, never wall-clock time.
func (l *Link) SendMessage(now time.Time, pf, da uint8, payload []byte) error {
	if len(payload) > 8 {
		ps := da
		if !canid.IsPDU1(pf) {
			ps = 0
		}
		pgn := canid.PackPGN(0, pf, ps)
		return l.sendSegmented(now, da, pgn, payload)
	}
	ps := da
	return l.enqueue(canid.PriorityNormal, 0, pf, ps, payload)
}

// SendMessagePGN implements J1939-21 §4.7's send_message_pgn: the PGN's own
// PS field supplies the destination for PDU2 traffic; for PDU1 traffic
// (where PackPGN always zeroes PS) the separate da parameter is the
// destination.
func (l *Link) SendMessagePGN(now time.Time, pgn uint32, da uint8, payload []byte) error {
	_, pf, ps := canid.UnpackPGN(pgn)
	destination := ps
	if canid.IsPDU1(pf) {
		destination = da
	}
	return l.SendMessage(now, pf, destination, payload)
}

func (l *Link) sendSegmented(now time.Time, da uint8, pgn uint32, payload []byte) error {
	sa, err := l.sourceAddress()
	if err != nil {
		return err
	}
	n := len(payload)
	switch {
	case n <= tp.MaxMessageLen:
		rts, err := l.tpTx.Start(da, pgn, payload)
		if err != nil {
			return err
		}
		l.tpActivity = now
		l.enqueueAs(sa, canid.PriorityTP, 0, canid.PFTPConnMgmt, da, rts)
	case n <= etp.MaxMessageLen:
		rts, err := l.etpTx.Start(da, pgn, payload)
		if err != nil {
			return err
		}
		l.etpActivity = now
		l.enqueueAs(sa, canid.PriorityTP, 0, canid.PFETPConnMgmt, da, rts)
	default:
		return linkerr.Protocolf("link: payload of %d bytes exceeds ETP's addressable range", n)
	}
	return nil
}

// OnWritable sends one frame from the head of the outbound queue, per
// J1939-21 §6. It re-queues the frame at the front on a transient EAGAIN and
// tells the reactor to drop write interest once the queue drains.
func (l *Link) OnWritable() error {
	buf, ok := l.queue.Peek()
	if !ok {
		l.hooks.RemoveWriteInterest()
		return nil
	}
	sent, err := l.sock.SendRaw(buf)
	if err != nil {
		return err
	}
	if !sent {
		return nil
	}
	l.queue.Pop()
	if l.queue.Empty() {
		l.hooks.RemoveWriteInterest()
	}
	return nil
}

// OnReadable drains one frame from the socket and dispatches it, per
// J1939-21 §6.
func (l *Link) OnReadable(now time.Time) error {
	f, ok, err := l.sock.Recv()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return l.dispatchFrame(now, f)
}

// dispatchFrame routes one already-received frame through the PF dispatch
// table. Split out from OnReadable so tests driving a real socket can pull
// frames with their own poll loop and still exercise the same dispatch
// path.
func (l *Link) dispatchFrame(now time.Time, f canid.Frame) error {
	sa, hasSA := l.claim.SA()
	var ourSA uint8
	if hasSA {
		ourSA = sa
	} else {
		ourSA = canid.Broadcast // nothing is "addressed to us" before a claim
	}

	var h dispatch.Handlers
	h.TPConnMgmt = func(peerSA uint8, pgn uint32, payload []byte) { l.handleTPCM(now, peerSA, pgn, payload) }
	h.TPData = func(peerSA uint8, pgn uint32, payload []byte) { l.handleTPDT(now, peerSA, payload) }
	h.ETPConnMgmt = func(peerSA uint8, pgn uint32, payload []byte) { l.handleETPCM(now, peerSA, pgn, payload) }
	h.ETPData = func(peerSA uint8, pgn uint32, payload []byte) { l.handleETPDT(now, peerSA, payload) }
	h.AddressClaim = func(peerSA uint8, pgn uint32, payload []byte) { l.handleAddressClaim(now, peerSA, payload) }
	h.RequestPGN = func(peerSA uint8, pgn uint32, payload []byte) { l.handleRequestPGN(peerSA, pgn) }
	h.Page1 = func(peerSA uint8, pgn uint32, payload []byte) {
		l.log.Debug("page-1 frame dropped", "sa", peerSA, "pgn", pgn)
	}
	h.Ack = func(peerSA uint8, pgn uint32, payload []byte) {
		if l.app != nil {
			l.app.HandleData(canid.PFAck, ourSA, peerSA, payload)
		}
	}
	h.Application = func(peerSA uint8, pf uint8, ps uint8, pgn uint32, payload []byte) {
		if l.app != nil {
			l.app.HandleData(pf, ps, peerSA, payload)
		}
	}

	return h.Route(f.ID, f.Payload, ourSA)
}

func (l *Link) deliverReassembled(pgn uint32, sa uint8, payload []byte) {
	_, pf, _ := canid.UnpackPGN(pgn)
	ourSA, _ := l.claim.SA()
	if l.app != nil {
		l.app.HandleData(pf, ourSA, sa, payload)
	}
}

func (l *Link) handleTPCM(now time.Time, sa uint8, pgn uint32, payload []byte) {
	if len(payload) == 0 {
		return
	}
	sourceAddr, errSA := l.sourceAddress()
	switch payload[0] {
	case tp.CMRTS:
		if len(payload) < 8 {
			return
		}
		mlen := uint16(payload[1]) | uint16(payload[2])<<8
		total := payload[3]
		maxPackets := payload[4]
		cts, err := l.tpRx.HandleRTS(sa, mlen, total, maxPackets, canid.DecodePGN3(payload[5:8]))
		if err != nil {
			l.log.Warn("tp rx rts rejected", "err", err)
			return
		}
		l.tpActivity = now
		if errSA == nil {
			l.enqueueAs(sourceAddr, canid.PriorityTP, 0, canid.PFTPConnMgmt, sa, cts)
		}
	case tp.CMCTS:
		frames, err := l.tpTx.HandleCTS(payload[1], payload[2])
		if err != nil {
			l.log.Warn("tp tx cts rejected", "err", err)
			return
		}
		l.tpActivity = now
		if errSA == nil {
			items := make([]burstFrame, len(frames))
			for i, dt := range frames {
				items[i] = burstFrame{canid.PFTPData, sa, dt}
			}
			l.enqueueBurstAs(sourceAddr, canid.PriorityTP, 0, items)
		}
	case tp.CMEOMA:
		if err := l.tpTx.HandleEndOfMsgAck(); err != nil {
			l.log.Warn("tp tx eoma rejected", "err", err)
		}
	case tp.CMAbort:
		reason := uint8(0xFF)
		if len(payload) > 1 {
			reason = payload[1]
		}
		if l.tpTx.Busy() {
			_ = l.tpTx.HandleAbort(reason)
		}
		if l.tpRx.Busy() {
			l.tpRx.Abort(reason)
		}
	}
}

func (l *Link) handleTPDT(now time.Time, sa uint8, payload []byte) {
	if len(payload) < 8 {
		return
	}
	var chunk [7]byte
	copy(chunk[:], payload[1:8])
	res, err := l.tpRx.HandleDT(payload[0], chunk)
	if err != nil {
		l.log.Warn("tp rx dt rejected", "err", err)
		return
	}
	l.tpActivity = now
	sourceAddr, errSA := l.sourceAddress()
	if errSA != nil {
		return
	}
	if res.CTS != nil {
		l.enqueueAs(sourceAddr, canid.PriorityTP, 0, canid.PFTPConnMgmt, sa, res.CTS)
	}
	if res.Done {
		l.enqueueAs(sourceAddr, canid.PriorityTP, 0, canid.PFTPConnMgmt, sa, res.EndOfMsgAck)
		l.deliverReassembled(l.tpRx.PGN(), sa, res.Payload)
	}
}

func (l *Link) handleETPCM(now time.Time, sa uint8, pgn uint32, payload []byte) {
	if len(payload) == 0 {
		return
	}
	sourceAddr, errSA := l.sourceAddress()
	switch payload[0] {
	case etp.CMRTS:
		if len(payload) < 8 {
			return
		}
		mlen := uint32(payload[1]) | uint32(payload[2])<<8 | uint32(payload[3])<<16 | uint32(payload[4])<<24
		cts, err := l.etpRx.HandleRTS(sa, mlen, canid.DecodePGN3(payload[5:8]))
		if err != nil {
			l.log.Warn("etp rx rts rejected", "err", err)
			return
		}
		l.etpActivity = now
		if errSA == nil {
			l.enqueueAs(sourceAddr, canid.PriorityTP, 0, canid.PFETPConnMgmt, sa, cts)
		}
	case etp.CMCTS:
		count := payload[1]
		absSeq := uint32(payload[2]) | uint32(payload[3])<<8 | uint32(payload[4])<<16
		dpo, frames, err := l.etpTx.HandleCTS(count, absSeq)
		if err != nil {
			l.log.Warn("etp tx cts rejected", "err", err)
			return
		}
		l.etpActivity = now
		if errSA != nil || dpo == nil {
			return
		}
		items := make([]burstFrame, 0, len(frames)+1)
		items = append(items, burstFrame{canid.PFETPConnMgmt, sa, dpo})
		for _, dt := range frames {
			items = append(items, burstFrame{canid.PFETPData, sa, dt})
		}
		l.enqueueBurstAs(sourceAddr, canid.PriorityTP, 0, items)
	case etp.CMDPO:
		dpo := uint32(payload[2]) | uint32(payload[3])<<8 | uint32(payload[4])<<16
		l.etpRx.HandleDPO(dpo)
	case etp.CMEOMA:
		if err := l.etpTx.HandleEOMA(); err != nil {
			l.log.Warn("etp tx eoma rejected", "err", err)
		}
	case etp.CMAbort:
		reason := uint8(0xFF)
		if len(payload) > 1 {
			reason = payload[1]
		}
		if l.etpTx.Busy() {
			_ = l.etpTx.HandleAbort(reason)
		}
		if l.etpRx.Busy() {
			l.etpRx.Abort(reason)
		}
	}
}

func (l *Link) handleETPDT(now time.Time, sa uint8, payload []byte) {
	if len(payload) < 8 {
		return
	}
	var chunk [7]byte
	copy(chunk[:], payload[1:8])
	res, err := l.etpRx.HandleDT(payload[0], chunk)
	if err != nil {
		l.log.Warn("etp rx dt rejected", "err", err)
		return
	}
	l.etpActivity = now
	sourceAddr, errSA := l.sourceAddress()
	if errSA != nil {
		return
	}
	if res.CTS != nil {
		l.enqueueAs(sourceAddr, canid.PriorityTP, 0, canid.PFETPConnMgmt, sa, res.CTS)
	}
	if res.Done {
		l.enqueueAs(sourceAddr, canid.PriorityTP, 0, canid.PFETPConnMgmt, sa, res.EOMA)
		l.deliverReassembled(l.etpRx.PGN(), sa, res.Payload)
	}
}

func (l *Link) handleAddressClaim(now time.Time, sa uint8, payload []byte) {
	if len(payload) < 8 {
		return
	}
	var peerName claim.Name
	copy(peerName[:], payload[:8])

	mustReclaim, ok := l.claim.Arbitrate(now, sa, peerName)
	if !ok || !mustReclaim {
		return
	}
	newSA, _ := l.claim.SA()
	name := l.claim.Name()
	l.enqueueAs(newSA, canid.PriorityNormal, 0, canid.PFAddressClaim, canid.Broadcast, name[:])
}

func (l *Link) handleRequestPGN(sa uint8, pgn uint32) {
	if pgn != canid.AddressClaimPGN {
		return
	}
	ourSA, ok := l.claim.SA()
	if !ok {
		return
	}
	name := l.claim.Name()
	l.enqueueAs(ourSA, canid.PriorityNormal, 0, canid.PFAddressClaim, canid.Broadcast, name[:])
}

// Tick drives the timers J1939-21 §5 delegates to the reactor: the claim
// quiet-interval, and a single transfer-stall timeout (T3, "waiting for
// CTS") applied uniformly to both TP and ETP sessions in both directions —
// J1939-21 names T1-T4 but does not assign each to a specific edge of the
// RTS/CTS/DT/EndOfMsgAck exchange, so one conservative timeout governs all
// of them alike, aborting and logging on expiry.
func (l *Link) Tick(now time.Time) {
	l.claim.Tick(now)

	if (l.tpTx.Busy() || l.tpRx.Busy()) && !l.tpActivity.IsZero() && now.Sub(l.tpActivity) > l.cfg.T3 {
		l.log.Warn("tp session stalled, aborting")
		sourceAddr, err := l.sourceAddress()
		if l.tpTx.Busy() {
			_ = l.tpTx.HandleAbort(0xFF)
		}
		if l.tpRx.Busy() {
			peer := l.tpRx.SA()
			abort := l.tpRx.Abort(0xFF)
			if err == nil {
				l.enqueueAs(sourceAddr, canid.PriorityTP, 0, canid.PFTPConnMgmt, peer, abort)
			}
		}
	}

	if (l.etpTx.Busy() || l.etpRx.Busy()) && !l.etpActivity.IsZero() && now.Sub(l.etpActivity) > l.cfg.T3 {
		l.log.Warn("etp session stalled, aborting")
		sourceAddr, err := l.sourceAddress()
		if l.etpTx.Busy() {
			_ = l.etpTx.HandleAbort(0xFF)
		}
		if l.etpRx.Busy() {
			peer := l.etpRx.SA()
			abort := l.etpRx.Abort(0xFF)
			if err == nil {
				l.enqueueAs(sourceAddr, canid.PriorityTP, 0, canid.PFETPConnMgmt, peer, abort)
			}
		}
	}
}

// Close releases the underlying socket.
func (l *Link) Close() error {
	return l.sock.Close()
}
