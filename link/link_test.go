package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/yope/linux-j1939-testing/canid"
	"github.com/yope/linux-j1939-testing/claim"
)

// bus is an in-memory CAN bus shared by fakeSockets in these tests: a
// SendRaw on one socket appends the decoded frame to every other attached
// socket's inbound mailbox, mirroring how a real bus delivers to every
// other node but not back to the sender (CAN_RAW_RECV_OWN_MSGS off).
type bus struct {
	sockets []*fakeSocket
}

func newBus() *bus { return &bus{} }

func (b *bus) attach() *fakeSocket {
	s := &fakeSocket{bus: b}
	b.sockets = append(b.sockets, s)
	return s
}

type fakeSocket struct {
	bus    *bus
	inbox  [][]byte
	closed bool
}

func (s *fakeSocket) Fd() int { return 0 }

func (s *fakeSocket) Recv() (canid.Frame, bool, error) {
	if len(s.inbox) == 0 {
		return canid.Frame{}, false, nil
	}
	buf := s.inbox[0]
	s.inbox = s.inbox[1:]
	f, err := canid.DecodeFrame(buf)
	if err != nil {
		return canid.Frame{}, false, err
	}
	return f, true, nil
}

func (s *fakeSocket) SendRaw(buf []byte) (bool, error) {
	for _, other := range s.bus.sockets {
		if other == s {
			continue
		}
		cp := append([]byte(nil), buf...)
		other.inbox = append(other.inbox, cp)
	}
	return true, nil
}

func (s *fakeSocket) Close() error { s.closed = true; return nil }

type recordingApp struct {
	calls []appCall
}

type appCall struct {
	pf, da, sa uint8
	payload    []byte
}

func (a *recordingApp) HandleData(pf, da, sa uint8, payload []byte) {
	a.calls = append(a.calls, appCall{pf, da, sa, payload})
}

func testName(b byte) claim.Name {
	var n claim.Name
	for i := range n {
		n[i] = b
	}
	return n
}

func testConfig() Config {
	// 300 is comfortably above one ETP window (a DPO plus up to 255 DT
	// frames), so TestETPRoundTripBetweenTwoLinks below exercises real
	// queue backpressure without an in-flight window being partially
	// evicted before it can drain.
	cfg := Config{PreferredSA: 10, SendQueueLen: 300}
	cfg.applyDefaults()
	return cfg
}

// pump drains every pending frame between two links until both queues and
// mailboxes are empty, simulating a reactor that keeps calling OnWritable/
// OnReadable until there is nothing left to do. Each pass empties every
// link's outbound queue and inbound mailbox completely before checking
// whether another pass is needed, since a multi-window ETP transfer can
// queue hundreds of DT frames from a single CTS.
func pump(t *testing.T, now time.Time, links ...*Link) {
	t.Helper()
	for i := 0; i < 2000; i++ {
		progressed := false
		for _, l := range links {
			for l.queue.Len() > 0 {
				before := l.queue.Len()
				assert.NoError(t, l.OnWritable())
				if l.queue.Len() == before {
					break
				}
				progressed = true
			}
		}
		for _, l := range links {
			sock := l.sock.(*fakeSocket)
			for len(sock.inbox) > 0 {
				assert.NoError(t, l.OnReadable(now))
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
	t.Fatal("pump did not converge")
}

func TestStartAddressClaimEnqueuesBroadcast(t *testing.T) {
	b := newBus()
	app := &recordingApp{}
	l := New(b.attach(), testConfig(), testName(0x10), app, nil)

	now := time.Unix(0, 0)
	err := l.StartAddressClaim(now)
	assert.NoError(t, err)
	assert.Equal(t, 1, l.queue.Len())
	assert.Equal(t, StatusClaiming, l.Status())

	sa, ok := l.claim.SA()
	assert.True(t, ok)
	assert.Equal(t, uint8(10), sa)
}

func TestSendMessageSingleFrameRequiresClaimedAddress(t *testing.T) {
	b := newBus()
	l := New(b.attach(), testConfig(), testName(0x10), nil, nil)

	err := l.SendMessage(time.Unix(0, 0), 0xFE, canid.Broadcast, []byte{1, 2, 3})
	assert.Error(t, err, "sending before claiming an address must fail")
}

func TestAddressClaimArbitrationLoss(t *testing.T) {
	b := newBus()
	now := time.Unix(0, 0)

	winner := New(b.attach(), testConfig(), testName(0x01), nil, nil) // numerically smaller NAME wins
	loser := New(b.attach(), testConfig(), testName(0xFF), nil, nil)

	assert.NoError(t, winner.StartAddressClaim(now))
	assert.NoError(t, loser.StartAddressClaim(now))
	pump(t, now, winner, loser)

	wsa, _ := winner.claim.SA()
	lsa, _ := loser.claim.SA()
	assert.Equal(t, uint8(10), wsa, "winner keeps the preferred address")
	assert.Equal(t, uint8(11), lsa, "loser moves to the next address")
}

func TestTPRoundTripBetweenTwoLinks(t *testing.T) {
	b := newBus()
	now := time.Unix(0, 0)

	senderApp := &recordingApp{}
	receiverApp := &recordingApp{}
	sender := New(b.attach(), testConfig(), testName(0x01), senderApp, nil)
	receiver := New(b.attach(), testConfig(), testName(0x02), receiverApp, nil)

	assert.NoError(t, sender.StartAddressClaim(now))
	assert.NoError(t, receiver.StartAddressClaim(now))
	pump(t, now, sender, receiver)

	receiverSA, ok := receiver.claim.SA()
	assert.True(t, ok)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	err := sender.SendMessage(now, 0xFE, receiverSA, payload)
	assert.NoError(t, err)

	pump(t, now, sender, receiver)

	assert.Len(t, receiverApp.calls, 1)
	assert.Equal(t, payload, receiverApp.calls[0].payload)
	assert.Equal(t, uint8(0xFE), receiverApp.calls[0].pf)
	assert.False(t, sender.tpTx.Busy())
	assert.False(t, receiver.tpRx.Busy())
}

func TestETPRoundTripBetweenTwoLinks(t *testing.T) {
	b := newBus()
	now := time.Unix(0, 0)

	senderApp := &recordingApp{}
	receiverApp := &recordingApp{}
	sender := New(b.attach(), testConfig(), testName(0x01), senderApp, nil)
	receiver := New(b.attach(), testConfig(), testName(0x02), receiverApp, nil)

	assert.NoError(t, sender.StartAddressClaim(now))
	assert.NoError(t, receiver.StartAddressClaim(now))
	pump(t, now, sender, receiver)

	receiverSA, _ := receiver.claim.SA()

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}
	err := sender.SendMessage(now, 0xFE, receiverSA, payload)
	assert.NoError(t, err)

	pump(t, now, sender, receiver)

	assert.Len(t, receiverApp.calls, 1)
	assert.Equal(t, payload, receiverApp.calls[0].payload)
	assert.False(t, sender.etpTx.Busy())
	assert.False(t, receiver.etpRx.Busy())
	assert.Equal(t, uint64(0), sender.queue.Dropped(), "a window-sized SendQueueLen must not evict any frame of the burst")
}

// TestETPRoundTripSurvivesUndersizedQueue pins a SendQueueLen smaller than a
// single ETP window (a DPO plus up to 255 DT frames). Before PushBurst, a
// plain Push-per-frame loop would evict the burst's own earlier frames
// (including the DPO) as later frames of the same burst landed, so the
// receiver would never see a DPO before its first DT and would abort.
func TestETPRoundTripSurvivesUndersizedQueue(t *testing.T) {
	b := newBus()
	now := time.Unix(0, 0)

	undersized := Config{PreferredSA: 10, SendQueueLen: 64}
	undersized.applyDefaults()

	senderApp := &recordingApp{}
	receiverApp := &recordingApp{}
	sender := New(b.attach(), undersized, testName(0x01), senderApp, nil)
	receiver := New(b.attach(), undersized, testName(0x02), receiverApp, nil)

	assert.NoError(t, sender.StartAddressClaim(now))
	assert.NoError(t, receiver.StartAddressClaim(now))
	pump(t, now, sender, receiver)

	receiverSA, _ := receiver.claim.SA()

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}
	err := sender.SendMessage(now, 0xFE, receiverSA, payload)
	assert.NoError(t, err)

	pump(t, now, sender, receiver)

	assert.Len(t, receiverApp.calls, 1, "the transfer must still complete despite an undersized queue")
	assert.Equal(t, payload, receiverApp.calls[0].payload)
}

func TestStatusReflectsClaimingThenReady(t *testing.T) {
	b := newBus()
	l := New(b.attach(), testConfig(), testName(0x10), nil, nil)
	assert.Equal(t, StatusReady, l.Status(), "idle link with no claim outstanding reports ready")

	now := time.Unix(0, 0)
	assert.NoError(t, l.StartAddressClaim(now))
	assert.Equal(t, StatusClaiming, l.Status())

	l.Tick(now.Add(2 * time.Second))
	assert.Equal(t, StatusReady, l.Status())
}

func TestTickAbortsStalledTPSession(t *testing.T) {
	b := newBus()
	now := time.Unix(0, 0)
	sender := New(b.attach(), testConfig(), testName(0x01), nil, nil)
	assert.NoError(t, sender.StartAddressClaim(now))

	_, err := sender.tpTx.Start(9, 0xFE00, make([]byte, 20))
	assert.NoError(t, err)
	sender.tpActivity = now
	assert.True(t, sender.tpTx.Busy())

	sender.Tick(now.Add(sender.cfg.T3 + time.Millisecond))
	assert.False(t, sender.tpTx.Busy(), "stalled TP session must abort after T3")
}
