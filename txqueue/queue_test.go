package txqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func frame(n byte) []byte { return []byte{n} }

// TestBackpressure is scenario S6: with sendqueuelen=4, enqueuing 6
// frames retains the last 4 in FIFO order.
func TestBackpressure(t *testing.T) {
	q := New(4)
	for i := byte(1); i <= 6; i++ {
		q.Push(frame(i))
	}
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, uint64(2), q.Dropped())

	var got []byte
	for {
		f, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, f[0])
	}
	assert.Equal(t, []byte{3, 4, 5, 6}, got)
}

func TestRequeueOnTransientFailurePreservesOrder(t *testing.T) {
	q := New(0)
	q.Push(frame(1))
	q.Push(frame(2))

	f, _ := q.Pop()
	assert.Equal(t, byte(1), f[0])

	// simulate a transient send failure: push the popped frame back to
	// the front.
	q.PushFront(f)

	f, _ = q.Pop()
	assert.Equal(t, byte(1), f[0], "requeued frame must be sent again before later ones")
	f, _ = q.Pop()
	assert.Equal(t, byte(2), f[0])
	assert.True(t, q.Empty())
}

// TestPushBurstNeverSplitsItself is the ETP CTS-window regression: a burst
// larger than the free space must evict pre-existing frames, not the burst
// it is delivering, so a DPO is never separated from its own DT frames.
func TestPushBurstNeverSplitsItself(t *testing.T) {
	q := New(8)
	q.Push(frame(1))
	q.Push(frame(2))

	burst := make([][]byte, 10)
	for i := range burst {
		burst[i] = frame(byte(100 + i))
	}
	q.PushBurst(burst)

	assert.Equal(t, uint64(2), q.Dropped(), "only the pre-existing frames are evicted")

	var got []byte
	for {
		f, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, f[0])
	}
	assert.Len(t, got, 10, "the whole burst survives intact")
	for i, b := range got {
		assert.Equal(t, byte(100+i), b, "burst order and membership preserved")
	}
}

func TestUnboundedQueueNeverDrops(t *testing.T) {
	q := New(0)
	for i := byte(0); i < 200; i++ {
		q.Push(frame(i))
	}
	assert.Equal(t, 200, q.Len())
	assert.Equal(t, uint64(0), q.Dropped())
}
