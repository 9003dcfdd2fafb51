package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yope/linux-j1939-testing/canid"
)

func TestRouteDropsPDU1NotAddressedToUs(t *testing.T) {
	var h Handlers
	var delivered bool
	h.TPConnMgmt = func(sa uint8, pgn uint32, payload []byte) { delivered = true }

	id := canid.PackID(canid.PriorityTP, 0, canid.PFTPConnMgmt, 9, 3) // PS=9, not us
	err := h.Route(id, []byte{16, 0, 0, 0, 0, 0, 0, 0}, 5)
	assert.NoError(t, err)
	assert.False(t, delivered)
	assert.Equal(t, uint64(1), h.DroppedNotForUs)
}

func TestRouteDeliversBroadcast(t *testing.T) {
	var h Handlers
	var gotSA uint8
	h.AddressClaim = func(sa uint8, pgn uint32, payload []byte) { gotSA = sa }

	id := canid.PackID(canid.PriorityNormal, 0, canid.PFAddressClaim, canid.Broadcast, 7)
	err := h.Route(id, make([]byte, 8), 5)
	assert.NoError(t, err)
	assert.Equal(t, uint8(7), gotSA)
}

func TestRouteDeliversAddressedToUs(t *testing.T) {
	var h Handlers
	var delivered bool
	h.TPData = func(sa uint8, pgn uint32, payload []byte) { delivered = true }

	id := canid.PackID(canid.PriorityTP, 0, canid.PFTPData, 5, 3)
	err := h.Route(id, make([]byte, 8), 5)
	assert.NoError(t, err)
	assert.True(t, delivered)
}

func TestRouteDropsPage1(t *testing.T) {
	var h Handlers
	var page1Called bool
	h.Page1 = func(sa uint8, pgn uint32, payload []byte) { page1Called = true }

	id := canid.PackID(canid.PriorityNormal, 1, 0xFE, canid.Broadcast, 3)
	err := h.Route(id, make([]byte, 8), 5)
	assert.NoError(t, err)
	assert.True(t, page1Called)
	assert.Equal(t, uint64(1), h.DroppedPage1)
}

func TestRoutePDU2DeliversRegardlessOfPS(t *testing.T) {
	// PF 240 is PDU2: PS is a group extension, not a destination, so it is
	// never filtered.
	var h Handlers
	var delivered bool
	h.Application = func(sa uint8, pf uint8, ps uint8, pgn uint32, payload []byte) { delivered = true }

	id := canid.PackID(canid.PriorityNormal, 0, 240, 17, 3)
	err := h.Route(id, make([]byte, 8), 5)
	assert.NoError(t, err)
	assert.True(t, delivered)
}

func TestRouteRequestPGNDecodesPayload(t *testing.T) {
	var h Handlers
	var got uint32
	h.RequestPGN = func(sa uint8, pgn uint32, payload []byte) { got = pgn }

	id := canid.PackID(canid.PriorityNormal, 0, canid.PFRequest, canid.Broadcast, 3)
	pb := canid.EncodePGN3(canid.AddressClaimPGN)
	err := h.Route(id, []byte{pb[0], pb[1], pb[2]}, 5)
	assert.NoError(t, err)
	assert.Equal(t, canid.AddressClaimPGN, got)
}

func TestRouteRequestPGNRejectsShortPayload(t *testing.T) {
	var h Handlers
	id := canid.PackID(canid.PriorityNormal, 0, canid.PFRequest, canid.Broadcast, 3)
	err := h.Route(id, []byte{1, 2}, 5)
	assert.Error(t, err)
}

func TestEncodeAck(t *testing.T) {
	pos := EncodeAck(true, 0xFEF1)
	assert.Equal(t, uint8(0), pos[0])
	neg := EncodeAck(false, 0xFEF1)
	assert.Equal(t, uint8(1), neg[0])
}
