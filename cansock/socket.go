// Package cansock owns the non-blocking raw CAN socket J1939-21 §6 describes
// as the link's downward interface: AF_CAN/SOCK_RAW/CAN_RAW bound to one
// interface, one frame in or out per reactor callback, never blocking.
//
// Grounded on gocanopen's socketcanring.go for the unix.Socket(AF_CAN,
// SOCK_RAW, CAN_RAW)/SockaddrCAN setup, and on gnbsim_sctp.go's send/recv
// split, adapted here by dropping its goroutine+channel+timeout shape
// entirely, since J1939-21 §5 forbids blocking I/O inside a callback;
// interface resolution reuses gnbsim_netlink.go's netlink.LinkByName call,
// repurposed from TUN device lookup to CAN interface lookup.
package cansock

import (
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/yope/linux-j1939-testing/canid"
	"github.com/yope/linux-j1939-testing/linkerr"
)

// Socket is a non-blocking raw CAN socket bound to one interface.
type Socket struct {
	fd int
}

// Open resolves ifaceName to an ifindex via netlink and binds a non-blocking
// CAN_RAW socket to it.
func Open(ifaceName string) (*Socket, error) {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return nil, linkerr.Transportf(err, "cansock: resolve interface %q", ifaceName)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, linkerr.Transportf(err, "cansock: open raw CAN socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, linkerr.Transportf(err, "cansock: set non-blocking")
	}

	addr := &unix.SockaddrCAN{Ifindex: link.Attrs().Index}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, linkerr.Transportf(err, "cansock: bind to %q", ifaceName)
	}

	return &Socket{fd: fd}, nil
}

// Fd returns the socket file descriptor for reactor registration.
func (s *Socket) Fd() int { return s.fd }

// Close releases the socket.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

// Recv reads exactly one CAN frame. It returns (frame, false, nil) when the
// socket would block (nothing to read right now).
func (s *Socket) Recv() (canid.Frame, bool, error) {
	buf := make([]byte, canid.FrameSize)
	n, err := unix.Read(s.fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return canid.Frame{}, false, nil
	}
	if err != nil {
		return canid.Frame{}, false, linkerr.Transportf(err, "cansock: read")
	}
	if n != canid.FrameSize {
		return canid.Frame{}, false, linkerr.Transportf(nil, "cansock: short read: %d bytes", n)
	}
	f, err := canid.DecodeFrame(buf)
	if err != nil {
		return canid.Frame{}, false, linkerr.Protocolf("cansock: %s", err)
	}
	return f, true, nil
}

// Send writes one CAN frame. It returns (false, nil) when the socket would
// block; the caller must requeue the frame and retry on the next writable
// edge rather than spin or block.
func (s *Socket) Send(f canid.Frame) (bool, error) {
	return s.SendRaw(f.Encode())
}

// SendRaw writes a pre-encoded 16-byte can_frame buffer, as produced by
// Frame.Encode and stored in the outbound queue. It returns (false, nil) on
// EAGAIN, same contract as Send.
func (s *Socket) SendRaw(buf []byte) (bool, error) {
	n, err := unix.Write(s.fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return false, nil
	}
	if err != nil {
		return false, linkerr.Transportf(err, "cansock: write")
	}
	if n != canid.FrameSize {
		return false, linkerr.Transportf(nil, "cansock: short write: %d bytes", n)
	}
	return true, nil
}
