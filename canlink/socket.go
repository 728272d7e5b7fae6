package canlink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// isTimeout reports whether err is the EAGAIN/EWOULDBLOCK returned when
// SO_RCVTIMEO expires with no frame available.
func isTimeout(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// canFrameSize is sizeof(struct can_frame): u32 id + u8 len + 3 pad + 8 data.
const canFrameSize = 16

// socket wraps a raw SOCK_RAW/CAN_RAW socket bound to a SocketCAN interface.
// Modeled directly on the bind sequence documented for unix.SockaddrCAN:
// Socket(AF_CAN, SOCK_RAW, CAN_RAW) then Bind(&SockaddrCAN{Ifindex: idx}).
type socket struct {
	fd int
}

func openSocket(iface string) (*socket, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", iface, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	addr := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", iface, err)
	}

	return &socket{fd: fd}, nil
}

func (s *socket) close() error {
	return unix.Close(s.fd)
}

// CheckInterface probes whether iface can be opened as a SocketCAN raw
// socket, without performing a handshake. Used by --check-config to give a
// real pre-flight signal rather than just validating YAML shape.
func CheckInterface(iface string) error {
	sock, err := openSocket(iface)
	if err != nil {
		return err
	}
	return sock.close()
}

// setReadTimeout arms SO_RCVTIMEO so Read returns EAGAIN instead of blocking forever.
func (s *socket) setReadTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

// readFrame blocks (up to the configured read timeout) for one frame.
func (s *socket) readFrame() (Frame, error) {
	buf := make([]byte, canFrameSize)
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		return Frame{}, err
	}
	if n < canFrameSize {
		return Frame{}, fmt.Errorf("short read: %d bytes", n)
	}

	var f Frame
	rawID := binary.LittleEndian.Uint32(buf[0:4])
	f.ID = rawID & unix.CAN_SFF_MASK
	copy(f.Data[:], buf[8:16])
	return f, nil
}

// writeFrame transmits one frame. Errors from the kernel surface verbatim so
// the caller can match "no such device" / "network is down" short-circuits.
func (s *socket) writeFrame(f Frame) error {
	buf := make([]byte, canFrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], f.ID&unix.CAN_SFF_MASK)
	buf[4] = byte(len(f.Data))
	copy(buf[8:16], f.Data[:])

	_, err := unix.Write(s.fd, buf)
	return err
}
