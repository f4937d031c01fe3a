package transport

import (
	"errors"
	"log/slog"
	"net"
	"syscall"
	"time"
)

// UDP is the reference Transport backed by net.UDPConn. It is a thin,
// non-blocking wrapper on the read side: Recv uses SetReadDeadline(past)
// to probe "ready now" rather than block, which is the standard net
// package idiom for a non-blocking socket. Send writes without a
// deadline and maps a timeout/EAGAIN error to ErrWouldBlock.
type UDP struct {
	laddr, raddr *net.UDPAddr
	conn         *net.UDPConn
	logger       *slog.Logger
}

// NewUDP creates a reference transport connecting to raddr. The local
// address picked by the first Connect is kept, so later Connect and
// ReuseLastPort calls reuse its port.
func NewUDP(raddr *net.UDPAddr, logger *slog.Logger) *UDP {
	if logger == nil {
		logger = slog.Default()
	}
	return &UDP{raddr: raddr, logger: logger}
}

func (u *UDP) Connect() error {
	conn, err := net.DialUDP("udp", u.laddr, u.raddr)
	if err != nil {
		return err
	}
	u.conn = conn
	if u.laddr == nil {
		if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			u.laddr = local
		}
	}
	u.logger.Debug("transport connected", "remote", u.raddr.String())
	return nil
}

func (u *UDP) Disconnect() error {
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}

func (u *UDP) ReuseLastPort() error {
	return u.Connect()
}

func (u *UDP) Send(buf []byte) error {
	if u.conn == nil {
		return errors.New("transport: not connected")
	}
	_, err := u.conn.Write(buf)
	if isWouldBlock(err) {
		return ErrWouldBlock
	}
	return err
}

func (u *UDP) Recv(buf []byte) (int, error) {
	if u.conn == nil {
		return 0, errors.New("transport: not connected")
	}
	if err := u.conn.SetReadDeadline(pastDeadline()); err != nil {
		return 0, err
	}
	n, err := u.conn.Read(buf)
	if isWouldBlock(err) {
		return 0, ErrWouldBlock
	}
	return n, err
}

func pastDeadline() time.Time {
	return time.Now().Add(-time.Millisecond)
}

func isWouldBlock(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}
