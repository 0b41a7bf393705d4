// Package tftpclient implements "transferd tftp-get"/"transferd tftp-put",
// a debug client for smoke-testing a TFTP server's wire behavior directly
// against internal/tftp's packet codec, without needing a third-party TFTP
// client on hand. Mirrors the original TFTP crate's debug-client binary,
// supplemented per SPEC_FULL.md since no Non-goal excludes it.
package tftpclient

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pxecore/transferd/internal/tftp"
)

const (
	readTimeout = 5 * time.Second
	maxRetries  = 5
)

// session wires a UDP socket through a TFTP transfer's block/ack exchange.
// The first response's source address becomes the transfer's TID, per
// RFC 1350's "new socket per transfer" rule - a plain Dial would keep
// talking to the server's well-known port instead.
type session struct {
	conn *net.UDPConn
	peer *net.UDPAddr
}

func dialServer(addr string) (*net.UDPConn, *net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open local socket: %w", err)
	}
	return conn, serverAddr, nil
}

// sendAndAwait sends pkt to dst and reads the first reply, retrying up to
// maxRetries times on timeout. On success it returns the reply and the
// address it arrived from, which becomes the session's peer from then on.
func sendAndAwait(conn *net.UDPConn, dst *net.UDPAddr, pkt []byte) ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, tftp.MaxPacketSize)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if _, err := conn.WriteToUDP(pkt, dst); err != nil {
			return nil, nil, fmt.Errorf("send packet: %w", err)
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return nil, nil, fmt.Errorf("set read deadline: %w", err)
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			lastErr = err
			continue
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, from, nil
	}
	return nil, nil, fmt.Errorf("no reply after %d attempts: %w", maxRetries, lastErr)
}

func checkError(pkt []byte) error {
	op, err := tftp.DecodeOpcode(pkt)
	if err != nil {
		return err
	}
	if op != tftp.OpERROR {
		return nil
	}
	e, err := tftp.DecodeError(pkt)
	if err != nil {
		return fmt.Errorf("received malformed ERROR packet: %w", err)
	}
	return fmt.Errorf("server error %d: %s", e.Code, e.Message)
}

func parseBlksize(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
