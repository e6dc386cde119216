//go:build linux

package netsync

import (
	"net"

	"golang.org/x/sys/unix"
)

// setQuickAck disables delayed ACKs; sync directives are latency bound on
// small transfers.
func setQuickAck(conn *net.TCPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
	})
}
