//go:build !linux

package netsync

import "net"

func setQuickAck(conn *net.TCPConn) {}
