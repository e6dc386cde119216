package netsync

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wansongcc/distributed-llama/internal/logger"
	"github.com/wansongcc/distributed-llama/internal/nn"
)

const (
	ackMagic     = 23571114
	maxChunkSize = 64 * 1024

	// turboDeadline bounds a single non-blocking read attempt.
	turboDeadline = time.Millisecond
)

// RootSocketIndex is the worker-side socket slot of the root node.
const RootSocketIndex = 0

// Network is a full TCP mesh between the cluster's nodes. The root holds
// one socket per worker (slot i = worker i+1); a worker holds the root at
// slot 0 and every other worker after it, ordered by node index.
type Network struct {
	log       logger.Logger
	conns     []net.Conn
	nodeIndex int
	nNodes    int
	turbo     atomic.Bool
	sentBytes []atomic.Int64
	recvBytes []atomic.Int64
}

func newNetwork(log logger.Logger, conns []net.Conn, nodeIndex, nNodes int) *Network {
	return &Network{
		log:       log,
		conns:     conns,
		nodeIndex: nodeIndex,
		nNodes:    nNodes,
		sentBytes: make([]atomic.Int64, len(conns)),
		recvBytes: make([]atomic.Int64, len(conns)),
	}
}

func (n *Network) NSockets() int  { return len(n.conns) }
func (n *Network) NodeIndex() int { return n.nodeIndex }
func (n *Network) NNodes() int    { return n.nNodes }

// Close tears down every socket. The OS reclaims in-flight transfers.
func (n *Network) Close() {
	for _, c := range n.conns {
		_ = c.Close()
	}
	n.log.Info("network closed")
}

// SetTurbo toggles bounded-deadline reads. Workers enable it while a
// session is hot and drop back to blocking reads when idle.
func (n *Network) SetTurbo(enabled bool) {
	n.turbo.Store(enabled)
	if !enabled {
		for _, c := range n.conns {
			_ = c.SetReadDeadline(time.Time{})
		}
	}
}

func tuneConn(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		setQuickAck(tcp)
	}
}

func transferErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", nn.ErrTransfer, err)
}

func writeConn(conn net.Conn, data []byte) error {
	for off := 0; off < len(data); off += maxChunkSize {
		end := off + maxChunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := conn.Write(data[off:end]); err != nil {
			return transferErr(err)
		}
	}
	return nil
}

func readConn(conn net.Conn, data []byte) error {
	for off := 0; off < len(data); off += maxChunkSize {
		end := off + maxChunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := io.ReadFull(conn, data[off:end]); err != nil {
			return transferErr(err)
		}
	}
	return nil
}

func writeU32(conn net.Conn, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return writeConn(conn, buf[:])
}

func readU32(conn net.Conn) (uint32, error) {
	var buf [4]byte
	if err := readConn(conn, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Write sends data to one socket, chunked at 64 KiB.
func (n *Network) Write(socketIndex int, data []byte) error {
	if err := writeConn(n.conns[socketIndex], data); err != nil {
		return err
	}
	n.sentBytes[socketIndex].Add(int64(len(data)))
	return nil
}

// Read fills data from one socket, chunked at 64 KiB.
func (n *Network) Read(socketIndex int, data []byte) error {
	conn := n.conns[socketIndex]
	_ = conn.SetReadDeadline(time.Time{})
	if err := readConn(conn, data); err != nil {
		return err
	}
	n.recvBytes[socketIndex].Add(int64(len(data)))
	return nil
}

// TryRead attempts a read in turbo mode, giving up after maxAttempts
// bounded attempts with nothing received. Once the first byte arrives the
// rest of the payload is read to completion.
func (n *Network) TryRead(socketIndex int, data []byte, maxAttempts int) (bool, error) {
	conn := n.conns[socketIndex]
	if !n.turbo.Load() {
		err := n.Read(socketIndex, data)
		return err == nil, err
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_ = conn.SetReadDeadline(time.Now().Add(turboDeadline))
		k, err := conn.Read(data[:1])
		if k == 1 {
			_ = conn.SetReadDeadline(time.Time{})
			if err := readConn(conn, data[1:]); err != nil {
				return false, err
			}
			n.recvBytes[socketIndex].Add(int64(len(data)))
			return true, nil
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return false, transferErr(err)
		}
	}
	return false, nil
}

// WriteAck and ReadAck bracket the config and weight protocols.
func (n *Network) WriteAck(socketIndex int) error {
	if err := writeU32(n.conns[socketIndex], ackMagic); err != nil {
		return err
	}
	n.sentBytes[socketIndex].Add(4)
	return nil
}

func (n *Network) ReadAck(socketIndex int) error {
	conn := n.conns[socketIndex]
	_ = conn.SetReadDeadline(time.Time{})
	v, err := readU32(conn)
	if err != nil {
		return err
	}
	if v != ackMagic {
		return fmt.Errorf("%w: invalid ack packet %#x", nn.ErrTransfer, v)
	}
	n.recvBytes[socketIndex].Add(4)
	return nil
}

// SocketIO pairs a socket slot with a payload for a concurrent transfer.
type SocketIO struct {
	SocketIndex int
	Data        []byte
}

// WriteMany sends every payload concurrently and joins.
func (n *Network) WriteMany(ios []SocketIO) error {
	if len(ios) == 1 {
		return n.Write(ios[0].SocketIndex, ios[0].Data)
	}
	var g errgroup.Group
	for _, io := range ios {
		g.Go(func() error { return n.Write(io.SocketIndex, io.Data) })
	}
	return g.Wait()
}

// ReadMany fills every payload concurrently and joins.
func (n *Network) ReadMany(ios []SocketIO) error {
	if len(ios) == 1 {
		return n.Read(ios[0].SocketIndex, ios[0].Data)
	}
	var g errgroup.Group
	for _, io := range ios {
		g.Go(func() error { return n.Read(io.SocketIndex, io.Data) })
	}
	return g.Wait()
}

// WriteAll broadcasts one payload to every socket.
func (n *Network) WriteAll(data []byte) error {
	ios := make([]SocketIO, len(n.conns))
	for i := range ios {
		ios[i] = SocketIO{SocketIndex: i, Data: data}
	}
	return n.WriteMany(ios)
}

// SocketIndexForNode maps a global node index to this node's socket slot.
func (n *Network) SocketIndexForNode(target int) int {
	if n.nodeIndex == 0 {
		return target - 1
	}
	if target == 0 {
		return RootSocketIndex
	}
	if target < n.nodeIndex {
		return target
	}
	return target - 1
}

// SendToNode and RecvFromNode are the point-to-point primitives behind
// the pipeline-parallel boundary transfers.
func (n *Network) SendToNode(target int, data []byte) error {
	return n.Write(n.SocketIndexForNode(target), data)
}

func (n *Network) RecvFromNode(source int, data []byte) error {
	return n.Read(n.SocketIndexForNode(source), data)
}

// Stats reports and resets the total bytes moved since the last call.
func (n *Network) Stats() (sent, recv int64) {
	for i := range n.conns {
		sent += n.sentBytes[i].Swap(0)
		recv += n.recvBytes[i].Swap(0)
	}
	return sent, recv
}

// Connect brings up the mesh from the root side: it dials every worker,
// tells each one the worker count, its worker index (node index minus one)
// and the addresses of its peers, then releases them all with a second
// ack round.
func Connect(log logger.Logger, workers []string) (*Network, error) {
	nSockets := len(workers)
	conns := make([]net.Conn, nSockets)
	ok := false
	defer func() {
		if !ok {
			for _, c := range conns {
				if c != nil {
					_ = c.Close()
				}
			}
		}
	}()

	for i, addr := range workers {
		log.Info("connecting to worker", "index", i, "addr", addr)
		conn, err := dialRetry(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot connect to %s: %v", nn.ErrTransfer, addr, err)
		}
		tuneConn(conn)
		conns[i] = conn

		if err := writeU32(conn, uint32(nSockets)); err != nil {
			return nil, err
		}
		if err := writeU32(conn, uint32(i)); err != nil {
			return nil, err
		}
		for j, peer := range workers {
			if j == i {
				continue
			}
			host, port, err := splitHostPort(peer)
			if err != nil {
				return nil, err
			}
			hostBytes := append([]byte(host), 0)
			if err := writeU32(conn, uint32(len(hostBytes))); err != nil {
				return nil, err
			}
			if err := writeConn(conn, hostBytes); err != nil {
				return nil, err
			}
			if err := writeU32(conn, uint32(port)); err != nil {
				return nil, err
			}
		}
		if err := readAckConn(conn); err != nil {
			return nil, err
		}
		log.Info("worker joined", "index", i)
	}
	// Release the workers to run their peer handshakes.
	for _, conn := range conns {
		if err := writeU32(conn, ackMagic); err != nil {
			return nil, err
		}
	}
	log.Info("network initialized", "nodes", nSockets+1)
	ok = true
	return newNetwork(log, conns, 0, nSockets+1), nil
}

// Serve brings up the mesh from a worker's side: it accepts the root,
// learns its index and peer list, then connects to lower-index peers
// while accepting the higher-index ones. Each worker-to-worker connection
// starts with a hello carrying the dialer's node index so accepted
// sockets land in the right slot regardless of arrival order.
func Serve(log logger.Logger, port int) (*Network, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot listen on port %d: %v", nn.ErrTransfer, port, err)
	}
	defer func() { _ = listener.Close() }()
	log.Info("listening", "port", port)

	rootConn, err := listener.Accept()
	if err != nil {
		return nil, transferErr(err)
	}
	tuneConn(rootConn)
	log.Info("root node connected")

	nSockets, err := readU32(rootConn)
	if err != nil {
		return nil, err
	}
	workerIndex, err := readU32(rootConn)
	if err != nil {
		return nil, err
	}
	nPeers := int(nSockets) - 1
	hosts := make([]string, nPeers)
	ports := make([]int, nPeers)
	for i := 0; i < nPeers; i++ {
		hostLen, err := readU32(rootConn)
		if err != nil {
			return nil, err
		}
		hostBytes := make([]byte, hostLen)
		if err := readConn(rootConn, hostBytes); err != nil {
			return nil, err
		}
		hosts[i] = string(trimNul(hostBytes))
		p, err := readU32(rootConn)
		if err != nil {
			return nil, err
		}
		ports[i] = int(p)
	}
	if err := writeU32(rootConn, ackMagic); err != nil {
		return nil, err
	}
	// Wait for the root to report every worker is up before dialing peers.
	if err := readAckConn(rootConn); err != nil {
		return nil, err
	}

	conns := make([]net.Conn, nSockets)
	conns[RootSocketIndex] = rootConn

	var g errgroup.Group
	// Lower-index peers listen, higher-index peers connect: we dial every
	// peer below us and accept every peer above us. Dialers lead with a
	// hello carrying their worker index so accepted sockets land in the
	// right slot regardless of arrival order.
	nAccepts := nPeers - int(workerIndex)
	for i := 0; i < int(workerIndex); i++ {
		addr := net.JoinHostPort(hosts[i], strconv.Itoa(ports[i]))
		slot := i + 1
		g.Go(func() error {
			log.Info("connecting to peer", "slot", slot, "addr", addr)
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return fmt.Errorf("%w: cannot connect to peer %s: %v", nn.ErrTransfer, addr, err)
			}
			tuneConn(conn)
			if err := writeU32(conn, uint32(workerIndex)); err != nil {
				_ = conn.Close()
				return err
			}
			conns[slot] = conn
			return nil
		})
	}
	g.Go(func() error {
		for a := 0; a < nAccepts; a++ {
			conn, err := listener.Accept()
			if err != nil {
				return transferErr(err)
			}
			tuneConn(conn)
			peerWorker, err := readU32(conn)
			if err != nil {
				_ = conn.Close()
				return err
			}
			// Worker p above us (global p+1) occupies slot p.
			if int(peerWorker) <= int(workerIndex) || int(peerWorker) > nPeers {
				_ = conn.Close()
				return fmt.Errorf("%w: unexpected peer hello %d", nn.ErrTransfer, peerWorker)
			}
			conns[peerWorker] = conn
			log.Info("accepted peer", "slot", peerWorker)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		for _, c := range conns {
			if c != nil {
				_ = c.Close()
			}
		}
		return nil, err
	}

	log.Info("network initialized", "nodeIndex", workerIndex+1)
	return newNetwork(log, conns, int(workerIndex)+1, int(nSockets)+1), nil
}

// dialRetry gives a worker a moment to reach its accept loop; the root
// is usually started last but not always.
func dialRetry(addr string) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < 50; attempt++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return nil, lastErr
}

func readAckConn(conn net.Conn) error {
	v, err := readU32(conn)
	if err != nil {
		return err
	}
	if v != ackMagic {
		return fmt.Errorf("%w: invalid ack packet %#x", nn.ErrTransfer, v)
	}
	return nil
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid worker address %q", nn.ErrTransfer, addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid worker port %q", nn.ErrTransfer, portStr)
	}
	return host, port, nil
}
