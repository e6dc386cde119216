package netsync

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/wansongcc/distributed-llama/internal/logger"
)

func freePorts(t *testing.T, n int) []int {
	t.Helper()
	ports := make([]int, n)
	listeners := make([]net.Listener, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		listeners[i] = l
		ports[i] = l.Addr().(*net.TCPAddr).Port
	}
	for _, l := range listeners {
		_ = l.Close()
	}
	return ports
}

// bringUpMesh starts nWorkers workers and connects the root, returning
// every node's network indexed by global node index.
func bringUpMesh(t *testing.T, nWorkers int) []*Network {
	t.Helper()
	log := logger.Discard()
	ports := freePorts(t, nWorkers)

	networks := make([]*Network, nWorkers+1)
	var mu sync.Mutex
	var g errgroup.Group
	for i := 0; i < nWorkers; i++ {
		g.Go(func() error {
			network, err := Serve(log, ports[i])
			if err != nil {
				return err
			}
			mu.Lock()
			networks[network.NodeIndex()] = network
			mu.Unlock()
			return nil
		})
	}

	workers := make([]string, nWorkers)
	for i, port := range ports {
		workers[i] = fmt.Sprintf("127.0.0.1:%d", port)
	}
	root, err := Connect(log, workers)
	if err != nil {
		t.Fatal(err)
	}
	networks[0] = root
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		for _, n := range networks {
			if n != nil {
				n.Close()
			}
		}
	})
	return networks
}

func TestMeshBringUp(t *testing.T) {
	t.Parallel()

	for _, nWorkers := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("workers=%d", nWorkers), func(t *testing.T) {
			t.Parallel()
			networks := bringUpMesh(t, nWorkers)
			nNodes := nWorkers + 1

			for nodeIndex, network := range networks {
				if network.NSockets() != nNodes-1 {
					t.Errorf("node %d has %d sockets, want %d", nodeIndex, network.NSockets(), nNodes-1)
				}
				if network.NodeIndex() != nodeIndex {
					t.Errorf("network claims node %d, want %d", network.NodeIndex(), nodeIndex)
				}
			}

			// Every node writes its own index to every peer; every node
			// must read each peer's index on the matching socket. This
			// pins the slot ordering of the mesh.
			var g errgroup.Group
			for nodeIndex, network := range networks {
				g.Go(func() error {
					payload := []byte{byte(nodeIndex)}
					for peer := 0; peer < nNodes; peer++ {
						if peer == nodeIndex {
							continue
						}
						if err := network.SendToNode(peer, payload); err != nil {
							return err
						}
					}
					for peer := 0; peer < nNodes; peer++ {
						if peer == nodeIndex {
							continue
						}
						got := make([]byte, 1)
						if err := network.RecvFromNode(peer, got); err != nil {
							return err
						}
						if got[0] != byte(peer) {
							return fmt.Errorf("node %d: socket for peer %d delivered %d", nodeIndex, peer, got[0])
						}
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestNetworkStats(t *testing.T) {
	t.Parallel()

	networks := bringUpMesh(t, 1)
	payload := make([]byte, 1000)
	if err := networks[0].Write(0, payload); err != nil {
		t.Fatal(err)
	}
	if err := networks[1].Read(0, payload); err != nil {
		t.Fatal(err)
	}
	sent, _ := networks[0].Stats()
	_, recv := networks[1].Stats()
	if sent != 1000 || recv != 1000 {
		t.Errorf("stats sent=%d recv=%d, want 1000/1000", sent, recv)
	}
	// Stats reset on read.
	sent, _ = networks[0].Stats()
	if sent != 0 {
		t.Errorf("stats did not reset: %d", sent)
	}
}
