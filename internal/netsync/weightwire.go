package netsync

import (
	"encoding/binary"
	"fmt"

	"github.com/wansongcc/distributed-llama/internal/exec"
	"github.com/wansongcc/distributed-llama/internal/logger"
	"github.com/wansongcc/distributed-llama/internal/nn"
)

// The legacy weight stream pushes each worker its shards as repeating
// {u32 nameLen, name, u32 opIndex, u64 offset, u64 nBytes, payload}
// tuples, terminated by a zero-length name. It is used for the uniform
// partition when workers have no shared filesystem.

// RootDistributor implements the weight-loader interface by slicing the
// memory-mapped model on the root and pushing every worker its share.
type RootDistributor struct {
	executor *exec.Executor
	network  *Network
	nNodes   int
	temp     []byte
}

func NewRootDistributor(executor *exec.Executor, network *Network, nNodes int) *RootDistributor {
	return &RootDistributor{executor: executor, network: network, nNodes: nNodes}
}

func (d *RootDistributor) scratch(n int) []byte {
	if cap(d.temp) < n {
		d.temp = make([]byte, n)
	}
	return d.temp[:n]
}

func (d *RootDistributor) writeWeight(nodeIndex int, opName string, opIndex, offset int, payload []byte) error {
	socketIndex := nodeIndex - 1
	name := append([]byte(opName), 0)
	header := make([]byte, 0, 4+len(name)+4+8+8)
	header = binary.LittleEndian.AppendUint32(header, uint32(len(name)))
	header = append(header, name...)
	header = binary.LittleEndian.AppendUint32(header, uint32(opIndex))
	header = binary.LittleEndian.AppendUint64(header, uint64(offset))
	header = binary.LittleEndian.AppendUint64(header, uint64(len(payload)))
	if err := d.network.Write(socketIndex, header); err != nil {
		return err
	}
	return d.network.Write(socketIndex, payload)
}

// LoadAll feeds the whole tensor to the root's executor only.
func (d *RootDistributor) LoadAll(opName string, opIndex int, data []byte) (int, error) {
	return len(data), d.executor.LoadWeight(opName, opIndex, 0, data)
}

// LoadReplicated feeds the whole tensor to every node.
func (d *RootDistributor) LoadReplicated(opName string, opIndex int, data []byte) (int, error) {
	if err := d.executor.LoadWeight(opName, opIndex, 0, data); err != nil {
		return 0, err
	}
	for nodeIndex := 1; nodeIndex < d.nNodes; nodeIndex++ {
		if err := d.writeWeight(nodeIndex, opName, opIndex, 0, data); err != nil {
			return 0, err
		}
	}
	return len(data), nil
}

// LoadRowShard splits a row-sharded tensor and distributes each node its
// contiguous range. expertIndex offsets the destination for stacked MoE
// expert planes.
func (d *RootDistributor) LoadRowShard(opName string, opIndex, expertIndex int, slicer func(nodeIndex int) nn.RowMatmulSlice, data []byte) (int, error) {
	var total int
	for nodeIndex := 0; nodeIndex < d.nNodes; nodeIndex++ {
		slice := slicer(nodeIndex)
		total = slice.Size.NBytes
		shard := slice.Shard()
		payload := shard.View(data)
		offset := expertIndex * slice.SliceSize.NBytes
		if nodeIndex == 0 {
			if err := d.executor.LoadWeight(opName, opIndex, offset, payload); err != nil {
				return 0, err
			}
			continue
		}
		if err := d.writeWeight(nodeIndex, opName, opIndex, offset, payload); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// LoadColShard splits a column-sharded tensor; shards are strided on
// disk, so each one is gathered into scratch before delivery.
func (d *RootDistributor) LoadColShard(opName string, opIndex, expertIndex int, slicer func(nodeIndex int) nn.ColMatmulSlice, data []byte) (int, error) {
	var total int
	for nodeIndex := 0; nodeIndex < d.nNodes; nodeIndex++ {
		slice := slicer(nodeIndex)
		total = slice.Size.NBytes
		shard := slice.Shard()
		payload := d.scratch(shard.NBytes())
		shard.Copy(payload, data)
		offset := expertIndex * slice.SliceSize.NBytes
		if nodeIndex == 0 {
			if err := d.executor.LoadWeight(opName, opIndex, offset, payload); err != nil {
				return 0, err
			}
			continue
		}
		if err := d.writeWeight(nodeIndex, opName, opIndex, offset, payload); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Finish sends the zero-length-name sentinel and collects acks.
func (d *RootDistributor) Finish() error {
	var zero [4]byte
	for socketIndex := 0; socketIndex < d.nNodes-1; socketIndex++ {
		if err := d.network.Write(socketIndex, zero[:]); err != nil {
			return err
		}
		if err := d.network.ReadAck(socketIndex); err != nil {
			return err
		}
	}
	d.temp = nil
	return nil
}

// WorkerWeightReader consumes the weight stream on a worker.
type WorkerWeightReader struct {
	executor *exec.Executor
	network  *Network
	log      logger.Logger
}

func NewWorkerWeightReader(executor *exec.Executor, network *Network, log logger.Logger) *WorkerWeightReader {
	return &WorkerWeightReader{executor: executor, network: network, log: log}
}

func (r *WorkerWeightReader) Read() error {
	var u32Buf [4]byte
	var u64Buf [8]byte
	for {
		if err := r.network.Read(RootSocketIndex, u32Buf[:]); err != nil {
			return err
		}
		nameLen := binary.LittleEndian.Uint32(u32Buf[:])
		if nameLen == 0 {
			r.log.Info("weights loaded")
			return r.network.WriteAck(RootSocketIndex)
		}
		nameBytes := make([]byte, nameLen)
		if err := r.network.Read(RootSocketIndex, nameBytes); err != nil {
			return err
		}
		opName := string(trimNul(nameBytes))
		if err := r.network.Read(RootSocketIndex, u32Buf[:]); err != nil {
			return err
		}
		opIndex := int(binary.LittleEndian.Uint32(u32Buf[:]))
		if err := r.network.Read(RootSocketIndex, u64Buf[:]); err != nil {
			return err
		}
		offset := int(binary.LittleEndian.Uint64(u64Buf[:]))
		if err := r.network.Read(RootSocketIndex, u64Buf[:]); err != nil {
			return err
		}
		nBytes := binary.LittleEndian.Uint64(u64Buf[:])
		payload := make([]byte, nBytes)
		if err := r.network.Read(RootSocketIndex, payload); err != nil {
			return err
		}
		if err := r.executor.LoadWeight(opName, opIndex, offset, payload); err != nil {
			return fmt.Errorf("op %s %d: %w", opName, opIndex, err)
		}
	}
}
