package inference

import (
	"encoding/binary"
	"fmt"

	"github.com/wansongcc/distributed-llama/internal/nn"
)

// ControlPacket is the 12-byte per-forward command the root broadcasts to
// every worker. BatchSize zero is the session stop signal.
type ControlPacket struct {
	Position  uint32
	BatchSize uint32
	Flags     uint32
}

// ControlPacket flag bits.
const (
	ControlFlagProfile = uint32(1) << 0
)

const ControlPacketBytes = 12

func (p ControlPacket) Encode() []byte {
	buf := make([]byte, ControlPacketBytes)
	binary.LittleEndian.PutUint32(buf[0:], p.Position)
	binary.LittleEndian.PutUint32(buf[4:], p.BatchSize)
	binary.LittleEndian.PutUint32(buf[8:], p.Flags)
	return buf
}

func DecodeControlPacket(buf []byte) ControlPacket {
	return ControlPacket{
		Position:  binary.LittleEndian.Uint32(buf[0:]),
		BatchSize: binary.LittleEndian.Uint32(buf[4:]),
		Flags:     binary.LittleEndian.Uint32(buf[8:]),
	}
}

// PerfPacket is the 24-byte per-forward profile report a worker returns
// when the control packet requests profiling.
type PerfPacket struct {
	Position   uint32
	BatchSize  uint32
	NodeIndex  uint32
	StageIndex uint32
	ExecUs     uint32
	SyncUs     uint32
}

const PerfPacketBytes = 24

func (p PerfPacket) Encode() []byte {
	buf := make([]byte, PerfPacketBytes)
	binary.LittleEndian.PutUint32(buf[0:], p.Position)
	binary.LittleEndian.PutUint32(buf[4:], p.BatchSize)
	binary.LittleEndian.PutUint32(buf[8:], p.NodeIndex)
	binary.LittleEndian.PutUint32(buf[12:], p.StageIndex)
	binary.LittleEndian.PutUint32(buf[16:], p.ExecUs)
	binary.LittleEndian.PutUint32(buf[20:], p.SyncUs)
	return buf
}

func DecodePerfPacket(buf []byte) PerfPacket {
	return PerfPacket{
		Position:   binary.LittleEndian.Uint32(buf[0:]),
		BatchSize:  binary.LittleEndian.Uint32(buf[4:]),
		NodeIndex:  binary.LittleEndian.Uint32(buf[8:]),
		StageIndex: binary.LittleEndian.Uint32(buf[12:]),
		ExecUs:     binary.LittleEndian.Uint32(buf[16:]),
		SyncUs:     binary.LittleEndian.Uint32(buf[20:]),
	}
}

// BootstrapPacket carries session configuration from the root to each
// worker right after mesh-up, so workers need no model or topology flags
// of their own: a fixed 32-byte header followed by two optional
// NUL-terminated strings.
type BootstrapPacket struct {
	BenchmarkEnabled bool
	MaxSeqLen        int
	SyncType         nn.FloatType
	ModelPath        string
	Ratios           string
}

const (
	bootstrapMagic   = 0x4D424C44 // "DLBM" little-endian
	bootstrapVersion = 2

	bootstrapHasModelPath = uint32(1) << 0
	bootstrapHasRatios    = uint32(1) << 1

	bootstrapHeaderBytes = 32
)

func (p BootstrapPacket) Encode() []byte {
	var flags uint32
	var modelPath, ratios []byte
	if p.ModelPath != "" {
		flags |= bootstrapHasModelPath
		modelPath = append([]byte(p.ModelPath), 0)
	}
	if p.Ratios != "" {
		flags |= bootstrapHasRatios
		ratios = append([]byte(p.Ratios), 0)
	}
	benchmark := uint32(0)
	if p.BenchmarkEnabled {
		benchmark = 1
	}

	buf := make([]byte, bootstrapHeaderBytes, bootstrapHeaderBytes+len(modelPath)+len(ratios))
	binary.LittleEndian.PutUint32(buf[0:], bootstrapMagic)
	binary.LittleEndian.PutUint32(buf[4:], bootstrapVersion)
	binary.LittleEndian.PutUint32(buf[8:], flags)
	binary.LittleEndian.PutUint32(buf[12:], benchmark)
	binary.LittleEndian.PutUint32(buf[16:], uint32(p.MaxSeqLen))
	binary.LittleEndian.PutUint32(buf[20:], uint32(p.SyncType))
	binary.LittleEndian.PutUint32(buf[24:], uint32(len(modelPath)))
	binary.LittleEndian.PutUint32(buf[28:], uint32(len(ratios)))
	buf = append(buf, modelPath...)
	buf = append(buf, ratios...)
	return buf
}

// bootstrapReader is the read surface DecodeBootstrapPacket needs; the
// mesh's worker side satisfies it.
type bootstrapReader interface {
	Read(socketIndex int, data []byte) error
}

// DecodeBootstrapPacket reads and validates a bootstrap packet from the
// root socket.
func DecodeBootstrapPacket(r bootstrapReader, socketIndex int) (BootstrapPacket, error) {
	header := make([]byte, bootstrapHeaderBytes)
	if err := r.Read(socketIndex, header); err != nil {
		return BootstrapPacket{}, err
	}
	if magic := binary.LittleEndian.Uint32(header[0:]); magic != bootstrapMagic {
		return BootstrapPacket{}, fmt.Errorf("%w: invalid bootstrap magic %#x (root/worker mismatch)", nn.ErrTransfer, magic)
	}
	if version := binary.LittleEndian.Uint32(header[4:]); version != bootstrapVersion {
		return BootstrapPacket{}, fmt.Errorf("%w: unsupported bootstrap version %d", nn.ErrTransfer, version)
	}
	flags := binary.LittleEndian.Uint32(header[8:])

	p := BootstrapPacket{
		BenchmarkEnabled: binary.LittleEndian.Uint32(header[12:]) != 0,
		MaxSeqLen:        int(binary.LittleEndian.Uint32(header[16:])),
		SyncType:         nn.FloatType(binary.LittleEndian.Uint32(header[20:])),
	}
	modelPathLen := int(binary.LittleEndian.Uint32(header[24:]))
	ratiosLen := int(binary.LittleEndian.Uint32(header[28:]))

	readString := func(n int) (string, error) {
		if n == 0 {
			return "", nil
		}
		buf := make([]byte, n)
		if err := r.Read(socketIndex, buf); err != nil {
			return "", err
		}
		for i, c := range buf {
			if c == 0 {
				return string(buf[:i]), nil
			}
		}
		return string(buf), nil
	}

	var err error
	if flags&bootstrapHasModelPath != 0 {
		if p.ModelPath, err = readString(modelPathLen); err != nil {
			return BootstrapPacket{}, err
		}
	}
	if flags&bootstrapHasRatios != 0 {
		if p.Ratios, err = readString(ratiosLen); err != nil {
			return BootstrapPacket{}, err
		}
	}
	return p, nil
}
