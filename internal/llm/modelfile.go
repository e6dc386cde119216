package llm

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// ModelFile is a read-only view of the whole model file. Mmap is
// preferred so row shards feed device memory without an intermediate
// copy; a ReadAt fallback covers filesystems without mmap support.
type ModelFile struct {
	Data    []byte
	mmapped bool
}

func OpenModelFile(path string, size int64) (*ModelFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open model file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("model file too large to map: %d bytes", size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		return &ModelFile{Data: data, mmapped: true}, nil
	}

	data = make([]byte, size)
	var off int64
	for off < size {
		n, err := f.ReadAt(data[off:], off)
		off += int64(n)
		if err == io.EOF && off == size {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cannot read model file: %w", err)
		}
	}
	return &ModelFile{Data: data}, nil
}

func (m *ModelFile) Close() {
	if m.mmapped {
		_ = unix.Munmap(m.Data)
	}
	m.Data = nil
}
