package exec

import (
	"math"
	"unsafe"

	"github.com/x448/float16"

	"github.com/wansongcc/distributed-llama/internal/nn"
)

// bytesToFloats reinterprets a little-endian byte slice as float32s.
// Buffers and pipes are allocated by this package and naturally aligned.
func bytesToFloats(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func floatsToBytes(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*4)
}

// dequantizeQ40Row expands one Q40 row of n elements starting at block
// boundary into dst.
func dequantizeQ40Row(src []byte, dst []float32, n int) {
	nBlocks := n / nn.QuantBlockSize
	for b := 0; b < nBlocks; b++ {
		block := src[b*nn.BlockQ40Bytes : (b+1)*nn.BlockQ40Bytes]
		scale := float16.Frombits(uint16(block[0]) | uint16(block[1])<<8).Float32()
		for j := 0; j < nn.QuantBlockSize/2; j++ {
			q := block[2+j]
			lo := float32(int(q&0x0F) - 8)
			hi := float32(int(q>>4) - 8)
			dst[b*nn.QuantBlockSize+j] = lo * scale
			dst[b*nn.QuantBlockSize+j+nn.QuantBlockSize/2] = hi * scale
		}
	}
}

// quantizeQ80Row encodes n float32 elements into Q80 blocks.
func quantizeQ80Row(src []float32, dst []byte, n int) {
	nBlocks := n / nn.QuantBlockSize
	for b := 0; b < nBlocks; b++ {
		block := dst[b*nn.BlockQ80Bytes : (b+1)*nn.BlockQ80Bytes]
		amax := float32(0)
		for j := 0; j < nn.QuantBlockSize; j++ {
			if a := float32(math.Abs(float64(src[b*nn.QuantBlockSize+j]))); a > amax {
				amax = a
			}
		}
		scale := amax / 127.0
		bits := float16.Fromfloat32(scale).Bits()
		block[0] = byte(bits)
		block[1] = byte(bits >> 8)
		inv := float32(0)
		if scale != 0 {
			inv = 1.0 / scale
		}
		for j := 0; j < nn.QuantBlockSize; j++ {
			v := src[b*nn.QuantBlockSize+j] * inv
			block[2+j] = byte(int8(math.RoundToEven(float64(v))))
		}
	}
}

// dequantizeQ80Row expands one Q80 row of n elements into dst.
func dequantizeQ80Row(src []byte, dst []float32, n int) {
	nBlocks := n / nn.QuantBlockSize
	for b := 0; b < nBlocks; b++ {
		block := src[b*nn.BlockQ80Bytes : (b+1)*nn.BlockQ80Bytes]
		scale := float16.Frombits(uint16(block[0]) | uint16(block[1])<<8).Float32()
		for j := 0; j < nn.QuantBlockSize; j++ {
			dst[b*nn.QuantBlockSize+j] = float32(int8(block[2+j])) * scale
		}
	}
}
