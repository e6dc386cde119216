package tokenizer

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Tokenizer file layout: u32 magic, u32 vocabSize, u32 maxTokenLen,
// u32 bosID, u32 eosID, then per token {f32 score, u32 len, bytes}.
// All integers little-endian.
const fileMagic = 0x315A4B54 // "TKZ1"

// Tokenizer is a score-driven merge tokenizer over a flat vocabulary,
// with greedy pair merging during encode.
type Tokenizer struct {
	VocabSize   int
	MaxTokenLen int
	BosID       int
	EosID       int

	vocab  []string
	scores []float32
	lookup map[string]int
}

// Load reads a tokenizer file.
func Load(path string) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open tokenizer: %w", err)
	}
	defer func() { _ = f.Close() }()

	var head [20]byte
	if _, err := io.ReadFull(f, head[:]); err != nil {
		return nil, fmt.Errorf("cannot read tokenizer header: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(head[0:]); magic != fileMagic {
		return nil, fmt.Errorf("invalid tokenizer magic %#x", magic)
	}
	t := &Tokenizer{
		VocabSize:   int(binary.LittleEndian.Uint32(head[4:])),
		MaxTokenLen: int(binary.LittleEndian.Uint32(head[8:])),
		BosID:       int(binary.LittleEndian.Uint32(head[12:])),
		EosID:       int(binary.LittleEndian.Uint32(head[16:])),
	}
	t.vocab = make([]string, t.VocabSize)
	t.scores = make([]float32, t.VocabSize)
	t.lookup = make(map[string]int, t.VocabSize)

	var buf [8]byte
	for i := 0; i < t.VocabSize; i++ {
		if _, err := io.ReadFull(f, buf[:]); err != nil {
			return nil, fmt.Errorf("truncated tokenizer at token %d: %w", i, err)
		}
		t.scores[i] = float32FromBits(binary.LittleEndian.Uint32(buf[0:]))
		n := int(binary.LittleEndian.Uint32(buf[4:]))
		piece := make([]byte, n)
		if _, err := io.ReadFull(f, piece); err != nil {
			return nil, fmt.Errorf("truncated tokenizer at token %d: %w", i, err)
		}
		t.vocab[i] = string(piece)
		if _, exists := t.lookup[t.vocab[i]]; !exists {
			t.lookup[t.vocab[i]] = i
		}
	}
	return t, nil
}

// Write serializes a tokenizer; the converse of Load, used by tooling
// and fixtures.
func Write(path string, vocab []string, scores []float32, bosID, eosID int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	maxLen := 0
	for _, piece := range vocab {
		if len(piece) > maxLen {
			maxLen = len(piece)
		}
	}
	head := make([]byte, 20)
	binary.LittleEndian.PutUint32(head[0:], fileMagic)
	binary.LittleEndian.PutUint32(head[4:], uint32(len(vocab)))
	binary.LittleEndian.PutUint32(head[8:], uint32(maxLen))
	binary.LittleEndian.PutUint32(head[12:], uint32(bosID))
	binary.LittleEndian.PutUint32(head[16:], uint32(eosID))
	if _, err := f.Write(head); err != nil {
		return err
	}
	for i, piece := range vocab {
		var buf [8]byte
		binary.LittleEndian.PutUint32(buf[0:], bitsFromFloat32(scores[i]))
		binary.LittleEndian.PutUint32(buf[4:], uint32(len(piece)))
		if _, err := f.Write(buf[:]); err != nil {
			return err
		}
		if _, err := f.Write([]byte(piece)); err != nil {
			return err
		}
	}
	return nil
}

// Encode splits text into byte-level tokens and greedily merges the
// best-scoring adjacent pair until no merge remains. Unknown bytes are
// dropped.
func (t *Tokenizer) Encode(text string, bos, eos bool) []int {
	var tokens []int
	if bos {
		tokens = append(tokens, t.BosID)
	}
	for _, b := range []byte(text) {
		if id, ok := t.lookup[string(b)]; ok {
			tokens = append(tokens, id)
		}
	}

	for {
		bestScore := float32(-1e10)
		bestAt := -1
		bestID := -1
		for i := 0; i+1 < len(tokens); i++ {
			merged := t.vocab[tokens[i]] + t.vocab[tokens[i+1]]
			if id, ok := t.lookup[merged]; ok && t.scores[id] > bestScore {
				bestScore = t.scores[id]
				bestAt = i
				bestID = id
			}
		}
		if bestAt < 0 {
			break
		}
		tokens[bestAt] = bestID
		tokens = append(tokens[:bestAt+1], tokens[bestAt+2:]...)
	}

	if eos {
		tokens = append(tokens, t.EosID)
	}
	return tokens
}

// Decode returns the piece for one token id.
func (t *Tokenizer) Decode(id int) string {
	if id < 0 || id >= t.VocabSize {
		return ""
	}
	return t.vocab[id]
}

func float32FromBits(bits uint32) float32 {
	return math.Float32frombits(bits)
}

func bitsFromFloat32(v float32) uint32 {
	return math.Float32bits(v)
}
