package tokenizer

import (
	"path/filepath"
	"strings"
	"testing"
)

// writeTestTokenizer writes a tiny byte-level vocabulary with a few merges.
func writeTestTokenizer(t *testing.T) string {
	t.Helper()
	vocab := []string{"<s>", "</s>"}
	scores := []float32{0, 0}
	for b := 0; b < 256; b++ {
		vocab = append(vocab, string(byte(b)))
		scores = append(scores, -1000)
	}
	merges := []struct {
		piece string
		score float32
	}{
		{"he", 1}, {"ll", 2}, {"llo", 3}, {"hello", 5}, {" w", 1.5}, {"or", 1}, {"ld", 1},
	}
	for _, m := range merges {
		vocab = append(vocab, m.piece)
		scores = append(scores, m.score)
	}
	path := filepath.Join(t.TempDir(), "tokenizer.t")
	if err := Write(path, vocab, scores, 0, 1); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTokenizerRoundTrip(t *testing.T) {
	t.Parallel()

	tok, err := Load(writeTestTokenizer(t))
	if err != nil {
		t.Fatal(err)
	}
	if tok.BosID != 0 || tok.EosID != 1 {
		t.Fatalf("bos/eos = %d/%d, want 0/1", tok.BosID, tok.EosID)
	}

	tokens := tok.Encode("hello world", true, false)
	if tokens[0] != tok.BosID {
		t.Fatalf("missing BOS: %v", tokens)
	}
	var decoded strings.Builder
	for _, id := range tokens[1:] {
		decoded.WriteString(tok.Decode(id))
	}
	if decoded.String() != "hello world" {
		t.Fatalf("decode mismatch: %q", decoded.String())
	}
}

func TestEncodeMergesGreedily(t *testing.T) {
	t.Parallel()

	tok, err := Load(writeTestTokenizer(t))
	if err != nil {
		t.Fatal(err)
	}
	tokens := tok.Encode("hello", false, false)
	if len(tokens) != 1 || tok.Decode(tokens[0]) != "hello" {
		t.Fatalf("expected the single merged token, got %v", tokens)
	}
}

func TestTemplateRender(t *testing.T) {
	t.Parallel()

	items := []ChatItem{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}

	llama2 := NewTemplate(TemplateLlama2).Render(items)
	if !strings.Contains(llama2, "<<SYS>>") || !strings.Contains(llama2, "[INST]") {
		t.Errorf("llama2 template mangled: %q", llama2)
	}

	llama3 := NewTemplate(TemplateLlama3).Render(items)
	if !strings.Contains(llama3, "<|start_header_id|>user<|end_header_id|>") ||
		!strings.HasSuffix(llama3, "<|start_header_id|>assistant<|end_header_id|>\n\n") {
		t.Errorf("llama3 template mangled: %q", llama3)
	}
}

func TestParseTemplateType(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"llama2", "llama3", "deepSeek3"} {
		if _, err := ParseTemplateType(name); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	if _, err := ParseTemplateType("mistral"); err == nil {
		t.Error("expected an error for an unknown template")
	}
}

func TestStopDetectorSplitAcrossPieces(t *testing.T) {
	t.Parallel()

	d := NewStopDetector([]string{"</s>"})
	var out strings.Builder
	stopped := false
	for _, piece := range []string{"hi the", "re</", "s>tail"} {
		text, stop := d.Feed(piece)
		out.WriteString(text)
		if stop {
			stopped = true
			break
		}
	}
	if !stopped {
		t.Fatal("stop string not detected across pieces")
	}
	if out.String() != "hi there" {
		t.Fatalf("emitted %q, want %q", out.String(), "hi there")
	}
}
