package tokenizer

import (
	"fmt"
	"strings"
)

// TemplateType selects the chat prompt format.
type TemplateType int

const (
	TemplateLlama2 TemplateType = iota
	TemplateLlama3
	TemplateDeepSeek3
)

// ParseTemplateType parses the CLI spelling.
func ParseTemplateType(s string) (TemplateType, error) {
	switch s {
	case "llama2":
		return TemplateLlama2, nil
	case "llama3":
		return TemplateLlama3, nil
	case "deepSeek3":
		return TemplateDeepSeek3, nil
	}
	return 0, fmt.Errorf("invalid chat template type: %q", s)
}

// ChatItem is one message of a conversation.
type ChatItem struct {
	Role    string
	Content string
}

// Template renders conversations into model prompts and knows the stop
// strings that end an assistant turn.
type Template struct {
	typ TemplateType
}

func NewTemplate(typ TemplateType) *Template {
	return &Template{typ: typ}
}

// Stops returns the strings whose appearance terminates generation.
func (t *Template) Stops() []string {
	switch t.typ {
	case TemplateLlama2:
		return []string{"</s>"}
	case TemplateLlama3:
		return []string{"<|eot_id|>"}
	case TemplateDeepSeek3:
		return []string{"<｜end▁of▁sentence｜>"}
	}
	return nil
}

// Render formats the chat items, ending with the assistant cue so the
// model continues the conversation.
func (t *Template) Render(items []ChatItem) string {
	var b strings.Builder
	switch t.typ {
	case TemplateLlama2:
		system := ""
		for _, item := range items {
			switch item.Role {
			case "system":
				system = item.Content
			case "user":
				b.WriteString("[INST] ")
				if system != "" {
					b.WriteString("<<SYS>>\n")
					b.WriteString(system)
					b.WriteString("\n<</SYS>>\n\n")
					system = ""
				}
				b.WriteString(item.Content)
				b.WriteString(" [/INST]")
			case "assistant":
				b.WriteString(" ")
				b.WriteString(item.Content)
				b.WriteString(" </s>")
			}
		}
	case TemplateLlama3:
		for _, item := range items {
			fmt.Fprintf(&b, "<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>", item.Role, item.Content)
		}
		b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	case TemplateDeepSeek3:
		for _, item := range items {
			switch item.Role {
			case "system":
				b.WriteString(item.Content)
			case "user":
				b.WriteString("<｜User｜>")
				b.WriteString(item.Content)
			case "assistant":
				b.WriteString("<｜Assistant｜>")
				b.WriteString(item.Content)
				b.WriteString("<｜end▁of▁sentence｜>")
			}
		}
		b.WriteString("<｜Assistant｜>")
	}
	return b.String()
}

// StopDetector watches a decoded stream for stop strings that may arrive
// split across token pieces.
type StopDetector struct {
	stops   []string
	pending strings.Builder
	maxLen  int
}

func NewStopDetector(stops []string) *StopDetector {
	maxLen := 0
	for _, s := range stops {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	return &StopDetector{stops: stops, maxLen: maxLen}
}

// Feed appends a piece and reports (emittable text, stopped). Text held
// back as a possible stop prefix is emitted once disambiguated.
func (d *StopDetector) Feed(piece string) (string, bool) {
	d.pending.WriteString(piece)
	buf := d.pending.String()

	for _, stop := range d.stops {
		if idx := strings.Index(buf, stop); idx >= 0 {
			d.pending.Reset()
			return buf[:idx], true
		}
	}

	// Hold back the longest suffix that could still begin a stop string.
	hold := 0
	for _, stop := range d.stops {
		for n := min(len(stop)-1, len(buf)); n > 0; n-- {
			if strings.HasSuffix(buf, stop[:n]) {
				if n > hold {
					hold = n
				}
				break
			}
		}
	}
	emit := buf[:len(buf)-hold]
	d.pending.Reset()
	d.pending.WriteString(buf[len(buf)-hold:])
	return emit, false
}
