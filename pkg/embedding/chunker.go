// ABOUTME: Default text chunking for documents without an external chunking service
// ABOUTME: Paragraph-based splitting with soft and hard byte limits, contiguous 0-based indexes

package embedding

import (
	"regexp"
	"strings"
)

// Chunker splits document text into ordered chunk texts. The coordinator
// assigns contiguous 0-based indexes in the returned order. An external
// chunking service can be plugged in through this interface.
type Chunker interface {
	Chunk(text string) []string
}

// ParagraphChunker splits on blank lines and re-splits oversized
// paragraphs at the hard byte limit.
type ParagraphChunker struct {
	SoftLimit int // Preferred chunk size in bytes
	HardLimit int // Absolute maximum chunk size in bytes
}

// NewParagraphChunker creates a chunker with default limits.
func NewParagraphChunker() *ParagraphChunker {
	return &ParagraphChunker{SoftLimit: 2048, HardLimit: 4096}
}

var blankLineRE = regexp.MustCompile(`\n\s*\n`)

func (c *ParagraphChunker) Chunk(text string) []string {
	soft := c.SoftLimit
	if soft <= 0 {
		soft = 2048
	}
	hard := c.HardLimit
	if hard <= 0 {
		hard = 4096
	}

	paragraphs := blankLineRE.Split(strings.ReplaceAll(text, "\r\n", "\n"), -1)
	chunks := make([]string, 0, len(paragraphs))
	var buf strings.Builder

	flush := func() {
		part := strings.TrimSpace(buf.String())
		buf.Reset()
		for len(part) > hard {
			cut := hard
			// Prefer breaking at a space near the limit.
			if idx := strings.LastIndexByte(part[:hard], ' '); idx > hard/2 {
				cut = idx
			}
			chunks = append(chunks, strings.TrimSpace(part[:cut]))
			part = strings.TrimSpace(part[cut:])
		}
		if part != "" {
			chunks = append(chunks, part)
		}
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if buf.Len() > 0 && buf.Len()+len(p) > soft {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(p)
	}
	flush()

	if len(chunks) == 0 && strings.TrimSpace(text) != "" {
		chunks = append(chunks, strings.TrimSpace(text))
	}
	return chunks
}
