// Package splitter groups cloze occurrences into card records with their
// surrounding textual context and structural location.
package splitter

import (
	"strconv"
	"strings"

	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/cloze"
)

// Block is one contiguous chunk of note text containing cloze occurrences.
type Block struct {
	ID          string
	Content     string
	SectionPath string
	Clozes      []cloze.Cloze
	Tags        []string
}

// Record is one flattened (cloze occurrence, block) pair. Multiple records
// may carry the same ClozeIndex for one note; downstream reconciliation is
// responsible for merging them.
type Record struct {
	NoteID      string
	ClozeIndex  int
	BlockID     string
	ContentRaw  string
	SectionPath string
	Tags        []string
}

// Splitter is the card-splitting contract consumed by the reconciler.
type Splitter interface {
	Split(body string, tags []string) []Block
	Flatten(noteID string, blocks []Block) []Record
}

// Markdown is the default Splitter. Blocks are paragraphs separated by blank
// lines; headings open a new block and contribute to the section path.
type Markdown struct{}

// Split extracts clozes from body in a single pass and assigns each
// occurrence to its enclosing block. Blocks without clozes are dropped.
func (Markdown) Split(body string, tags []string) []Block {
	ext := cloze.Extract(body)
	if len(ext.Clozes) == 0 {
		return nil
	}

	raw := rawBlocks(body)

	var out []Block
	for i, rb := range raw {
		var inBlock []cloze.Cloze
		for _, c := range ext.Clozes {
			if c.Start >= rb.start && c.Start < rb.end {
				inBlock = append(inBlock, c)
			}
		}
		if len(inBlock) == 0 {
			continue
		}
		content := strings.TrimRight(body[rb.start:rb.end], "\n")
		out = append(out, Block{
			ID:          blockID(rb.section, i),
			Content:     content,
			SectionPath: rb.section,
			Clozes:      inBlock,
			Tags:        tags,
		})
	}
	return out
}

// Flatten emits one record per (cloze occurrence, block) in document order.
func (Markdown) Flatten(noteID string, blocks []Block) []Record {
	var out []Record
	for _, b := range blocks {
		for _, c := range b.Clozes {
			out = append(out, Record{
				NoteID:      noteID,
				ClozeIndex:  c.ID,
				BlockID:     b.ID,
				ContentRaw:  b.Content,
				SectionPath: b.SectionPath,
				Tags:        b.Tags,
			})
		}
	}
	return out
}

type rawBlock struct {
	start, end int
	section    string
}

// rawBlocks splits body into paragraph blocks, tracking the heading path.
// A heading line terminates the current block and updates the path; a blank
// line terminates the current block.
func rawBlocks(body string) []rawBlock {
	var blocks []rawBlock
	var headings []string // one entry per heading level, 1-based

	blockStart := -1
	flush := func(end int) {
		if blockStart >= 0 && end > blockStart {
			blocks = append(blocks, rawBlock{
				start:   blockStart,
				end:     end,
				section: strings.Join(headings, " > "),
			})
		}
		blockStart = -1
	}

	offset := 0
	for offset <= len(body) {
		lineEnd := len(body)
		if i := strings.IndexByte(body[offset:], '\n'); i >= 0 {
			lineEnd = offset + i + 1
		}
		line := strings.TrimRight(body[offset:lineEnd], "\n")
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			flush(offset)
		case strings.HasPrefix(trimmed, "#"):
			level, text := headingLevel(trimmed)
			if level > 0 {
				flush(offset)
				if level <= len(headings) {
					headings = headings[:level-1]
				}
				for len(headings) < level-1 {
					headings = append(headings, "")
				}
				headings = append(headings, text)
			} else if blockStart < 0 {
				blockStart = offset
			}
		default:
			if blockStart < 0 {
				blockStart = offset
			}
		}

		if lineEnd == len(body) {
			flush(lineEnd)
			break
		}
		offset = lineEnd
	}

	return blocks
}

// headingLevel parses an ATX heading; returns 0 when line is not a heading.
func headingLevel(line string) (int, string) {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level >= len(line) || line[level] != ' ' {
		return 0, ""
	}
	return level, strings.TrimSpace(line[level:])
}

func blockID(section string, ordinal int) string {
	sum := checksum.Sum([]byte(section + "#" + strconv.Itoa(ordinal)))
	return sum[:12]
}
