package mcpserver

// ClozeFormatContract describes the canonical cloze deletion syntax that
// LLM consumers should follow when authoring or editing vault notes.
const ClozeFormatContract = `# Ansuz Cloze Format Contract

Every flashcard in Ansuz is a cloze deletion embedded in a Markdown note.

## Syntax

` + "```" + `markdown
---
title: Optional human-readable title
tags:
  - geography
ansuz-id: 7b4e...                   # managed by Ansuz, do NOT edit or copy
---

The capital of France is {{c1::Paris}}.

Water boils at {{c2::100::temperature}} degrees Celsius.

Legacy highlight syntax also works: ==mitochondria== is the powerhouse.
` + "```" + `

## Rules

1. **Anki-style clozes** use ` + "`" + `{{cN::answer}}` + "`" + ` or ` + "`" + `{{cN::answer::hint}}` + "`" + `.
   N is a positive integer; the answer must be non-empty.
2. **One card per cloze id.** Reusing the same id in one note merges those
   occurrences into a single card that asks for all of them at once.
3. **Legacy highlights** ` + "`" + `==text==` + "`" + ` must be non-empty and stay on one line.
   They are numbered automatically after the highest explicit cloze id.
4. **Never edit the ` + "`" + `ansuz-id` + "`" + ` frontmatter field** and never copy it into
   another file. It is the note's identity; duplicating it makes two files
   fight over the same cards.
5. **Braces must balance.** An unclosed ` + "`" + `{{` + "`" + ` invalidates only its own span;
   following well-formed clozes still produce cards. Use the
   ` + "`" + `cloze_diagnostics` + "`" + ` tool to find broken spans.
6. **Rewording an answer resets progress.** Small context edits around a
   cloze are free, but changing what the answer says makes the scheduler
   treat the card as relearned material.
7. **File paths** end with ` + "`" + `.md` + "`" + ` and use forward slashes. Encoding is UTF-8.

## Example

` + "```" + `markdown
---
title: Cell biology
tags:
  - biology
---

# Organelles

The {{c1::mitochondria}} is the powerhouse of the cell.

ATP synthesis happens across the {{c2::inner membrane::which membrane?}}.
` + "```" + `
`
