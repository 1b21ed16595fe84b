package patch

import (
	"fmt"
)

// Coalesces bursts of fine-grained text edits (consecutive keystrokes inside
// one debounce window) into fewer equivalent edits before they are lowered
// to string instructions. Edits use sequential semantics: each edit's
// offsets address the string produced by the edits before it.

// replace [From,To) with Insert. From == To is a pure insert;
// Insert == "" is a pure delete.
type TextEdit struct {
	From   int
	To     int
	Insert string
}

func TextInsertEdit(at int, text string) TextEdit {
	return TextEdit{
		From:   at,
		To:     at,
		Insert: text,
	}
}

func TextDeleteEdit(from int, to int) TextEdit {
	return TextEdit{
		From: from,
		To:   to,
	}
}

func (self TextEdit) isNoop() bool {
	return self.From == self.To && self.Insert == ""
}

func (self TextEdit) isInsert() bool {
	return self.From == self.To
}

func (self TextEdit) isDelete() bool {
	return self.Insert == ""
}

func (self TextEdit) String() string {
	return fmt.Sprintf("[%d,%d)<-%q", self.From, self.To, self.Insert)
}

// ApplyTextEdits is the reference executor for edit sequences. The
// coalescing law is that CoalesceTextEdits preserves its result.
func ApplyTextEdits(text string, edits []TextEdit) (string, error) {
	for _, edit := range edits {
		if edit.From < 0 || edit.To < edit.From || len(text) < edit.To {
			return "", fmt.Errorf("edit %s out of range %d", edit, len(text))
		}
		text = text[:edit.From] + edit.Insert + text[edit.To:]
	}
	return text, nil
}

// CoalesceTextEdits merges each edit into the previous one where the edits
// are adjacent, preserving sequential semantics:
//   - an insert at the end of, or inside, a pending insert splices into its text
//   - a delete wholly inside a pending insert splices out of its text
//   - contiguous deletes merge, forward (delete key) or backward (backspace)
//   - an insert at a pending delete's start folds into a replace
//
// No-op edits are dropped. Applying the result to the original string yields
// the same final string as applying the input.
func CoalesceTextEdits(edits []TextEdit) []TextEdit {
	out := []TextEdit{}
	for _, edit := range edits {
		if edit.isNoop() {
			continue
		}
		if len(out) == 0 {
			out = append(out, edit)
			continue
		}
		last := out[len(out)-1]
		if merged, ok := mergeTextEdits(last, edit); ok {
			if merged.isNoop() {
				out = out[:len(out)-1]
			} else {
				out[len(out)-1] = merged
			}
		} else {
			out = append(out, edit)
		}
	}
	return out
}

func mergeTextEdits(last TextEdit, next TextEdit) (TextEdit, bool) {
	if last.isInsert() {
		// offsets inside the pending insert's span in the current string
		spanStart := last.From
		spanEnd := last.From + len(last.Insert)

		if next.isInsert() && spanStart <= next.From && next.From <= spanEnd {
			i := next.From - spanStart
			last.Insert = last.Insert[:i] + next.Insert + last.Insert[i:]
			return last, true
		}
		if next.isDelete() && spanStart <= next.From && next.To <= spanEnd {
			i := next.From - spanStart
			j := next.To - spanStart
			last.Insert = last.Insert[:i] + last.Insert[j:]
			return last, true
		}
		return TextEdit{}, false
	}

	if last.isDelete() {
		if next.isDelete() {
			// forward contiguity: the next span starts where the merged
			// delete collapsed to
			if next.From == last.From {
				last.To += next.To - next.From
				return last, true
			}
			// backward contiguity
			if next.To == last.From {
				last.From = next.From
				return last, true
			}
			return TextEdit{}, false
		}
		if next.isInsert() && next.From == last.From {
			last.Insert = next.Insert
			return last, true
		}
		return TextEdit{}, false
	}

	// pending replace: extend its inserted text like a pending insert
	spanStart := last.From
	spanEnd := last.From + len(last.Insert)
	if next.isInsert() && spanStart <= next.From && next.From <= spanEnd {
		i := next.From - spanStart
		last.Insert = last.Insert[:i] + next.Insert + last.Insert[i:]
		return last, true
	}
	if next.isDelete() && spanStart <= next.From && next.To <= spanEnd {
		i := next.From - spanStart
		j := next.To - spanStart
		last.Insert = last.Insert[:i] + last.Insert[j:]
		return last, true
	}
	return TextEdit{}, false
}

// TextEditInstructions lowers coalesced edits to string instructions at a
// path, in application order.
func TextEditInstructions(path Path, edits []TextEdit) []*Instruction {
	at := At(path...)
	instructions := []*Instruction{}
	for _, edit := range edits {
		if edit.isNoop() {
			continue
		}
		switch {
		case edit.isInsert():
			instructions = append(instructions, at.TextInsert(edit.From, edit.Insert))
		case edit.isDelete():
			instructions = append(instructions, at.TextRemove(edit.From, edit.To-edit.From))
		default:
			instructions = append(instructions, at.TextReplaceAt(edit.From, edit.To-edit.From, edit.Insert))
		}
	}
	return instructions
}
