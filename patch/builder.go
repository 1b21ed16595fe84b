package patch

import (
	"golang.org/x/exp/slices"
)

// Fluent instruction construction. `At` roots a builder at a path; `Field`
// and `Index` extend it; one terminal method per operation produces the
// finished instruction.
//
//	ins := patch.At(patch.Field("size"), patch.Field("width")).Set(150)
//	ins := patch.At(patch.Field("body")).TextInsert(5, " world")
type InstructionBuilder struct {
	path Path
}

func At(keys ...PathKey) *InstructionBuilder {
	return &InstructionBuilder{
		path: Path(slices.Clone(keys)),
	}
}

// Root starts a builder addressing the document root.
func Root() *InstructionBuilder {
	return At()
}

func (self *InstructionBuilder) Field(name string) *InstructionBuilder {
	return &InstructionBuilder{
		path: append(slices.Clone(self.path), Field(name)),
	}
}

func (self *InstructionBuilder) Index(i int) *InstructionBuilder {
	return &InstructionBuilder{
		path: append(slices.Clone(self.path), Index(i)),
	}
}

func (self *InstructionBuilder) build(instruction *Instruction) *Instruction {
	instruction.path = slices.Clone(self.path)
	return instruction
}

func (self *InstructionBuilder) Set(value any) *Instruction {
	return self.build(&Instruction{
		op:    OpSet,
		value: value,
	})
}

func (self *InstructionBuilder) Remove() *Instruction {
	return self.build(&Instruction{
		op: OpRemove,
	})
}

func (self *InstructionBuilder) Merge(value map[string]any) *Instruction {
	return self.build(&Instruction{
		op:    OpDictMerge,
		value: value,
	})
}

func (self *InstructionBuilder) Add(value any) *Instruction {
	return self.build(&Instruction{
		op:    OpArrayAdd,
		value: value,
	})
}

func (self *InstructionBuilder) InsertAt(i int, value any) *Instruction {
	return self.build(&Instruction{
		op:    OpArrayInsertAt,
		index: i,
		value: value,
	})
}

func (self *InstructionBuilder) RemoveAt(i int) *Instruction {
	return self.build(&Instruction{
		op:    OpArrayRemoveAt,
		index: i,
	})
}

func (self *InstructionBuilder) Pop() *Instruction {
	return self.build(&Instruction{
		op: OpArrayPop,
	})
}

func (self *InstructionBuilder) Shift() *Instruction {
	return self.build(&Instruction{
		op: OpArrayShift,
	})
}

func (self *InstructionBuilder) Unshift(value any) *Instruction {
	return self.build(&Instruction{
		op:    OpArrayUnshift,
		value: value,
	})
}

func (self *InstructionBuilder) TextInsert(i int, text string) *Instruction {
	return self.build(&Instruction{
		op:    OpStringInsert,
		index: i,
		value: text,
	})
}

func (self *InstructionBuilder) TextAppend(text string) *Instruction {
	return self.build(&Instruction{
		op:    OpStringAppend,
		value: text,
	})
}

func (self *InstructionBuilder) TextRemove(i int, length int) *Instruction {
	return self.build(&Instruction{
		op:     OpStringRemove,
		index:  i,
		length: length,
	})
}

func (self *InstructionBuilder) TextReplaceAt(i int, length int, text string) *Instruction {
	return self.build(&Instruction{
		op:     OpStringReplaceAt,
		index:  i,
		length: length,
		value:  text,
	})
}

func (self *InstructionBuilder) TextReplace(search string, replacement string) *Instruction {
	return self.build(&Instruction{
		op:          OpStringReplace,
		search:      search,
		replacement: replacement,
	})
}

func (self *InstructionBuilder) TextReplaceAll(search string, replacement string) *Instruction {
	return self.build(&Instruction{
		op:          OpStringReplaceAll,
		search:      search,
		replacement: replacement,
	})
}

func (self *InstructionBuilder) Toggle() *Instruction {
	return self.build(&Instruction{
		op: OpBoolToggle,
	})
}
