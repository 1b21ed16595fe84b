package patch

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// the closed set of edit operations. The interpreter matches exhaustively on
// this set; there is no unknown-operation fallback at runtime. The numeric
// values are the wire tags and must not be reordered.
type OperationKind int

const (
	OpSet       OperationKind = 0
	OpRemove    OperationKind = 1
	OpDictMerge OperationKind = 2

	OpArrayAdd      OperationKind = 3
	OpArrayInsertAt OperationKind = 4
	OpArrayRemoveAt OperationKind = 5
	OpArrayPop      OperationKind = 6
	OpArrayShift    OperationKind = 7
	OpArrayUnshift  OperationKind = 8

	OpStringInsert     OperationKind = 9
	OpStringAppend     OperationKind = 10
	OpStringRemove     OperationKind = 11
	OpStringReplaceAt  OperationKind = 12
	OpStringReplace    OperationKind = 13
	OpStringReplaceAll OperationKind = 14

	OpBoolToggle OperationKind = 15
)

func (self OperationKind) String() string {
	switch self {
	case OpSet:
		return "set"
	case OpRemove:
		return "remove"
	case OpDictMerge:
		return "dict-merge"
	case OpArrayAdd:
		return "array-add"
	case OpArrayInsertAt:
		return "array-insert-at"
	case OpArrayRemoveAt:
		return "array-remove-at"
	case OpArrayPop:
		return "array-pop"
	case OpArrayShift:
		return "array-shift"
	case OpArrayUnshift:
		return "array-unshift"
	case OpStringInsert:
		return "string-insert"
	case OpStringAppend:
		return "string-append"
	case OpStringRemove:
		return "string-remove"
	case OpStringReplaceAt:
		return "string-replace-at"
	case OpStringReplace:
		return "string-replace"
	case OpStringReplaceAll:
		return "string-replace-all"
	case OpBoolToggle:
		return "bool-toggle"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

func operationKindFromTag(tag uint64) (OperationKind, bool) {
	op := OperationKind(tag)
	if op < OpSet || OpBoolToggle < op {
		return 0, false
	}
	return op, true
}

// comparable. One step of a path: either a field name into a mapping or an
// index into a sequence.
type PathKey struct {
	field   string
	index   int
	isIndex bool
}

func Field(name string) PathKey {
	return PathKey{
		field: name,
	}
}

func Index(i int) PathKey {
	return PathKey{
		index:   i,
		isIndex: true,
	}
}

func (self PathKey) IsIndex() bool {
	return self.isIndex
}

func (self PathKey) Index() int {
	return self.index
}

func (self PathKey) Field() string {
	return self.field
}

func (self PathKey) String() string {
	if self.isIndex {
		return fmt.Sprintf("[%d]", self.index)
	}
	return self.field
}

// an empty path addresses the document root
type Path []PathKey

func (self Path) String() string {
	parts := []string{}
	for _, key := range self {
		parts = append(parts, key.String())
	}
	return strings.Join(parts, ".")
}

func (self Path) Equal(other Path) bool {
	if len(self) != len(other) {
		return false
	}
	for i, key := range self {
		if key != other[i] {
			return false
		}
	}
	return true
}

// Overlaps reports whether one path is a prefix of the other, meaning an
// edit at one can affect the value at the other.
func (self Path) Overlaps(other Path) bool {
	n := len(self)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i += 1 {
		if self[i] != other[i] {
			return false
		}
	}
	return true
}

// an immutable description of one edit at one path in a document.
// Build instructions with `At` (see builder.go); zero-value instructions are
// rejected by Validate.
type Instruction struct {
	op          OperationKind
	path        Path
	value       any
	index       int
	length      int
	search      string
	replacement string
}

func (self *Instruction) Op() OperationKind {
	return self.op
}

func (self *Instruction) Path() Path {
	return slices.Clone(self.path)
}

func (self *Instruction) Value() any {
	return self.value
}

func (self *Instruction) Index() int {
	return self.index
}

func (self *Instruction) Length() int {
	return self.length
}

func (self *Instruction) Search() string {
	return self.search
}

func (self *Instruction) Replacement() string {
	return self.replacement
}

func (self *Instruction) String() string {
	return fmt.Sprintf("%s@%s", self.op, self.path)
}

// Validate checks that the required operands of the declared operation are
// present and in domain. Malformed instructions must never be queued or
// transmitted; a validation failure is a programmer error.
func Validate(instruction *Instruction) error {
	if instruction == nil {
		return newValidationError(0, "nil instruction")
	}
	op := instruction.op

	switch op {
	case OpSet, OpArrayAdd, OpArrayInsertAt, OpArrayUnshift:
		// value may be any document value including nil
	case OpDictMerge:
		if _, ok := instruction.value.(map[string]any); !ok {
			return newValidationError(op, "value must be a mapping")
		}
	case OpStringInsert, OpStringAppend, OpStringReplaceAt:
		if _, ok := instruction.value.(string); !ok {
			return newValidationError(op, "value must be a string")
		}
	case OpStringReplace, OpStringReplaceAll:
		if instruction.search == "" {
			return newValidationError(op, "search must not be empty")
		}
	case OpRemove, OpArrayRemoveAt, OpArrayPop, OpArrayShift, OpStringRemove, OpBoolToggle:
		// no value operand
	default:
		return newValidationError(op, "unknown operation")
	}

	switch op {
	case OpArrayInsertAt, OpArrayRemoveAt, OpStringInsert, OpStringRemove, OpStringReplaceAt:
		if instruction.index < 0 {
			return newValidationError(op, fmt.Sprintf("index must not be negative: %d", instruction.index))
		}
	}

	switch op {
	case OpStringRemove, OpStringReplaceAt:
		if instruction.length < 0 {
			return newValidationError(op, fmt.Sprintf("length must not be negative: %d", instruction.length))
		}
	}

	if op == OpRemove && len(instruction.path) == 0 {
		return newValidationError(op, "cannot remove the document root")
	}

	return nil
}
