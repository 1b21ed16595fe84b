package patch

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func testRecord(width float64) *ActionRecord {
	ref := SizeEntity(NewId())
	return &ActionRecord{
		Forward: []*GraphInstruction{{
			Instruction: At(Field("width")).Set(width),
			Target:      ref,
		}},
		Backward: []*GraphInstruction{{
			Instruction: At(Field("width")).Set(float64(0)),
			Target:      ref,
		}},
	}
}

func TestActionStackPushPop(t *testing.T) {
	stack := NewActionStack(10)

	record1 := testRecord(1)
	record2 := testRecord(2)
	stack.Push(record1)
	stack.Push(record2)
	assert.Equal(t, stack.UndoSize(), 2)
	assert.Equal(t, stack.RedoSize(), 0)

	popped, ok := stack.PopUndo()
	assert.Equal(t, ok, true)
	assert.Equal(t, popped, record2)
	assert.Equal(t, stack.UndoSize(), 1)
	assert.Equal(t, stack.RedoSize(), 1)

	redone, ok := stack.PopRedo()
	assert.Equal(t, ok, true)
	assert.Equal(t, redone, record2)
	assert.Equal(t, stack.UndoSize(), 2)
	assert.Equal(t, stack.RedoSize(), 0)

	_, ok = stack.PopRedo()
	assert.Equal(t, ok, false)
}

func TestActionStackBound(t *testing.T) {
	stack := NewActionStack(3)

	records := []*ActionRecord{}
	for i := 0; i < 5; i += 1 {
		record := testRecord(float64(i))
		records = append(records, record)
		stack.Push(record)
	}
	// the oldest records were evicted
	assert.Equal(t, stack.UndoSize(), 3)
	for i := 4; 2 <= i; i -= 1 {
		popped, ok := stack.PopUndo()
		assert.Equal(t, ok, true)
		assert.Equal(t, popped, records[i])
	}
	_, ok := stack.PopUndo()
	assert.Equal(t, ok, false)
}

func TestActionStackPushClearsRedo(t *testing.T) {
	stack := NewActionStack(10)

	stack.Push(testRecord(1))
	stack.Push(testRecord(2))
	stack.PopUndo()
	assert.Equal(t, stack.RedoSize(), 1)

	// a new user action invalidates the redo history
	stack.Push(testRecord(3))
	assert.Equal(t, stack.RedoSize(), 0)
	assert.Equal(t, stack.UndoSize(), 2)
}

func TestActionStackClear(t *testing.T) {
	stack := NewActionStack(10)
	for i := 0; i < 3; i += 1 {
		stack.Push(testRecord(float64(i)))
	}
	stack.PopUndo()
	stack.Clear()
	assert.Equal(t, stack.UndoSize(), 0)
	assert.Equal(t, stack.RedoSize(), 0)
}

func TestActionStackInterleaved(t *testing.T) {
	stack := NewActionStack(100)
	for round := 0; round < 5; round += 1 {
		stack.Push(testRecord(float64(round)))
		record, ok := stack.PopUndo()
		assert.Equal(t, ok, true)
		assert.NotEqual(t, record, nil)
		stack.PopRedo()
	}
	assert.Equal(t, stack.UndoSize(), 5)
}
