package patch

import (
	"sync"
)

// Linear, non-branching undo. Records are pushed once their forward batch is
// confirmed; undo and redo replay the recorded batches through the
// coordinator like fresh local edits.

type ActionRecord struct {
	Forward  []*GraphInstruction
	Backward []*GraphInstruction
}

type ActionStack struct {
	maxSize int

	mutex       sync.Mutex
	undoRecords []*ActionRecord
	redoRecords []*ActionRecord
}

func NewActionStack(maxSize int) *ActionStack {
	return &ActionStack{
		maxSize:     maxSize,
		undoRecords: []*ActionRecord{},
		redoRecords: []*ActionRecord{},
	}
}

// Push appends a confirmed record. A new user action invalidates any pending
// redo history.
func (self *ActionStack) Push(record *ActionRecord) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.undoRecords = append(self.undoRecords, record)
	if 0 < self.maxSize && self.maxSize < len(self.undoRecords) {
		// evict the oldest
		self.undoRecords = self.undoRecords[len(self.undoRecords)-self.maxSize:]
	}
	self.redoRecords = self.redoRecords[:0]
}

// PopUndo moves the top record to the redo list and returns it.
func (self *ActionStack) PopUndo() (*ActionRecord, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.undoRecords) == 0 {
		return nil, false
	}
	record := self.undoRecords[len(self.undoRecords)-1]
	self.undoRecords = self.undoRecords[:len(self.undoRecords)-1]
	self.redoRecords = append(self.redoRecords, record)
	return record, true
}

// PopRedo moves the most recently undone record back to the undo stack and
// returns it.
func (self *ActionStack) PopRedo() (*ActionRecord, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.redoRecords) == 0 {
		return nil, false
	}
	record := self.redoRecords[len(self.redoRecords)-1]
	self.redoRecords = self.redoRecords[:len(self.redoRecords)-1]
	self.undoRecords = append(self.undoRecords, record)
	return record, true
}

func (self *ActionStack) UndoSize() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.undoRecords)
}

func (self *ActionStack) RedoSize() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.redoRecords)
}

func (self *ActionStack) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.undoRecords = self.undoRecords[:0]
	self.redoRecords = self.redoRecords[:0]
}
