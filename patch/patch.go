package patch

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func NewIdFromString(idStr string) (Id, error) {
	id, err := ulid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) Bytes() []byte {
	return self[:]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// the kind of value an entity roots. One generic coordinator state machine
// serves all kinds; the kind is carried as data so that consumers can route
// change notifications without inspecting paths.
type EntityKind int

const (
	EntityKindGeneric  EntityKind = 0
	EntityKindPosition EntityKind = 1
	EntityKindSize     EntityKind = 2
	EntityKindText     EntityKind = 3
)

func entityKindFromTag(tag uint64) (EntityKind, bool) {
	kind := EntityKind(tag)
	if kind < EntityKindGeneric || EntityKindText < kind {
		return 0, false
	}
	return kind, true
}

func (self EntityKind) String() string {
	switch self {
	case EntityKindGeneric:
		return "generic"
	case EntityKindPosition:
		return "position"
	case EntityKindSize:
		return "size"
	case EntityKindText:
		return "text"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// comparable. Identifies the node, edge, or field that roots a family of
// instructions and owns one coordinator sequence.
type EntityRef struct {
	EntityId Id
	Kind     EntityKind
}

func GenericEntity(entityId Id) EntityRef {
	return EntityRef{
		EntityId: entityId,
		Kind:     EntityKindGeneric,
	}
}

func PositionEntity(entityId Id) EntityRef {
	return EntityRef{
		EntityId: entityId,
		Kind:     EntityKindPosition,
	}
}

func SizeEntity(entityId Id) EntityRef {
	return EntityRef{
		EntityId: entityId,
		Kind:     EntityKindSize,
	}
}

func TextEntity(entityId Id) EntityRef {
	return EntityRef{
		EntityId: entityId,
		Kind:     EntityKindText,
	}
}

func (self EntityRef) String() string {
	return fmt.Sprintf("%s/%s", self.EntityId, self.Kind)
}

// transmission flags for a single graph instruction
type EditFlags struct {
	// apply remotely without echoing into the local value
	// (used when the edit originated from the widget that owns the value)
	SuppressLocalEcho bool
	// transient instruction, never recorded to the undo stack
	SuppressUndoRecording bool
	// consumers may animate the transition
	AnimateHint bool
	// skip the observer registry for this edit
	SuppressChangeNotification bool
}

// the unit of transmission and batching
type GraphInstruction struct {
	Instruction *Instruction
	Target      EntityRef
	Flags       EditFlags
}

// the outcome of one transmitted batch
type SendResult struct {
	Status bool
	Reason string
}
