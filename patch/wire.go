package patch

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Compact wire format for batches and acknowledgements. Messages are
// hand-rolled protobuf wire encoding: the operation travels as a small
// varint tag, paths as repeated keys, and arbitrary document values as JSON
// bytes inside a length-delimited field. Note that decoded numbers follow
// JSON semantics (float64).
//
// Frame layout mirrors the transfer protocol: a type tag plus the message
// bytes, so new message types can ride the same connection.

type MessageType int

const (
	MessageTypeBatch    MessageType = 1
	MessageTypeBatchAck MessageType = 2
	MessageTypeAuth     MessageType = 3
)

const (
	frameFieldMessageType  = 1
	frameFieldMessageBytes = 2

	batchFieldBatchId     = 1
	batchFieldInstruction = 2

	graphInstructionFieldEntityId    = 1
	graphInstructionFieldEntityKind  = 2
	graphInstructionFieldFlags       = 3
	graphInstructionFieldInstruction = 4

	instructionFieldOp          = 1
	instructionFieldPathKey     = 2
	instructionFieldValue       = 3
	instructionFieldIndex       = 4
	instructionFieldLength      = 5
	instructionFieldSearch      = 6
	instructionFieldReplacement = 7

	pathKeyFieldField = 1
	pathKeyFieldIndex = 2

	ackFieldBatchId = 1
	ackFieldStatus  = 2
	ackFieldReason  = 3

	authFieldByJwt      = 1
	authFieldInstanceId = 2
	authFieldAppVersion = 3
)

const (
	flagBitSuppressLocalEcho          = 1 << 0
	flagBitSuppressUndoRecording      = 1 << 1
	flagBitAnimateHint                = 1 << 2
	flagBitSuppressChangeNotification = 1 << 3
)

type Batch struct {
	BatchId      Id
	Instructions []*GraphInstruction
}

type BatchAck struct {
	BatchId Id
	Status  bool
	Reason  string
}

type Auth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func EncodeFrame(messageType MessageType, messageBytes []byte) []byte {
	b := protowire.AppendTag(nil, frameFieldMessageType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(messageType))
	b = protowire.AppendTag(b, frameFieldMessageBytes, protowire.BytesType)
	b = protowire.AppendBytes(b, messageBytes)
	return b
}

func DecodeFrame(b []byte) (MessageType, []byte, error) {
	var messageType MessageType
	var messageBytes []byte
	err := consumeMessage(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case frameFieldMessageType:
			v, err := consumeVarint(field, typ)
			if err != nil {
				return err
			}
			messageType = MessageType(v)
		case frameFieldMessageBytes:
			v, err := consumeBytes(field, typ)
			if err != nil {
				return err
			}
			messageBytes = v
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	if messageType == 0 {
		return 0, nil, fmt.Errorf("frame has no message type")
	}
	return messageType, messageBytes, nil
}

func EncodeBatch(batch *Batch) ([]byte, error) {
	b := protowire.AppendTag(nil, batchFieldBatchId, protowire.BytesType)
	b = protowire.AppendBytes(b, batch.BatchId.Bytes())
	for _, graphInstruction := range batch.Instructions {
		gb, err := encodeGraphInstruction(graphInstruction)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, batchFieldInstruction, protowire.BytesType)
		b = protowire.AppendBytes(b, gb)
	}
	return b, nil
}

func DecodeBatch(b []byte) (*Batch, error) {
	batch := &Batch{
		Instructions: []*GraphInstruction{},
	}
	err := consumeMessage(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case batchFieldBatchId:
			v, err := consumeBytes(field, typ)
			if err != nil {
				return err
			}
			batchId, err := IdFromBytes(v)
			if err != nil {
				return err
			}
			batch.BatchId = batchId
		case batchFieldInstruction:
			v, err := consumeBytes(field, typ)
			if err != nil {
				return err
			}
			graphInstruction, err := decodeGraphInstruction(v)
			if err != nil {
				return err
			}
			batch.Instructions = append(batch.Instructions, graphInstruction)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func encodeGraphInstruction(graphInstruction *GraphInstruction) ([]byte, error) {
	b := protowire.AppendTag(nil, graphInstructionFieldEntityId, protowire.BytesType)
	b = protowire.AppendBytes(b, graphInstruction.Target.EntityId.Bytes())
	b = protowire.AppendTag(b, graphInstructionFieldEntityKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(graphInstruction.Target.Kind))

	var flags uint64
	if graphInstruction.Flags.SuppressLocalEcho {
		flags |= flagBitSuppressLocalEcho
	}
	if graphInstruction.Flags.SuppressUndoRecording {
		flags |= flagBitSuppressUndoRecording
	}
	if graphInstruction.Flags.AnimateHint {
		flags |= flagBitAnimateHint
	}
	if graphInstruction.Flags.SuppressChangeNotification {
		flags |= flagBitSuppressChangeNotification
	}
	b = protowire.AppendTag(b, graphInstructionFieldFlags, protowire.VarintType)
	b = protowire.AppendVarint(b, flags)

	ib, err := encodeInstruction(graphInstruction.Instruction)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, graphInstructionFieldInstruction, protowire.BytesType)
	b = protowire.AppendBytes(b, ib)
	return b, nil
}

func decodeGraphInstruction(b []byte) (*GraphInstruction, error) {
	graphInstruction := &GraphInstruction{}
	err := consumeMessage(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case graphInstructionFieldEntityId:
			v, err := consumeBytes(field, typ)
			if err != nil {
				return err
			}
			entityId, err := IdFromBytes(v)
			if err != nil {
				return err
			}
			graphInstruction.Target.EntityId = entityId
		case graphInstructionFieldEntityKind:
			v, err := consumeVarint(field, typ)
			if err != nil {
				return err
			}
			kind, ok := entityKindFromTag(v)
			if !ok {
				return fmt.Errorf("unknown entity kind %d", v)
			}
			graphInstruction.Target.Kind = kind
		case graphInstructionFieldFlags:
			v, err := consumeVarint(field, typ)
			if err != nil {
				return err
			}
			graphInstruction.Flags = EditFlags{
				SuppressLocalEcho:          v&flagBitSuppressLocalEcho != 0,
				SuppressUndoRecording:      v&flagBitSuppressUndoRecording != 0,
				AnimateHint:                v&flagBitAnimateHint != 0,
				SuppressChangeNotification: v&flagBitSuppressChangeNotification != 0,
			}
		case graphInstructionFieldInstruction:
			v, err := consumeBytes(field, typ)
			if err != nil {
				return err
			}
			instruction, err := decodeInstruction(v)
			if err != nil {
				return err
			}
			graphInstruction.Instruction = instruction
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if graphInstruction.Instruction == nil {
		return nil, fmt.Errorf("graph instruction has no instruction")
	}
	return graphInstruction, nil
}

func operationHasValue(op OperationKind) bool {
	switch op {
	case OpSet, OpDictMerge, OpArrayAdd, OpArrayInsertAt, OpArrayUnshift,
		OpStringInsert, OpStringAppend, OpStringReplaceAt:
		return true
	default:
		return false
	}
}

func encodeInstruction(instruction *Instruction) ([]byte, error) {
	if err := Validate(instruction); err != nil {
		return nil, err
	}

	b := protowire.AppendTag(nil, instructionFieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(instruction.op))

	for _, key := range instruction.path {
		var kb []byte
		if key.isIndex {
			kb = protowire.AppendTag(nil, pathKeyFieldIndex, protowire.VarintType)
			kb = protowire.AppendVarint(kb, uint64(key.index))
		} else {
			kb = protowire.AppendTag(nil, pathKeyFieldField, protowire.BytesType)
			kb = protowire.AppendString(kb, key.field)
		}
		b = protowire.AppendTag(b, instructionFieldPathKey, protowire.BytesType)
		b = protowire.AppendBytes(b, kb)
	}

	if operationHasValue(instruction.op) {
		valueBytes, err := json.Marshal(instruction.value)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, instructionFieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, valueBytes)
	}

	b = protowire.AppendTag(b, instructionFieldIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(instruction.index))
	b = protowire.AppendTag(b, instructionFieldLength, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(instruction.length))
	b = protowire.AppendTag(b, instructionFieldSearch, protowire.BytesType)
	b = protowire.AppendString(b, instruction.search)
	b = protowire.AppendTag(b, instructionFieldReplacement, protowire.BytesType)
	b = protowire.AppendString(b, instruction.replacement)
	return b, nil
}

func decodeInstruction(b []byte) (*Instruction, error) {
	instruction := &Instruction{}
	opSeen := false
	err := consumeMessage(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case instructionFieldOp:
			v, err := consumeVarint(field, typ)
			if err != nil {
				return err
			}
			op, ok := operationKindFromTag(v)
			if !ok {
				return fmt.Errorf("unknown operation tag %d", v)
			}
			instruction.op = op
			opSeen = true
		case instructionFieldPathKey:
			v, err := consumeBytes(field, typ)
			if err != nil {
				return err
			}
			key, err := decodePathKey(v)
			if err != nil {
				return err
			}
			instruction.path = append(instruction.path, key)
		case instructionFieldValue:
			v, err := consumeBytes(field, typ)
			if err != nil {
				return err
			}
			var value any
			if err := json.Unmarshal(v, &value); err != nil {
				return err
			}
			instruction.value = value
		case instructionFieldIndex:
			v, err := consumeVarint(field, typ)
			if err != nil {
				return err
			}
			instruction.index = int(v)
		case instructionFieldLength:
			v, err := consumeVarint(field, typ)
			if err != nil {
				return err
			}
			instruction.length = int(v)
		case instructionFieldSearch:
			v, err := consumeString(field, typ)
			if err != nil {
				return err
			}
			instruction.search = v
		case instructionFieldReplacement:
			v, err := consumeString(field, typ)
			if err != nil {
				return err
			}
			instruction.replacement = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !opSeen {
		return nil, fmt.Errorf("instruction has no operation")
	}
	if err := Validate(instruction); err != nil {
		return nil, err
	}
	return instruction, nil
}

func decodePathKey(b []byte) (PathKey, error) {
	key := PathKey{}
	err := consumeMessage(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case pathKeyFieldField:
			v, err := consumeString(field, typ)
			if err != nil {
				return err
			}
			key = Field(v)
		case pathKeyFieldIndex:
			v, err := consumeVarint(field, typ)
			if err != nil {
				return err
			}
			key = Index(int(v))
		}
		return nil
	})
	if err != nil {
		return PathKey{}, err
	}
	return key, nil
}

func EncodeBatchAck(ack *BatchAck) []byte {
	b := protowire.AppendTag(nil, ackFieldBatchId, protowire.BytesType)
	b = protowire.AppendBytes(b, ack.BatchId.Bytes())
	var status uint64
	if ack.Status {
		status = 1
	}
	b = protowire.AppendTag(b, ackFieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, status)
	b = protowire.AppendTag(b, ackFieldReason, protowire.BytesType)
	b = protowire.AppendString(b, ack.Reason)
	return b
}

func DecodeBatchAck(b []byte) (*BatchAck, error) {
	ack := &BatchAck{}
	err := consumeMessage(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case ackFieldBatchId:
			v, err := consumeBytes(field, typ)
			if err != nil {
				return err
			}
			batchId, err := IdFromBytes(v)
			if err != nil {
				return err
			}
			ack.BatchId = batchId
		case ackFieldStatus:
			v, err := consumeVarint(field, typ)
			if err != nil {
				return err
			}
			ack.Status = v != 0
		case ackFieldReason:
			v, err := consumeString(field, typ)
			if err != nil {
				return err
			}
			ack.Reason = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

func EncodeAuth(auth *Auth) []byte {
	b := protowire.AppendTag(nil, authFieldByJwt, protowire.BytesType)
	b = protowire.AppendString(b, auth.ByJwt)
	b = protowire.AppendTag(b, authFieldInstanceId, protowire.BytesType)
	b = protowire.AppendBytes(b, auth.InstanceId.Bytes())
	b = protowire.AppendTag(b, authFieldAppVersion, protowire.BytesType)
	b = protowire.AppendString(b, auth.AppVersion)
	return b
}

func DecodeAuth(b []byte) (*Auth, error) {
	auth := &Auth{}
	err := consumeMessage(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case authFieldByJwt:
			v, err := consumeString(field, typ)
			if err != nil {
				return err
			}
			auth.ByJwt = v
		case authFieldInstanceId:
			v, err := consumeBytes(field, typ)
			if err != nil {
				return err
			}
			instanceId, err := IdFromBytes(v)
			if err != nil {
				return err
			}
			auth.InstanceId = instanceId
		case authFieldAppVersion:
			v, err := consumeString(field, typ)
			if err != nil {
				return err
			}
			auth.AppVersion = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return auth, nil
}

// consumeMessage walks the fields of one message, handing each field's
// remaining bytes to `visit`. Unknown fields are skipped.
func consumeMessage(b []byte, visit func(num protowire.Number, typ protowire.Type, field []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := visit(num, typ, b); err != nil {
			return err
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func consumeVarint(b []byte, typ protowire.Type) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("expected varint, have wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return v, nil
}

func consumeBytes(b []byte, typ protowire.Type) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("expected bytes, have wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return v, nil
}

func consumeString(b []byte, typ protowire.Type) (string, error) {
	if typ != protowire.BytesType {
		return "", fmt.Errorf("expected string, have wire type %d", typ)
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", protowire.ParseError(n)
	}
	return v, nil
}
