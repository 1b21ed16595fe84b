package patch

import (
	"strings"

	"github.com/golang/glog"
)

// Pure interpreter for instructions against JSON-shaped document values
// (nil | bool | string | number | []any | map[string]any).
// Apply never mutates the caller's value, which keeps rollback snapshots
// trustworthy. String offsets are byte offsets.

// CopyValue deep-copies a document value. Scalars are returned as is.
func CopyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = CopyValue(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = CopyValue(child)
		}
		return out
	default:
		return value
	}
}

// Apply executes one instruction against a snapshot of `doc` and returns the
// updated document. The input document is never mutated.
func Apply(doc any, instruction *Instruction) (any, error) {
	if err := Validate(instruction); err != nil {
		glog.Errorf("[apply]invalid instruction: %s\n", err)
		return nil, err
	}
	next, err := applyNode(CopyValue(doc), instruction.path, instruction)
	if err != nil {
		glog.Errorf("[apply]%s: %s\n", instruction, err)
		return nil, err
	}
	return next, nil
}

// ApplyAll left-folds Apply and short-circuits on the first failure,
// returning the index of the failing instruction (-1 on success).
// Callers treat a batch as all-or-nothing: on failure the partial result is
// discarded and the input document is still untouched.
func ApplyAll(doc any, instructions []*Instruction) (any, int, error) {
	next := CopyValue(doc)
	for i, instruction := range instructions {
		if err := Validate(instruction); err != nil {
			glog.Errorf("[apply]invalid instruction at %d: %s\n", i, err)
			return nil, i, err
		}
		n, err := applyNode(next, instruction.path, instruction)
		if err != nil {
			glog.Errorf("[apply]%s at %d: %s\n", instruction, i, err)
			return nil, i, err
		}
		next = n
	}
	return next, -1, nil
}

// applyNode updates the owned (already copied) node and returns its
// replacement. Set and Remove address an entry of the final container;
// every other operation addresses the value at the full path.
func applyNode(node any, path Path, instruction *Instruction) (any, error) {
	if len(path) == 0 {
		return applySite(node, instruction)
	}

	key := path[0]

	if len(path) == 1 {
		switch instruction.op {
		case OpSet:
			return applyEntrySet(node, key, instruction)
		case OpRemove:
			return applyEntryRemove(node, key, instruction)
		}
	}

	switch container := node.(type) {
	case map[string]any:
		if key.isIndex {
			return nil, newPathTypeMismatchError(instruction.path, "integer key %d into a mapping", key.index)
		}
		child, ok := container[key.field]
		if !ok {
			// dict merge creates the site if absent
			if len(path) == 1 && instruction.op == OpDictMerge {
				child = nil
			} else {
				return nil, newPathNotFoundError(instruction.path, "missing key %q", key.field)
			}
		}
		next, err := applyNode(child, path[1:], instruction)
		if err != nil {
			return nil, err
		}
		container[key.field] = next
		return container, nil
	case []any:
		if !key.isIndex {
			return nil, newPathTypeMismatchError(instruction.path, "string key %q into a sequence", key.field)
		}
		if key.index < 0 || len(container) <= key.index {
			return nil, newPathNotFoundError(instruction.path, "index %d out of range %d", key.index, len(container))
		}
		next, err := applyNode(container[key.index], path[1:], instruction)
		if err != nil {
			return nil, err
		}
		container[key.index] = next
		return container, nil
	default:
		return nil, newPathTypeMismatchError(instruction.path, "cannot descend into %T", node)
	}
}

func applyEntrySet(node any, key PathKey, instruction *Instruction) (any, error) {
	switch container := node.(type) {
	case map[string]any:
		if key.isIndex {
			return nil, newPathTypeMismatchError(instruction.path, "integer key %d into a mapping", key.index)
		}
		container[key.field] = CopyValue(instruction.value)
		return container, nil
	case []any:
		if !key.isIndex {
			return nil, newPathTypeMismatchError(instruction.path, "string key %q into a sequence", key.field)
		}
		if key.index < 0 || len(container) <= key.index {
			return nil, newPathNotFoundError(instruction.path, "index %d out of range %d", key.index, len(container))
		}
		container[key.index] = CopyValue(instruction.value)
		return container, nil
	default:
		return nil, newPathTypeMismatchError(instruction.path, "cannot set entry of %T", node)
	}
}

func applyEntryRemove(node any, key PathKey, instruction *Instruction) (any, error) {
	switch container := node.(type) {
	case map[string]any:
		if key.isIndex {
			return nil, newPathTypeMismatchError(instruction.path, "integer key %d into a mapping", key.index)
		}
		if _, ok := container[key.field]; !ok {
			return nil, newPathNotFoundError(instruction.path, "missing key %q", key.field)
		}
		delete(container, key.field)
		return container, nil
	case []any:
		if !key.isIndex {
			return nil, newPathTypeMismatchError(instruction.path, "string key %q into a sequence", key.field)
		}
		if key.index < 0 || len(container) <= key.index {
			return nil, newPathNotFoundError(instruction.path, "index %d out of range %d", key.index, len(container))
		}
		return append(container[:key.index], container[key.index+1:]...), nil
	default:
		return nil, newPathTypeMismatchError(instruction.path, "cannot remove entry of %T", node)
	}
}

// applySite mutates the value the full path addresses.
func applySite(site any, instruction *Instruction) (any, error) {
	switch instruction.op {
	case OpSet:
		// root replace
		return CopyValue(instruction.value), nil
	case OpRemove:
		// rejected by Validate
		return nil, newValidationError(OpRemove, "cannot remove the document root")
	case OpDictMerge:
		mapping, ok := site.(map[string]any)
		if !ok {
			// absent or wrong kind starts an empty mapping
			mapping = map[string]any{}
		}
		for key, value := range instruction.value.(map[string]any) {
			mapping[key] = CopyValue(value)
		}
		return mapping, nil

	case OpArrayAdd, OpArrayInsertAt, OpArrayRemoveAt, OpArrayPop, OpArrayShift, OpArrayUnshift:
		array, ok := site.([]any)
		if !ok {
			return nil, newPathTypeMismatchError(instruction.path, "%s needs a sequence, have %T", instruction.op, site)
		}
		return applyArraySite(array, instruction)

	case OpStringInsert, OpStringAppend, OpStringRemove, OpStringReplaceAt, OpStringReplace, OpStringReplaceAll:
		text, ok := site.(string)
		if !ok {
			return nil, newPathTypeMismatchError(instruction.path, "%s needs a string, have %T", instruction.op, site)
		}
		return applyStringSite(text, instruction)

	case OpBoolToggle:
		boolean, ok := site.(bool)
		if !ok {
			return nil, newPathTypeMismatchError(instruction.path, "%s needs a boolean, have %T", instruction.op, site)
		}
		return !boolean, nil

	default:
		// unreachable with a validated instruction
		return nil, newValidationError(instruction.op, "unknown operation")
	}
}

func applyArraySite(array []any, instruction *Instruction) (any, error) {
	switch instruction.op {
	case OpArrayAdd:
		return append(array, CopyValue(instruction.value)), nil
	case OpArrayInsertAt:
		i := instruction.index
		if i < 0 || len(array) < i {
			return nil, newPathNotFoundError(instruction.path, "insert index %d out of range %d", i, len(array))
		}
		next := make([]any, 0, len(array)+1)
		next = append(next, array[:i]...)
		next = append(next, CopyValue(instruction.value))
		next = append(next, array[i:]...)
		return next, nil
	case OpArrayRemoveAt:
		i := instruction.index
		if i < 0 || len(array) <= i {
			return nil, newPathNotFoundError(instruction.path, "remove index %d out of range %d", i, len(array))
		}
		return append(array[:i], array[i+1:]...), nil
	case OpArrayPop:
		if len(array) == 0 {
			return nil, newPathNotFoundError(instruction.path, "pop of empty sequence")
		}
		return array[:len(array)-1], nil
	case OpArrayShift:
		if len(array) == 0 {
			return nil, newPathNotFoundError(instruction.path, "shift of empty sequence")
		}
		return array[1:], nil
	case OpArrayUnshift:
		next := make([]any, 0, len(array)+1)
		next = append(next, CopyValue(instruction.value))
		next = append(next, array...)
		return next, nil
	default:
		return nil, newValidationError(instruction.op, "not a sequence operation")
	}
}

func applyStringSite(text string, instruction *Instruction) (any, error) {
	switch instruction.op {
	case OpStringInsert:
		i := instruction.index
		if len(text) < i {
			return nil, newPathNotFoundError(instruction.path, "insert offset %d out of range %d", i, len(text))
		}
		insert := instruction.value.(string)
		return text[:i] + insert + text[i:], nil
	case OpStringAppend:
		return text + instruction.value.(string), nil
	case OpStringRemove:
		i := instruction.index
		n := instruction.length
		if len(text) < i+n {
			return nil, newPathNotFoundError(instruction.path, "remove span [%d,%d) out of range %d", i, i+n, len(text))
		}
		return text[:i] + text[i+n:], nil
	case OpStringReplaceAt:
		i := instruction.index
		n := instruction.length
		if len(text) < i+n {
			return nil, newPathNotFoundError(instruction.path, "replace span [%d,%d) out of range %d", i, i+n, len(text))
		}
		return text[:i] + instruction.value.(string) + text[i+n:], nil
	case OpStringReplace:
		return strings.Replace(text, instruction.search, instruction.replacement, 1), nil
	case OpStringReplaceAll:
		return strings.ReplaceAll(text, instruction.search, instruction.replacement), nil
	default:
		return nil, newValidationError(instruction.op, "not a string operation")
	}
}

// valueAt walks a path read-only. `ok` is false when the final key is absent
// from an otherwise well-typed container.
func valueAt(doc any, path Path) (value any, ok bool, err error) {
	node := doc
	for depth, key := range path {
		switch container := node.(type) {
		case map[string]any:
			if key.isIndex {
				return nil, false, newPathTypeMismatchError(path, "integer key %d into a mapping", key.index)
			}
			child, present := container[key.field]
			if !present {
				if depth == len(path)-1 {
					return nil, false, nil
				}
				return nil, false, newPathNotFoundError(path, "missing key %q", key.field)
			}
			node = child
		case []any:
			if !key.isIndex {
				return nil, false, newPathTypeMismatchError(path, "string key %q into a sequence", key.field)
			}
			if key.index < 0 || len(container) <= key.index {
				if depth == len(path)-1 {
					return nil, false, nil
				}
				return nil, false, newPathNotFoundError(path, "index %d out of range %d", key.index, len(container))
			}
			node = container[key.index]
		default:
			return nil, false, newPathTypeMismatchError(path, "cannot descend into %T", node)
		}
	}
	return node, true, nil
}

// Invert computes the instruction that undoes `instruction`, evaluated
// against the pre-state `doc`. For the operations that lose information
// (dict merge, replace all) the inverse is a Set of the prior site value.
func Invert(doc any, instruction *Instruction) (*Instruction, error) {
	if err := Validate(instruction); err != nil {
		return nil, err
	}

	path := instruction.Path()
	at := At(path...)

	switch instruction.op {
	case OpSet:
		old, ok, err := valueAt(doc, path)
		if err != nil {
			return nil, err
		}
		if !ok {
			return at.Remove(), nil
		}
		return at.Set(CopyValue(old)), nil

	case OpRemove:
		old, ok, err := valueAt(doc, path)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, newPathNotFoundError(path, "cannot invert remove of absent value")
		}
		last := path[len(path)-1]
		if last.isIndex {
			return At(path[:len(path)-1]...).InsertAt(last.index, CopyValue(old)), nil
		}
		return at.Set(CopyValue(old)), nil

	case OpDictMerge:
		old, ok, err := valueAt(doc, path)
		if err != nil {
			return nil, err
		}
		if !ok && len(path) > 0 {
			return at.Remove(), nil
		}
		return at.Set(CopyValue(old)), nil
	}

	site, ok, err := valueAt(doc, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newPathNotFoundError(path, "cannot invert %s of absent value", instruction.op)
	}

	switch instruction.op {
	case OpArrayAdd, OpArrayInsertAt, OpArrayRemoveAt, OpArrayPop, OpArrayShift, OpArrayUnshift:
		array, isArray := site.([]any)
		if !isArray {
			return nil, newPathTypeMismatchError(path, "%s needs a sequence, have %T", instruction.op, site)
		}
		return invertArray(at, array, instruction)
	case OpStringInsert, OpStringAppend, OpStringRemove, OpStringReplaceAt, OpStringReplace, OpStringReplaceAll:
		text, isString := site.(string)
		if !isString {
			return nil, newPathTypeMismatchError(path, "%s needs a string, have %T", instruction.op, site)
		}
		return invertString(at, text, instruction)
	case OpBoolToggle:
		if _, isBool := site.(bool); !isBool {
			return nil, newPathTypeMismatchError(path, "%s needs a boolean, have %T", instruction.op, site)
		}
		return at.Toggle(), nil
	default:
		return nil, newValidationError(instruction.op, "unknown operation")
	}
}

func invertArray(at *InstructionBuilder, array []any, instruction *Instruction) (*Instruction, error) {
	switch instruction.op {
	case OpArrayAdd:
		return at.Pop(), nil
	case OpArrayInsertAt:
		if instruction.index < 0 || len(array) < instruction.index {
			return nil, newPathNotFoundError(instruction.path, "insert index %d out of range %d", instruction.index, len(array))
		}
		return at.RemoveAt(instruction.index), nil
	case OpArrayRemoveAt:
		if instruction.index < 0 || len(array) <= instruction.index {
			return nil, newPathNotFoundError(instruction.path, "remove index %d out of range %d", instruction.index, len(array))
		}
		return at.InsertAt(instruction.index, CopyValue(array[instruction.index])), nil
	case OpArrayPop:
		if len(array) == 0 {
			return nil, newPathNotFoundError(instruction.path, "pop of empty sequence")
		}
		return at.Add(CopyValue(array[len(array)-1])), nil
	case OpArrayShift:
		if len(array) == 0 {
			return nil, newPathNotFoundError(instruction.path, "shift of empty sequence")
		}
		return at.Unshift(CopyValue(array[0])), nil
	case OpArrayUnshift:
		return at.Shift(), nil
	default:
		return nil, newValidationError(instruction.op, "not a sequence operation")
	}
}

func invertString(at *InstructionBuilder, text string, instruction *Instruction) (*Instruction, error) {
	switch instruction.op {
	case OpStringInsert:
		if len(text) < instruction.index {
			return nil, newPathNotFoundError(instruction.path, "insert offset %d out of range %d", instruction.index, len(text))
		}
		return at.TextRemove(instruction.index, len(instruction.value.(string))), nil
	case OpStringAppend:
		return at.TextRemove(len(text), len(instruction.value.(string))), nil
	case OpStringRemove:
		i := instruction.index
		n := instruction.length
		if len(text) < i+n {
			return nil, newPathNotFoundError(instruction.path, "remove span [%d,%d) out of range %d", i, i+n, len(text))
		}
		return at.TextInsert(i, text[i:i+n]), nil
	case OpStringReplaceAt:
		i := instruction.index
		n := instruction.length
		if len(text) < i+n {
			return nil, newPathNotFoundError(instruction.path, "replace span [%d,%d) out of range %d", i, i+n, len(text))
		}
		return at.TextReplaceAt(i, len(instruction.value.(string)), text[i:i+n]), nil
	case OpStringReplace:
		i := strings.Index(text, instruction.search)
		if i < 0 {
			// no match means apply is the identity
			return at.Set(text), nil
		}
		return at.TextReplaceAt(i, len(instruction.replacement), instruction.search), nil
	case OpStringReplaceAll:
		return at.Set(text), nil
	default:
		return nil, newValidationError(instruction.op, "not a string operation")
	}
}
