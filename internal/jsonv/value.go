// Package jsonv provides an immutable, order-preserving JSON value tree.
//
// A Value is a tagged variant over null, boolean, number, string, array and
// object. Object members keep their insertion order and numbers keep their
// literal text, so a parse followed by Marshal reproduces the document in
// compact form without reordering keys or reformatting numbers.
//
// Values are never modified in place: Set, Delete and friends return a new
// Value and leave the receiver untouched. Slices returned by Items and Members
// are shared with the receiver and must be treated as read-only.
package jsonv

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Member is a single key/value pair of an object.
type Member struct {
	Key   string
	Value Value
}

// Value is a JSON value. The zero Value is JSON null.
type Value struct {
	kind    Kind
	b       bool
	s       string // string contents or number literal
	items   []Value
	members []Member
}

// NullValue returns JSON null.
func NullValue() Value { return Value{} }

// BoolValue returns a JSON boolean.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// NumberValue returns a JSON number from its literal text, e.g. "3", "-1.5e3".
// The literal is emitted verbatim by Marshal.
func NumberValue(literal string) Value { return Value{kind: KindNumber, s: literal} }

// StringValue returns a JSON string.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// ArrayValue returns a JSON array holding items in order.
func ArrayValue(items ...Value) Value {
	return Value{kind: KindArray, items: append([]Value(nil), items...)}
}

// ObjectValue returns a JSON object. Later duplicates of a key replace the
// value of the first occurrence, keeping its position.
func ObjectValue(members ...Member) Value {
	out := Value{kind: KindObject, members: make([]Member, 0, len(members))}
	for _, m := range members {
		out.members = setMember(out.members, m.Key, m.Value)
	}
	return out
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) IsObject() bool { return v.kind == KindObject }
func (v Value) IsArray() bool  { return v.kind == KindArray }

// Bool returns the boolean and whether v is a boolean.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Str returns the string contents and whether v is a string.
func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// NumberLiteral returns the literal text of a number and whether v is a number.
func (v Value) NumberLiteral() (string, bool) {
	if v.kind != KindNumber {
		return "", false
	}
	return v.s, true
}

// Items returns the elements of an array, or nil for other kinds.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.items
}

// Members returns the members of an object in order, or nil for other kinds.
func (v Value) Members() []Member {
	if v.kind != KindObject {
		return nil
	}
	return v.members
}

// Len returns the number of array elements or object members.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.items)
	case KindObject:
		return len(v.members)
	default:
		return 0
	}
}

// Get looks up key in an object.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	for _, m := range v.members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return Value{}, false
}

// Has reports whether an object has key.
func (v Value) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// GetString returns the string stored under key, if any.
func (v Value) GetString(key string) (string, bool) {
	child, ok := v.Get(key)
	if !ok {
		return "", false
	}
	return child.Str()
}

// Set returns a copy of the object with key set to val. An existing key keeps
// its position; a new key is appended. Set on a non-object returns a new
// object holding only the member.
func (v Value) Set(key string, val Value) Value {
	if v.kind != KindObject {
		return ObjectValue(Member{Key: key, Value: val})
	}
	members := make([]Member, len(v.members), len(v.members)+1)
	copy(members, v.members)
	return Value{kind: KindObject, members: setMember(members, key, val)}
}

// Delete returns a copy of the object without key. The receiver is returned
// unchanged when the key is absent or v is not an object.
func (v Value) Delete(key string) Value {
	if !v.Has(key) {
		return v
	}
	members := make([]Member, 0, len(v.members)-1)
	for _, m := range v.members {
		if m.Key != key {
			members = append(members, m)
		}
	}
	return Value{kind: KindObject, members: members}
}

// WithMembers returns an object holding members in the given order.
func WithMembers(members []Member) Value {
	return Value{kind: KindObject, members: members}
}

// WithItems returns an array holding items.
func WithItems(items []Value) Value {
	return Value{kind: KindArray, items: items}
}

func setMember(members []Member, key string, val Value) []Member {
	for i := range members {
		if members[i].Key == key {
			members[i].Value = val
			return members
		}
	}
	return append(members, Member{Key: key, Value: val})
}

// Equal reports whether a and b are structurally identical, including
// object member order and number literal text.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber, KindString:
		return a.s == b.s
	case KindArray:
		if len(a.items) != len(b.items) {
			return false
		}
		for i := range a.items {
			if !Equal(a.items[i], b.items[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.members) != len(b.members) {
			return false
		}
		for i := range a.members {
			if a.members[i].Key != b.members[i].Key || !Equal(a.members[i].Value, b.members[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}
