package jsonv

import (
	"errors"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned by Parse for malformed input.
var ErrInvalidJSON = errors.New("jsonv: invalid JSON")

// Parse decodes data into a Value, preserving object member order.
func Parse(data []byte) (Value, error) {
	if !gjson.ValidBytes(data) {
		return Value{}, ErrInvalidJSON
	}
	return fromResult(gjson.ParseBytes(data)), nil
}

// MustParse is Parse for literals known to be valid; it panics otherwise.
func MustParse(s string) Value {
	v, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return v
}

func fromResult(r gjson.Result) Value {
	switch r.Type {
	case gjson.Null:
		return Value{}
	case gjson.False:
		return BoolValue(false)
	case gjson.True:
		return BoolValue(true)
	case gjson.Number:
		return NumberValue(r.Raw)
	case gjson.String:
		return StringValue(r.Str)
	}

	if r.IsArray() {
		var items []Value
		r.ForEach(func(_, item gjson.Result) bool {
			items = append(items, fromResult(item))
			return true
		})
		return Value{kind: KindArray, items: items}
	}

	members := make([]Member, 0)
	index := make(map[string]int)
	r.ForEach(func(key, val gjson.Result) bool {
		if i, dup := index[key.Str]; dup {
			members[i].Value = fromResult(val)
			return true
		}
		index[key.Str] = len(members)
		members = append(members, Member{Key: key.Str, Value: fromResult(val)})
		return true
	})
	return Value{kind: KindObject, members: members}
}
