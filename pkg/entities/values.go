package entities

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ValueKind discriminates the members of the Value sum type.
type ValueKind int

const (
	KindInvalid ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

// Value is one configuration value: a string, a number, a bool, a list of
// values, or a map of values. Exactly one typed field is set; a zero Value is
// invalid and is dropped wherever it appears.
type Value struct {
	StringValue *string
	NumberValue *float64
	BoolValue   *bool
	ListValue   []Value
	MapValue    map[string]Value
}

// ValueMap holds an entity's free-form configuration. JSON/YAML nulls are
// dropped on decode so round trips stay deterministic.
type ValueMap map[string]Value

// StringValue wraps s as a Value.
func StringValue(s string) Value { return Value{StringValue: &s} }

// NumberValue wraps f as a Value. JSON numbers always decode to float64.
func NumberValue(f float64) Value { return Value{NumberValue: &f} }

// BoolValue wraps b as a Value.
func BoolValue(b bool) Value { return Value{BoolValue: &b} }

// ListValue wraps items as a Value. The result is a valid empty list even
// with no items.
func ListValue(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{ListValue: items}
}

// MapValue wraps m as a Value. A nil map becomes a valid empty map.
func MapValue(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{MapValue: m}
}

// Kind reports which member of the sum is set.
func (v Value) Kind() ValueKind {
	switch {
	case v.StringValue != nil:
		return KindString
	case v.NumberValue != nil:
		return KindNumber
	case v.BoolValue != nil:
		return KindBool
	case v.ListValue != nil:
		return KindList
	case v.MapValue != nil:
		return KindMap
	default:
		return KindInvalid
	}
}

// IsZero reports whether no member is set.
func (v Value) IsZero() bool { return v.Kind() == KindInvalid }

// AsString returns the string member, if set.
func (v Value) AsString() (string, bool) {
	if v.StringValue == nil {
		return "", false
	}
	return *v.StringValue, true
}

// AsNumber returns the number member, if set.
func (v Value) AsNumber() (float64, bool) {
	if v.NumberValue == nil {
		return 0, false
	}
	return *v.NumberValue, true
}

// AsBool returns the bool member, if set.
func (v Value) AsBool() (bool, bool) {
	if v.BoolValue == nil {
		return false, false
	}
	return *v.BoolValue, true
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case v.StringValue != nil:
		return json.Marshal(*v.StringValue)
	case v.NumberValue != nil:
		return json.Marshal(*v.NumberValue)
	case v.BoolValue != nil:
		return json.Marshal(*v.BoolValue)
	case v.ListValue != nil:
		return json.Marshal(v.ListValue)
	case v.MapValue != nil:
		return json.Marshal(v.MapValue)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	*v = Value{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v.StringValue = &s
	case '{':
		m := map[string]Value{}
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		for key, elem := range m {
			if elem.IsZero() {
				delete(m, key)
			}
		}
		v.MapValue = m
	case '[':
		var raw []Value
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		list := make([]Value, 0, len(raw))
		for _, elem := range raw {
			if !elem.IsZero() {
				list = append(list, elem)
			}
		}
		v.ListValue = list
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		v.BoolValue = &b
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		v.NumberValue = &f
	}
	return nil
}

func (v Value) MarshalYAML() (interface{}, error) {
	switch {
	case v.StringValue != nil:
		return *v.StringValue, nil
	case v.NumberValue != nil:
		return *v.NumberValue, nil
	case v.BoolValue != nil:
		return *v.BoolValue, nil
	case v.ListValue != nil:
		return v.ListValue, nil
	case v.MapValue != nil:
		return v.MapValue, nil
	default:
		return nil, nil
	}
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	*v = Value{}
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!null":
			return nil
		case "!!bool":
			var b bool
			if err := node.Decode(&b); err != nil {
				return err
			}
			v.BoolValue = &b
		case "!!int", "!!float":
			var f float64
			if err := node.Decode(&f); err != nil {
				return err
			}
			v.NumberValue = &f
		default:
			var s string
			if err := node.Decode(&s); err != nil {
				return err
			}
			v.StringValue = &s
		}
	case yaml.SequenceNode:
		list := make([]Value, 0, len(node.Content))
		for _, item := range node.Content {
			var elem Value
			if err := item.Decode(&elem); err != nil {
				return err
			}
			if !elem.IsZero() {
				list = append(list, elem)
			}
		}
		v.ListValue = list
	case yaml.MappingNode:
		m := make(map[string]Value, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var key string
			if err := node.Content[i].Decode(&key); err != nil {
				return err
			}
			var elem Value
			if err := node.Content[i+1].Decode(&elem); err != nil {
				return err
			}
			if !elem.IsZero() {
				m[key] = elem
			}
		}
		v.MapValue = m
	default:
		return fmt.Errorf("unsupported yaml node kind %d for configuration value", node.Kind)
	}
	return nil
}

func (m *ValueMap) UnmarshalJSON(data []byte) error {
	raw := map[string]Value{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, elem := range raw {
		if elem.IsZero() {
			delete(raw, key)
		}
	}
	*m = raw
	return nil
}

func (m *ValueMap) UnmarshalYAML(node *yaml.Node) error {
	raw := map[string]Value{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	for key, elem := range raw {
		if elem.IsZero() {
			delete(raw, key)
		}
	}
	*m = raw
	return nil
}
