package secret

import "encoding/json"

// Value is a resolved secret: either a parsed JSON value (js format) or a
// raw string (str format). ParseValue does not trim; back-ends that trim
// (exe) do so before calling it.
type Value struct {
	JSON interface{}
	Str  string
	IsJS bool
}

// Interface returns the value in the shape the jsonnet evaluator's external
// variable map expects: the parsed JSON value when IsJS, otherwise the raw
// string.
func (v Value) Interface() interface{} {
	if v.IsJS {
		return v.JSON
	}
	return v.Str
}

// ParseValue builds a Value from raw bytes/text given the str|js format
// declared on the path.
func ParseValue(format string, raw []byte) (Value, error) {
	if format == "js" {
		var parsed interface{}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return Value{}, err
		}
		return Value{JSON: parsed, IsJS: true}, nil
	}
	return Value{Str: string(raw)}, nil
}
