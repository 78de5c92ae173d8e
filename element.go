package mktdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Datatype is the discriminant of an Element.
type Datatype int

const (
	DatatypeBool Datatype = iota + 1
	DatatypeInt32
	DatatypeInt64
	DatatypeFloat32
	DatatypeFloat64
	DatatypeString
	DatatypeDate
	DatatypeTime
	DatatypeDatetime
	DatatypeSequence
	DatatypeChoice
)

const (
	dateLayout     = "2006-01-02"
	timeLayout     = "15:04:05.000"
	datetimeLayout = time.RFC3339Nano
)

var datatypeNames = map[Datatype]string{
	DatatypeBool:     "bool",
	DatatypeInt32:    "int32",
	DatatypeInt64:    "int64",
	DatatypeFloat32:  "float32",
	DatatypeFloat64:  "float64",
	DatatypeString:   "string",
	DatatypeDate:     "date",
	DatatypeTime:     "time",
	DatatypeDatetime: "datetime",
	DatatypeSequence: "sequence",
	DatatypeChoice:   "choice",
}

func (d Datatype) String() string {
	if name, ok := datatypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("datatype(%d)", int(d))
}

// IsScalar reports whether elements of this type carry a single value.
func (d Datatype) IsScalar() bool {
	return d != DatatypeSequence && d != DatatypeChoice
}

func (d Datatype) MarshalText() ([]byte, error) {
	name, ok := datatypeNames[d]
	if !ok {
		return nil, fmt.Errorf("unknown datatype %d", int(d))
	}
	return []byte(name), nil
}

func (d *Datatype) UnmarshalText(text []byte) error {
	for dt, name := range datatypeNames {
		if name == string(text) {
			*d = dt
			return nil
		}
	}
	return fmt.Errorf("unknown datatype %q", string(text))
}

// Element is one node of a field tree. Scalars hold exactly one value
// selected by Type; sequences hold ordered values; choices hold ordered
// named sub-elements.
type Element struct {
	Name string
	Type Datatype
	Null bool

	b      bool
	i      int64
	f      float64
	s      string
	t      time.Time
	values []*Element
	fields []*Element
}

func NewBool(name string, v bool) *Element {
	return &Element{Name: name, Type: DatatypeBool, b: v}
}

func NewInt32(name string, v int32) *Element {
	return &Element{Name: name, Type: DatatypeInt32, i: int64(v)}
}

func NewInt64(name string, v int64) *Element {
	return &Element{Name: name, Type: DatatypeInt64, i: v}
}

func NewFloat32(name string, v float32) *Element {
	return &Element{Name: name, Type: DatatypeFloat32, f: float64(v)}
}

func NewFloat64(name string, v float64) *Element {
	return &Element{Name: name, Type: DatatypeFloat64, f: v}
}

func NewString(name, v string) *Element {
	return &Element{Name: name, Type: DatatypeString, s: v}
}

func NewDate(name string, v time.Time) *Element {
	y, m, d := v.Date()
	return &Element{Name: name, Type: DatatypeDate, t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func NewTime(name string, v time.Time) *Element {
	return &Element{Name: name, Type: DatatypeTime, t: time.Date(0, 1, 1, v.Hour(), v.Minute(), v.Second(), v.Nanosecond(), time.UTC)}
}

func NewDatetime(name string, v time.Time) *Element {
	return &Element{Name: name, Type: DatatypeDatetime, t: v}
}

// NewNull returns a null element of the given type.
func NewNull(name string, dt Datatype) *Element {
	return &Element{Name: name, Type: dt, Null: true}
}

func NewSequence(name string, values ...*Element) *Element {
	return &Element{Name: name, Type: DatatypeSequence, values: values}
}

func NewChoice(name string, fields ...*Element) *Element {
	return &Element{Name: name, Type: DatatypeChoice, fields: fields}
}

// NewElement converts a Go value into a scalar element.
func NewElement(name string, v any) (*Element, error) {
	switch val := v.(type) {
	case *Element:
		el := *val
		el.Name = name
		return &el, nil
	case bool:
		return NewBool(name, val), nil
	case int:
		if val >= math.MinInt32 && val <= math.MaxInt32 {
			return NewInt32(name, int32(val)), nil
		}
		return NewInt64(name, int64(val)), nil
	case int32:
		return NewInt32(name, val), nil
	case int64:
		return NewInt64(name, val), nil
	case float32:
		return NewFloat32(name, val), nil
	case float64:
		return NewFloat64(name, val), nil
	case string:
		return NewString(name, val), nil
	case time.Time:
		return NewDatetime(name, val), nil
	case nil:
		return nil, fmt.Errorf("element %s: nil value", name)
	default:
		return nil, fmt.Errorf("element %s: unsupported value type %T", name, v)
	}
}

func (e *Element) IsNull() bool {
	return e == nil || e.Null
}

func (e *Element) Bool() bool       { return e.b }
func (e *Element) Int64() int64     { return e.i }
func (e *Element) Float64() float64 { return e.f }
func (e *Element) Time() time.Time  { return e.t }
func (e *Element) NumValues() int   { return len(e.Values()) }

// Values returns the entries of a sequence. Nil-safe.
func (e *Element) Values() []*Element {
	if e == nil {
		return nil
	}
	return e.values
}

// Fields returns the sub-elements of a choice. Nil-safe.
func (e *Element) Fields() []*Element {
	if e == nil {
		return nil
	}
	return e.fields
}

// String returns the string payload; non-string scalars render through FormatValue.
func (e *Element) String() string {
	if e == nil {
		return ""
	}
	if e.Type == DatatypeString {
		return e.s
	}
	return FormatValue(e)
}

// Field returns the named sub-element of a choice, or nil.
func (e *Element) Field(name string) *Element {
	if e == nil {
		return nil
	}
	for _, f := range e.fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (e *Element) HasField(name string) bool {
	return e.Field(name) != nil
}

// GetString returns the named field's string form or "".
func (e *Element) GetString(name string) string {
	f := e.Field(name)
	if f.IsNull() {
		return ""
	}
	return f.String()
}

// SetField replaces the named field or appends it, keeping document order.
func (e *Element) SetField(f *Element) {
	for i, existing := range e.fields {
		if existing.Name == f.Name {
			e.fields[i] = f
			return
		}
	}
	e.fields = append(e.fields, f)
}

// AppendValue adds an entry to a sequence.
func (e *Element) AppendValue(v *Element) {
	e.values = append(e.values, v)
}

type wireElement struct {
	Name   string          `json:"name,omitempty"`
	Type   Datatype        `json:"type"`
	Null   bool            `json:"null,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Values []*Element      `json:"values,omitempty"`
	Fields []*Element      `json:"fields,omitempty"`
}

func (e *Element) MarshalJSON() ([]byte, error) {
	w := wireElement{Name: e.Name, Type: e.Type, Null: e.Null}
	if !e.Null {
		switch e.Type {
		case DatatypeSequence:
			w.Values = e.values
		case DatatypeChoice:
			w.Fields = e.fields
		default:
			raw, err := json.Marshal(e.scalarValue())
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", e.Name, err)
			}
			w.Value = raw
		}
	}
	return json.Marshal(w)
}

func (e *Element) scalarValue() any {
	switch e.Type {
	case DatatypeBool:
		return e.b
	case DatatypeInt32, DatatypeInt64:
		return e.i
	case DatatypeFloat32, DatatypeFloat64:
		return e.f
	case DatatypeString:
		return e.s
	case DatatypeDate:
		return e.t.Format(dateLayout)
	case DatatypeTime:
		return e.t.Format(timeLayout)
	case DatatypeDatetime:
		return e.t.Format(datetimeLayout)
	}
	return nil
}

// Parse layouts per temporal datatype, tried in order. A fractional second
// is accepted after any seconds field.
var parseLayouts = map[Datatype][]string{
	DatatypeDate:     {dateLayout},
	DatatypeTime:     {"15:04:05"},
	DatatypeDatetime: {datetimeLayout, "2006-01-02T15:04:05"},
}

func parseTemporal(dt Datatype, raw string) (time.Time, error) {
	var firstErr error
	for _, layout := range parseLayouts[dt] {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func (e *Element) UnmarshalJSON(data []byte) error {
	var w wireElement
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Element{Name: w.Name, Type: w.Type, Null: w.Null}
	if w.Null {
		return nil
	}

	switch w.Type {
	case DatatypeSequence:
		e.values = w.Values
		return nil
	case DatatypeChoice:
		e.fields = w.Fields
		return nil
	}

	if len(w.Value) == 0 || bytes.Equal(w.Value, []byte("null")) {
		e.Null = true
		return nil
	}

	switch w.Type {
	case DatatypeBool:
		return json.Unmarshal(w.Value, &e.b)
	case DatatypeInt32:
		if err := json.Unmarshal(w.Value, &e.i); err != nil {
			return fmt.Errorf("decode %s: %w", w.Name, err)
		}
		if e.i < math.MinInt32 || e.i > math.MaxInt32 {
			return fmt.Errorf("decode %s: %d overflows int32", w.Name, e.i)
		}
	case DatatypeInt64:
		if err := json.Unmarshal(w.Value, &e.i); err != nil {
			return fmt.Errorf("decode %s: %w", w.Name, err)
		}
	case DatatypeFloat32, DatatypeFloat64:
		if err := json.Unmarshal(w.Value, &e.f); err != nil {
			return fmt.Errorf("decode %s: %w", w.Name, err)
		}
	case DatatypeString:
		return json.Unmarshal(w.Value, &e.s)
	case DatatypeDate, DatatypeTime, DatatypeDatetime:
		var raw string
		if err := json.Unmarshal(w.Value, &raw); err != nil {
			return fmt.Errorf("decode %s: %w", w.Name, err)
		}
		t, err := parseTemporal(w.Type, raw)
		if err != nil {
			return fmt.Errorf("decode %s: %w", w.Name, err)
		}
		e.t = t
	default:
		return fmt.Errorf("decode %s: unknown datatype %d", w.Name, int(w.Type))
	}
	return nil
}
