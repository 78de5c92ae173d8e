package mktdata

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// FormatValue renders a scalar for display. Dates print as d/m/yyyy and
// times as hh:mm:ss.
func FormatValue(e *Element) string {
	if e.IsNull() {
		return "NULL"
	}
	switch e.Type {
	case DatatypeBool:
		return strconv.FormatBool(e.b)
	case DatatypeInt32, DatatypeInt64:
		return strconv.FormatInt(e.i, 10)
	case DatatypeFloat32:
		return strconv.FormatFloat(e.f, 'f', -1, 32)
	case DatatypeFloat64:
		return strconv.FormatFloat(e.f, 'f', -1, 64)
	case DatatypeString:
		return e.s
	case DatatypeDate:
		return formatDate(e)
	case DatatypeTime:
		return formatClock(e)
	case DatatypeDatetime:
		return formatDate(e) + " " + formatClock(e)
	case DatatypeSequence:
		return fmt.Sprintf("[%d values]", len(e.values))
	case DatatypeChoice:
		return fmt.Sprintf("{%d fields}", len(e.fields))
	default:
		return fmt.Sprintf("<%s>", e.Type)
	}
}

func formatDate(e *Element) string {
	y, m, d := e.t.Date()
	return fmt.Sprintf("%d/%d/%04d", d, int(m), y)
}

func formatClock(e *Element) string {
	return fmt.Sprintf("%02d:%02d:%02d", e.t.Hour(), e.t.Minute(), e.t.Second())
}

// Formatter prints field trees as indented text.
type Formatter struct {
	w        io.Writer
	errColor *color.Color
	skipNull bool
	err      error
}

// NewFormatter writes to w. Error lines are red only when w is a terminal.
func NewFormatter(w io.Writer) *Formatter {
	errColor := color.New(color.FgRed, color.Bold)
	if f, ok := w.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
		errColor.DisableColor()
	}
	return &Formatter{w: w, errColor: errColor}
}

// SkipNull drops null fields instead of printing "<name> is NULL". Streaming
// ticks use it to show only the fields that carry a value.
func (f *Formatter) SkipNull() *Formatter {
	f.skipNull = true
	return f
}

// Render writes every field of el depth-first in document order. The
// children of a top-level choice print without a header; a null field prints
// "<name> is NULL".
func (f *Formatter) Render(el *Element) error {
	f.err = nil
	if el != nil && el.Type == DatatypeChoice && !el.Null {
		for _, child := range el.fields {
			f.element(child, 0)
		}
	} else {
		f.element(el, 0)
	}
	return f.err
}

func (f *Formatter) element(el *Element, depth int) {
	if el == nil {
		return
	}
	if el.Null && f.skipNull {
		return
	}
	indent := strings.Repeat("  ", depth)
	switch {
	case el.Null:
		f.printf("%s%s is NULL\n", indent, el.Name)
	case el.Type == DatatypeChoice:
		f.printf("%s%s:\n", indent, el.Name)
		for _, child := range el.fields {
			f.element(child, depth+1)
		}
	case el.Type == DatatypeSequence:
		f.printf("%s%s[]:\n", indent, el.Name)
		for i, v := range el.values {
			f.entry(el.Name, i, v, depth+1)
		}
	default:
		f.printf("%s%s = %s\n", indent, el.Name, FormatValue(el))
	}
}

func (f *Formatter) entry(name string, i int, v *Element, depth int) {
	indent := strings.Repeat("  ", depth)
	switch {
	case v.IsNull():
		if !f.skipNull {
			f.printf("%s%s[%d] is NULL\n", indent, name, i)
		}
	case v.Type == DatatypeChoice:
		f.printf("%s%s[%d]:\n", indent, name, i)
		for _, child := range v.fields {
			f.element(child, depth+1)
		}
	case v.Type == DatatypeSequence:
		f.printf("%s%s[%d][]:\n", indent, name, i)
		for j, inner := range v.values {
			f.entry(name, j, inner, depth+1)
		}
	default:
		f.printf("%s%s[%d] = %s\n", indent, name, i, FormatValue(v))
	}
}

// RenderReferenceData prints one section per security. A security-level
// error prints alone; otherwise the field data is followed by any field
// exceptions. Item errors are returned for the caller to report; a
// response-level error aborts with a *RequestError.
func (f *Formatter) RenderReferenceData(msg Message) ([]*FieldError, error) {
	f.err = nil
	body := msg.Body
	if re := body.Field("responseError"); !re.IsNull() {
		reqErr := &RequestError{
			Service:     ServiceRefData,
			Category:    re.GetString("category"),
			Description: re.GetString("message"),
		}
		f.errorf("%s\n", reqErr.Error())
		return nil, reqErr
	}

	securities := body.Field("securityData")
	if securities.IsNull() {
		return nil, f.err
	}
	entries := securities.Values()
	if securities.Type == DatatypeChoice {
		entries = []*Element{securities}
	}

	var fieldErrs []*FieldError
	for _, sec := range entries {
		ticker := sec.GetString("security")
		f.printf("%s\n", ticker)

		if se := sec.Field("securityError"); !se.IsNull() {
			fe := &FieldError{Security: ticker, Category: se.GetString("category"), Message: se.GetString("message")}
			f.errorf("  %s\n", fe.Error())
			fieldErrs = append(fieldErrs, fe)
			f.printf("\n")
			continue
		}

		if data := sec.Field("fieldData"); data != nil {
			switch {
			case data.Null:
				f.printf("  %s is NULL\n", data.Name)
			case data.Type == DatatypeChoice:
				for _, child := range data.fields {
					f.element(child, 1)
				}
			default:
				f.element(data, 1)
			}
		}

		for _, ex := range sec.Field("fieldExceptions").Values() {
			info := ex.Field("errorInfo")
			fe := &FieldError{
				Security: ticker,
				Field:    ex.GetString("fieldId"),
				Category: info.GetString("category"),
				Message:  info.GetString("message"),
			}
			f.errorf("  %s\n", fe.Error())
			fieldErrs = append(fieldErrs, fe)
		}
		f.printf("\n")
	}
	return fieldErrs, f.err
}

func (f *Formatter) printf(format string, args ...any) {
	if f.err != nil {
		return
	}
	_, f.err = fmt.Fprintf(f.w, format, args...)
}

func (f *Formatter) errorf(format string, args ...any) {
	if f.err != nil {
		return
	}
	_, f.err = f.errColor.Fprintf(f.w, format, args...)
}
