// Package io implements the transaction engine: the component model, the
// closed method vocabulary, and the render/response loop that drives one
// operator-facing invocation.
package io

import (
	"fmt"
)

// Method names form a closed set; each selects a schema triple (props,
// state, return) on the dashboard side and a parser on this side.
const (
	MethodInputText        = "INPUT_TEXT"
	MethodInputEmail       = "INPUT_EMAIL"
	MethodInputNumber      = "INPUT_NUMBER"
	MethodInputBoolean     = "INPUT_BOOLEAN"
	MethodInputRichText    = "INPUT_RICH_TEXT"
	MethodInputURL         = "INPUT_URL"
	MethodInputDate        = "INPUT_DATE"
	MethodInputTime        = "INPUT_TIME"
	MethodInputDateTime    = "INPUT_DATETIME"
	MethodInputSpreadsheet = "INPUT_SPREADSHEET"
	MethodConfirm          = "CONFIRM"
	MethodSearch           = "SEARCH"
	MethodUploadFile       = "UPLOAD_FILE"
	MethodSelectTable      = "SELECT_TABLE"
	MethodSelectSingle     = "SELECT_SINGLE"
	MethodSelectMultiple   = "SELECT_MULTIPLE"

	MethodDisplayHeading               = "DISPLAY_HEADING"
	MethodDisplayMarkdown              = "DISPLAY_MARKDOWN"
	MethodDisplayCode                  = "DISPLAY_CODE"
	MethodDisplayImage                 = "DISPLAY_IMAGE"
	MethodDisplayLink                  = "DISPLAY_LINK"
	MethodDisplayObject                = "DISPLAY_OBJECT"
	MethodDisplayTable                 = "DISPLAY_TABLE"
	MethodDisplayVideo                 = "DISPLAY_VIDEO"
	MethodDisplayProgressSteps         = "DISPLAY_PROGRESS_STEPS"
	MethodDisplayProgressIndeterminate = "DISPLAY_PROGRESS_INDETERMINATE"
	MethodDisplayProgressThroughList   = "DISPLAY_PROGRESS_THROUGH_LIST"
)

// ParseFunc maps one wire return value to its domain value.
type ParseFunc func(raw any) (any, error)

// MethodDef fixes a method's capabilities at construction time.
type MethodDef struct {
	Name string

	// SupportsMultiple permits IsMultiple on components of this method.
	SupportsMultiple bool

	// Stateful marks methods whose props can be re-derived from
	// client-driven state (SET_STATE).
	Stateful bool

	// Immediate marks display-only methods whose return resolves at render
	// time instead of blocking on the operator.
	Immediate bool

	Parse ParseFunc
}

var methods = buildMethodTable()

func buildMethodTable() map[string]MethodDef {
	defs := []MethodDef{
		{Name: MethodInputText, Parse: parseString},
		{Name: MethodInputEmail, Parse: parseString},
		{Name: MethodInputRichText, Parse: parseString},
		{Name: MethodInputURL, Parse: parseString},
		{Name: MethodInputNumber, Parse: parseNumber},
		{Name: MethodInputBoolean, Parse: parseBool},
		{Name: MethodConfirm, Parse: parseBool},
		{Name: MethodInputDate, Parse: parseDate},
		{Name: MethodInputTime, Parse: parseTime},
		{Name: MethodInputDateTime, Parse: parseDateTime},
		{Name: MethodInputSpreadsheet, Parse: parseAny},
		{Name: MethodSearch, Stateful: true, Parse: parseString},
		{Name: MethodUploadFile, SupportsMultiple: true, Parse: parseFile},
		{Name: MethodSelectTable, SupportsMultiple: true, Stateful: true, Parse: parseAny},
		{Name: MethodSelectSingle, Stateful: true, Parse: parseAny},
		{Name: MethodSelectMultiple, Parse: parseAny},

		{Name: MethodDisplayHeading, Immediate: true},
		{Name: MethodDisplayMarkdown, Immediate: true},
		{Name: MethodDisplayCode, Immediate: true},
		{Name: MethodDisplayImage, Immediate: true},
		{Name: MethodDisplayLink, Immediate: true},
		{Name: MethodDisplayObject, Immediate: true},
		{Name: MethodDisplayTable, Immediate: true},
		{Name: MethodDisplayVideo, Immediate: true},
		{Name: MethodDisplayProgressSteps, Immediate: true},
		{Name: MethodDisplayProgressIndeterminate, Immediate: true},
		{Name: MethodDisplayProgressThroughList, Immediate: true},
	}
	table := make(map[string]MethodDef, len(defs))
	for _, def := range defs {
		table[def.Name] = def
	}
	return table
}

// MethodByName looks up a method definition from the closed set.
func MethodByName(name string) (MethodDef, bool) {
	def, ok := methods[name]
	return def, ok
}

// Date is the domain value of an INPUT_DATE return.
type Date struct {
	Year  int
	Month int
	Day   int
}

// Time is the domain value of an INPUT_TIME return.
type Time struct {
	Hour   int
	Minute int
}

// DateTime is the domain value of an INPUT_DATETIME return.
type DateTime struct {
	Date
	Hour   int
	Minute int
}

// File is the domain value of an UPLOAD_FILE return.
type File struct {
	Name string
	Type string
	Size int64
	URL  string
}

func parseAny(raw any) (any, error) { return raw, nil }

func parseString(raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("io: expected string, got %T", raw)
	}
	return s, nil
}

func parseNumber(raw any) (any, error) {
	n, ok := raw.(float64)
	if !ok {
		return nil, fmt.Errorf("io: expected number, got %T", raw)
	}
	return n, nil
}

func parseBool(raw any) (any, error) {
	b, ok := raw.(bool)
	if !ok {
		return nil, fmt.Errorf("io: expected boolean, got %T", raw)
	}
	return b, nil
}

func intField(m map[string]any, key string) (int, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("io: missing field %q", key)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("io: field %q is %T, expected number", key, v)
	}
	return int(f), nil
}

func parseDate(raw any) (any, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("io: expected date object, got %T", raw)
	}
	var d Date
	var err error
	if d.Year, err = intField(m, "year"); err != nil {
		return nil, err
	}
	if d.Month, err = intField(m, "month"); err != nil {
		return nil, err
	}
	if d.Day, err = intField(m, "day"); err != nil {
		return nil, err
	}
	return d, nil
}

func parseTime(raw any) (any, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("io: expected time object, got %T", raw)
	}
	var t Time
	var err error
	if t.Hour, err = intField(m, "hour"); err != nil {
		return nil, err
	}
	if t.Minute, err = intField(m, "minute"); err != nil {
		return nil, err
	}
	return t, nil
}

func parseDateTime(raw any) (any, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("io: expected datetime object, got %T", raw)
	}
	var dt DateTime
	var err error
	if dt.Year, err = intField(m, "year"); err != nil {
		return nil, err
	}
	if dt.Month, err = intField(m, "month"); err != nil {
		return nil, err
	}
	if dt.Day, err = intField(m, "day"); err != nil {
		return nil, err
	}
	if dt.Hour, err = intField(m, "hour"); err != nil {
		return nil, err
	}
	if dt.Minute, err = intField(m, "minute"); err != nil {
		return nil, err
	}
	return dt, nil
}

func parseFile(raw any) (any, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("io: expected file object, got %T", raw)
	}
	f := File{}
	if name, ok := m["name"].(string); ok {
		f.Name = name
	}
	if typ, ok := m["type"].(string); ok {
		f.Type = typ
	}
	if size, ok := m["size"].(float64); ok {
		f.Size = int64(size)
	}
	if url, ok := m["url"].(string); ok {
		f.URL = url
	}
	return f, nil
}
