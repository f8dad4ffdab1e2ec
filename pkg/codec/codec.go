// Package codec implements the presentation-preserving payload encoding used
// for component props and return values. Values that have no JSON-native
// representation (dates, sets, ordered maps, regexps, NaN/Infinity,
// undefined) are lowered to plain JSON and annotated in a side-channel meta
// tree keyed by escaped dotted paths, so the dashboard can restore them.
package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

// dateLayout is the wire format for dates: ISO-8601, millisecond precision,
// trailing Z.
const dateLayout = "2006-01-02T15:04:05.000Z"

// timeOfDayLayout is the wire format for the "time" custom tag.
const timeOfDayLayout = "15:04:05"

// Set is a value encoded with the "set" annotation. Order is preserved on
// the wire.
type Set []any

// Map is a value encoded with the "map" annotation: an ordered list of
// key/value pairs.
type Map [][2]any

// TimeOfDay is a clock time without a date, carried as a ("custom", "time")
// annotation.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// undefinedType is the type of the Undefined sentinel.
type undefinedType struct{}

// Undefined encodes as JSON null with an "undefined" annotation, so the
// dashboard can distinguish it from a literal null.
var Undefined = undefinedType{}

// Tag is a single meta annotation: either a well-known name or a
// ("custom", name) pair. On the wire a well-known tag is a bare string and a
// custom tag is a two-element array.
type Tag struct {
	Name   string
	Custom string
}

func (t Tag) MarshalJSON() ([]byte, error) {
	if t.Name == "custom" {
		return json.Marshal([2]string{"custom", t.Custom})
	}
	return json.Marshal(t.Name)
}

func (t *Tag) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t.Name = s
		return nil
	}
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("codec: invalid meta tag %s", string(data))
	}
	t.Name = pair[0]
	t.Custom = pair[1]
	return nil
}

// Meta is the annotation side-channel produced by Encode. Values maps an
// escaped dotted path (root is the empty path) to the tag that restores the
// value at that path.
type Meta struct {
	Values map[string]Tag `json:"values"`
}

// Encode lowers a value tree to a JSON-compatible tree plus an optional Meta.
// Meta is nil when the tree contained only JSON-native values.
func Encode(v any) (any, *Meta) {
	values := make(map[string]Tag)
	out := encode(v, nil, values)
	if len(values) == 0 {
		return out, nil
	}
	return out, &Meta{Values: values}
}

func encode(v any, path []string, values map[string]Tag) any {
	switch x := v.(type) {
	case nil:
		return nil
	case undefinedType:
		values[joinPath(path)] = Tag{Name: "undefined"}
		return nil
	case time.Time:
		values[joinPath(path)] = Tag{Name: "Date"}
		return x.UTC().Format(dateLayout)
	case TimeOfDay:
		values[joinPath(path)] = Tag{Name: "custom", Custom: "time"}
		return x.String()
	case *regexp.Regexp:
		values[joinPath(path)] = Tag{Name: "regexp"}
		return "/" + x.String() + "/"
	case Set:
		values[joinPath(path)] = Tag{Name: "set"}
		out := make([]any, len(x))
		for i, elem := range x {
			out[i] = encode(elem, append(path, fmt.Sprint(i)), values)
		}
		return out
	case Map:
		values[joinPath(path)] = Tag{Name: "map"}
		out := make([]any, len(x))
		for i, pair := range x {
			entry := make([]any, 2)
			entry[0] = encode(pair[0], append(path, fmt.Sprint(i), "0"), values)
			entry[1] = encode(pair[1], append(path, fmt.Sprint(i), "1"), values)
			out[i] = entry
		}
		return out
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			values[joinPath(path)] = Tag{Name: "number"}
			return specialFloatString(x)
		}
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, elem := range x {
			out[k] = encode(elem, append(path, k), values)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			out[i] = encode(elem, append(path, fmt.Sprint(i)), values)
		}
		return out
	default:
		return v
	}
}

// Decode restores the annotated values in a JSON tree. A nil meta returns the
// tree unchanged.
func Decode(v any, meta *Meta) (any, error) {
	if meta == nil || len(meta.Values) == 0 {
		return v, nil
	}
	// Deepest paths first, so leaf annotations inside a set/map are restored
	// before the container annotation changes the container's type.
	paths := make([]string, 0, len(meta.Values))
	for path := range meta.Values {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool {
		return len(splitPath(paths[i])) > len(splitPath(paths[j]))
	})
	var err error
	for _, path := range paths {
		v, err = replaceAt(v, splitPath(path), meta.Values[path])
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

// replaceAt walks to the given path and applies the tag's restoration there.
// Container tags (set, map) restore the container shape; leaf tags parse the
// scalar in place.
func replaceAt(v any, path []string, tag Tag) (any, error) {
	if len(path) == 0 {
		return restore(v, tag)
	}
	switch x := v.(type) {
	case map[string]any:
		child, ok := x[path[0]]
		if !ok {
			return nil, fmt.Errorf("codec: meta path %q not present", path[0])
		}
		replaced, err := replaceAt(child, path[1:], tag)
		if err != nil {
			return nil, err
		}
		x[path[0]] = replaced
		return x, nil
	case []any:
		var idx int
		if _, err := fmt.Sscanf(path[0], "%d", &idx); err != nil || idx < 0 || idx >= len(x) {
			return nil, fmt.Errorf("codec: meta path %q not a valid index", path[0])
		}
		replaced, err := replaceAt(x[idx], path[1:], tag)
		if err != nil {
			return nil, err
		}
		x[idx] = replaced
		return x, nil
	case Set:
		return replaceAt([]any(x), path, tag)
	default:
		return nil, fmt.Errorf("codec: meta path descends into non-container %T", v)
	}
}

func restore(v any, tag Tag) (any, error) {
	switch tag.Name {
	case "undefined":
		return Undefined, nil
	case "Date":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("codec: Date annotation on non-string %T", v)
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("codec: parse date %q: %w", s, err)
		}
		return t, nil
	case "regexp":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("codec: regexp annotation on non-string %T", v)
		}
		body := strings.TrimPrefix(s, "/")
		if i := strings.LastIndex(body, "/"); i >= 0 {
			body = body[:i]
		}
		re, err := regexp.Compile(body)
		if err != nil {
			return nil, fmt.Errorf("codec: compile regexp %q: %w", s, err)
		}
		return re, nil
	case "number":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("codec: number annotation on non-string %T", v)
		}
		return parseSpecialFloat(s)
	case "set":
		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("codec: set annotation on non-array %T", v)
		}
		return Set(arr), nil
	case "map":
		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("codec: map annotation on non-array %T", v)
		}
		out := make(Map, len(arr))
		for i, entry := range arr {
			pair, ok := entry.([]any)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("codec: map entry %d is not a pair", i)
			}
			out[i] = [2]any{pair[0], pair[1]}
		}
		return out, nil
	case "custom":
		switch tag.Custom {
		case "time":
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("codec: time annotation on non-string %T", v)
			}
			t, err := time.Parse(timeOfDayLayout, s)
			if err != nil {
				return nil, fmt.Errorf("codec: parse time %q: %w", s, err)
			}
			return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		default:
			return nil, fmt.Errorf("codec: unknown custom tag %q", tag.Custom)
		}
	default:
		return nil, fmt.Errorf("codec: unknown meta tag %q", tag.Name)
	}
}

func specialFloatString(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	default:
		return "-Infinity"
	}
}

func parseSpecialFloat(s string) (float64, error) {
	switch s {
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}
	return 0, fmt.Errorf("codec: unknown special number %q", s)
}

// joinPath escapes "\" and "." in each segment and joins with ".". The root
// path is the empty string.
func joinPath(path []string) string {
	if len(path) == 0 {
		return ""
	}
	escaped := make([]string, len(path))
	for i, seg := range path {
		seg = strings.ReplaceAll(seg, `\`, `\\`)
		seg = strings.ReplaceAll(seg, `.`, `\.`)
		escaped[i] = seg
	}
	return strings.Join(escaped, ".")
}

// splitPath inverts joinPath.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	var segs []string
	var cur strings.Builder
	escaped := false
	for _, r := range path {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '.':
			segs = append(segs, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	segs = append(segs, cur.String())
	return segs
}

// MarshalDate formats a timestamp the way the dashboard expects dates.
func MarshalDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}
