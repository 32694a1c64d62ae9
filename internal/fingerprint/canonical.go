package fingerprint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"coverforge/internal/services"
)

const (
	canonicalIndent = "    "
	maxDepth        = 32
)

// Field is one named entry in a parameter set. Value may be nil, a bool, any
// integer or float kind, a string kind, json.Number, a nested []Field, a map
// with string keys, or a slice of any of these.
type Field struct {
	Name  string
	Value any
}

// Canonical renders fields as a JSON object with sorted keys, four-space
// indentation and ": " separators. Non-ASCII text is written verbatim after NFC
// normalization. Non-finite floats and duplicate names fail with
// services.ErrEncoding.
func Canonical(fields []Field) ([]byte, error) {
	var enc encoder
	if err := enc.fields(fields, 0, ""); err != nil {
		return nil, err
	}
	return enc.buf.Bytes(), nil
}

// CanonicalValue renders an arbitrary supported value in canonical form.
func CanonicalValue(value any) ([]byte, error) {
	var enc encoder
	if err := enc.value(value, 0, ""); err != nil {
		return nil, err
	}
	return enc.buf.Bytes(), nil
}

// Recanonicalize decodes a JSON document and renders it canonically. Number
// literals are preserved exactly as written.
func Recanonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, services.Wrap(services.ErrEncoding, "fingerprint", "decode json", "", err)
	}
	return CanonicalValue(value)
}

type encoder struct {
	buf bytes.Buffer
}

type member struct {
	key   string
	value any
}

func (e *encoder) fields(fields []Field, depth int, path string) error {
	members := make([]member, 0, len(fields))
	for _, f := range fields {
		members = append(members, member{key: f.Name, value: f.Value})
	}
	return e.object(members, depth, path)
}

func (e *encoder) object(members []member, depth int, path string) error {
	if depth > maxDepth {
		return encodingError(path, "nesting too deep")
	}
	normalized := make([]member, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		if !utf8.ValidString(m.key) {
			return encodingError(path, fmt.Sprintf("key %q is not valid UTF-8", m.key))
		}
		key := norm.NFC.String(m.key)
		if _, dup := seen[key]; dup {
			return encodingError(path, fmt.Sprintf("duplicate key %q", key))
		}
		seen[key] = struct{}{}
		normalized = append(normalized, member{key: key, value: m.value})
	}
	slices.SortFunc(normalized, func(a, b member) int { return strings.Compare(a.key, b.key) })

	if len(normalized) == 0 {
		e.buf.WriteString("{}")
		return nil
	}
	e.buf.WriteByte('{')
	for i, m := range normalized {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		e.newline(depth + 1)
		e.writeString(m.key)
		e.buf.WriteString(": ")
		if err := e.value(m.value, depth+1, joinPath(path, m.key)); err != nil {
			return err
		}
	}
	e.newline(depth)
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) array(items []any, depth int, path string) error {
	if depth > maxDepth {
		return encodingError(path, "nesting too deep")
	}
	if len(items) == 0 {
		e.buf.WriteString("[]")
		return nil
	}
	e.buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		e.newline(depth + 1)
		if err := e.value(item, depth+1, path+"["+strconv.Itoa(i)+"]"); err != nil {
			return err
		}
	}
	e.newline(depth)
	e.buf.WriteByte(']')
	return nil
}

func (e *encoder) value(v any, depth int, path string) error {
	switch typed := v.(type) {
	case nil:
		e.buf.WriteString("null")
		return nil
	case []Field:
		return e.fields(typed, depth, path)
	case json.Number:
		return e.number(typed, path)
	case float64:
		return e.float(typed, 64, path)
	case float32:
		return e.float(float64(typed), 32, path)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		e.buf.WriteString(strconv.FormatBool(rv.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.buf.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		e.buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32:
		return e.float(rv.Float(), 32, path)
	case reflect.Float64:
		return e.float(rv.Float(), 64, path)
	case reflect.String:
		s := rv.String()
		if !utf8.ValidString(s) {
			return encodingError(path, "string is not valid UTF-8")
		}
		e.writeString(norm.NFC.String(s))
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return encodingError(path, "raw bytes are not representable")
		}
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return e.array(items, depth, path)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return encodingError(path, fmt.Sprintf("map key type %s is not a string", rv.Type().Key()))
		}
		if rv.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		members := make([]member, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			members = append(members, member{key: iter.Key().String(), value: iter.Value().Interface()})
		}
		return e.object(members, depth, path)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		return e.value(rv.Elem().Interface(), depth, path)
	default:
		return encodingError(path, fmt.Sprintf("unsupported value of type %T", v))
	}
	return nil
}

func (e *encoder) number(n json.Number, path string) error {
	s := string(n)
	if s == "" || !json.Valid([]byte(s)) || (s[0] != '-' && (s[0] < '0' || s[0] > '9')) {
		return encodingError(path, fmt.Sprintf("invalid number literal %q", s))
	}
	e.buf.WriteString(s)
	return nil
}

func (e *encoder) float(f float64, bits int, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return encodingError(path, fmt.Sprintf("non-finite float %v", f))
	}
	e.buf.WriteString(formatFloat(f, bits))
	return nil
}

// formatFloat writes the shortest round-trip decimal. Fixed notation is used
// for decimal exponents in [-4, 16); scientific notation otherwise. Fixed
// output always carries a decimal point so floats never read back as ints.
func formatFloat(f float64, bits int) string {
	if f == 0 {
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}
	sci := strconv.FormatFloat(f, 'e', -1, bits)
	expAt := strings.LastIndexByte(sci, 'e')
	exp, _ := strconv.Atoi(sci[expAt+1:])
	if exp < -4 || exp >= 16 {
		return sci
	}
	fixed := strconv.FormatFloat(f, 'f', -1, bits)
	if !strings.ContainsRune(fixed, '.') {
		fixed += ".0"
	}
	return fixed
}

func (e *encoder) writeString(s string) {
	const hexDigits = "0123456789abcdef"
	e.buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			e.buf.WriteString(`\"`)
		case '\\':
			e.buf.WriteString(`\\`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		case '\b':
			e.buf.WriteString(`\b`)
		case '\f':
			e.buf.WriteString(`\f`)
		default:
			if r < 0x20 {
				e.buf.WriteString(`\u00`)
				e.buf.WriteByte(hexDigits[r>>4])
				e.buf.WriteByte(hexDigits[r&0xf])
				continue
			}
			e.buf.WriteRune(r)
		}
	}
	e.buf.WriteByte('"')
}

func (e *encoder) newline(depth int) {
	e.buf.WriteByte('\n')
	for range depth {
		e.buf.WriteString(canonicalIndent)
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func encodingError(path, message string) error {
	if path != "" {
		message = path + ": " + message
	}
	return services.Wrap(services.ErrEncoding, "fingerprint", "canonical encoding", message, nil)
}
