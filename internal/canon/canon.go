// Package canon produces deterministic byte encodings of JSON-like value
// trees for hashing and signing. Two strategies exist side by side so
// that chains sealed under either one stay verifiable.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"

	"roundtable/api/internal/fault"
)

type Mode string

const (
	// Sorted writes objects with keys in code point order.
	Sorted Mode = "sorted"
	// JCS is RFC 8785: UTF-16 member order, ES6 number form.
	JCS Mode = "jcs"
)

func ForName(name string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(name))) {
	case Sorted, "":
		return Sorted, nil
	case JCS:
		return JCS, nil
	default:
		return "", fault.Newf(fault.KindValidation, "unknown canonicalizer %q", name)
	}
}

// Canonicalize encodes v under mode. Equal-by-value inputs yield
// identical bytes regardless of map insertion order.
func Canonicalize(mode Mode, v any) ([]byte, error) {
	tree, err := normalize(v, make(map[uintptr]struct{}))
	if err != nil {
		return nil, err
	}
	switch mode {
	case Sorted, "":
		var buf bytes.Buffer
		if err := writeSorted(&buf, tree); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case JCS:
		raw, err := json.Marshal(tree)
		if err != nil {
			return nil, fault.Wrap(fault.KindCanonicalization, "encode value", err)
		}
		out, err := jcs.Transform(raw)
		if err != nil {
			return nil, fault.Wrap(fault.KindCanonicalization, "jcs transform", err)
		}
		return out, nil
	default:
		return nil, fault.Newf(fault.KindValidation, "unknown canonicalizer %q", string(mode))
	}
}

// Sum returns the lowercase hex SHA-256 of the canonical bytes along with
// the bytes themselves.
func Sum(mode Mode, v any) (string, []byte, error) {
	b, err := Canonicalize(mode, v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// normalize rewrites v into nil, bool, string, json.Number, map[string]any
// and []any. active holds the container addresses on the current path.
func normalize(v any, active map[uintptr]struct{}) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string, bool:
		return t, nil
	case json.Number:
		if _, err := strconv.ParseFloat(string(t), 64); err != nil {
			return nil, fault.Newf(fault.KindCanonicalization, "invalid number %q", string(t))
		}
		return t, nil
	case float64:
		return floatNumber(t)
	case float32:
		return floatNumber(float64(t))
	case json.RawMessage:
		return decodeRaw(t, active)
	case map[string]any:
		return normalizeMap(reflect.ValueOf(t), active)
	case []any:
		return normalizeSlice(reflect.ValueOf(t), active)
	}

	if m, ok := v.(json.Marshaler); ok {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil, nil
		}
		raw, err := m.MarshalJSON()
		if err != nil {
			return nil, fault.Wrap(fault.KindCanonicalization, "marshal value", err)
		}
		return decodeRaw(raw, active)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		ptr := rv.Pointer()
		if _, seen := active[ptr]; seen {
			return nil, fault.New(fault.KindCanonicalization, "circular structure")
		}
		active[ptr] = struct{}{}
		defer delete(active, ptr)
		return normalize(rv.Elem().Interface(), active)
	case reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface(), active)
	case reflect.Map:
		return normalizeMap(rv, active)
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return base64.StdEncoding.EncodeToString(rv.Bytes()), nil
		}
		return normalizeSlice(rv, active)
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item, err := normalize(rv.Index(i).Interface(), active)
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	case reflect.Struct:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fault.Wrap(fault.KindCanonicalization, "marshal struct", err)
		}
		return decodeRaw(raw, active)
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return json.Number(strconv.FormatInt(rv.Int(), 10)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return json.Number(strconv.FormatUint(rv.Uint(), 10)), nil
	case reflect.Float32, reflect.Float64:
		return floatNumber(rv.Float())
	default:
		return nil, fault.Newf(fault.KindCanonicalization, "unsupported value of type %s", rv.Type())
	}
}

func normalizeMap(rv reflect.Value, active map[uintptr]struct{}) (any, error) {
	if rv.Type().Key().Kind() != reflect.String {
		return nil, fault.Newf(fault.KindCanonicalization, "map key type %s is not a string", rv.Type().Key())
	}
	if rv.IsNil() {
		return nil, nil
	}
	ptr := rv.Pointer()
	if _, seen := active[ptr]; seen {
		return nil, fault.New(fault.KindCanonicalization, "circular structure")
	}
	active[ptr] = struct{}{}
	defer delete(active, ptr)

	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		item, err := normalize(iter.Value().Interface(), active)
		if err != nil {
			return nil, err
		}
		out[iter.Key().String()] = item
	}
	return out, nil
}

func normalizeSlice(rv reflect.Value, active map[uintptr]struct{}) (any, error) {
	if rv.IsNil() {
		return nil, nil
	}
	if rv.Len() > 0 {
		ptr := rv.Pointer()
		if _, seen := active[ptr]; seen {
			return nil, fault.New(fault.KindCanonicalization, "circular structure")
		}
		active[ptr] = struct{}{}
		defer delete(active, ptr)
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		item, err := normalize(rv.Index(i).Interface(), active)
		if err != nil {
			return nil, err
		}
		out[i] = item
	}
	return out, nil
}

func decodeRaw(raw []byte, active map[uintptr]struct{}) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, fault.Wrap(fault.KindCanonicalization, "decode value", err)
	}
	return normalize(out, active)
}

func floatNumber(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fault.New(fault.KindCanonicalization, "non-finite number")
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fault.Wrap(fault.KindCanonicalization, "encode number", err)
	}
	return json.Number(b), nil
}

func writeSorted(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeString(buf, t)
	case json.Number:
		buf.WriteString(string(t))
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeSorted(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeSorted(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fault.Newf(fault.KindCanonicalization, "unexpected normalized type %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fault.Wrap(fault.KindCanonicalization, "encode string", err)
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// String is the tag recorded in journal signatures.
func (m Mode) String() string {
	if m == "" {
		return string(Sorted)
	}
	return string(m)
}
