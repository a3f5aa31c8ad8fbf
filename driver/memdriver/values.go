package memdriver

import (
	"bytes"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// canonical BSON sort order of value classes
const (
	classMissing = iota
	classNull
	classNumber
	classString
	classDocument
	classArray
	classBinary
	classObjectID
	classBool
	classDate
	classRegex
	classOther
)

func typeClass(v interface{}) int {
	switch v.(type) {
	case nil:
		return classNull
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bson.Decimal128, decimal.Decimal:
		return classNumber
	case string:
		return classString
	case bson.D, bson.M, map[string]interface{}:
		return classDocument
	case bson.A, []interface{}:
		return classArray
	case bson.Binary, []byte:
		return classBinary
	case bson.ObjectID:
		return classObjectID
	case bool:
		return classBool
	case bson.DateTime, time.Time:
		return classDate
	case bson.Regex:
		return classRegex
	}
	return classOther
}

// normalize converts Go values into the forms stored documents use
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case bson.M:
		return sortedDoc(x)
	case map[string]interface{}:
		return sortedDoc(x)
	case bson.D:
		out := make(bson.D, len(x))
		for i, e := range x {
			out[i] = bson.E{Key: e.Key, Value: normalize(e.Value)}
		}
		return out
	case bson.A:
		out := make(bson.A, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case []interface{}:
		return normalize(bson.A(x))
	case []byte:
		return bson.Binary{Subtype: 0, Data: append([]byte(nil), x...)}
	case time.Time:
		return bson.NewDateTimeFromTime(x)
	case int:
		return int64(x)
	case int8:
		return int32(x)
	case int16:
		return int32(x)
	case uint8:
		return int32(x)
	case uint16:
		return int32(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	case string, bool, int32, int64, float64, bson.ObjectID, bson.DateTime, bson.Binary,
		bson.Decimal128, bson.Regex:
		return x
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make(bson.A, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

func sortedDoc(m map[string]interface{}) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(bson.D, 0, len(keys))
	for _, k := range keys {
		out = append(out, bson.E{Key: k, Value: normalize(m[k])})
	}
	return out
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case bson.Decimal128:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case decimal.Decimal:
		return n, true
	}
	return decimal.Decimal{}, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case bson.Decimal128, decimal.Decimal:
		d, ok := toDecimal(n)
		if !ok {
			return 0, false
		}
		f, _ := d.Float64()
		return f, true
	}
	return 0, false
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), n == math.Trunc(n)
	}
	return 0, false
}

func compareNumbers(a, b interface{}) int {
	_, decA := a.(bson.Decimal128)
	_, decB := b.(bson.Decimal128)
	if decA || decB {
		da, okA := toDecimal(a)
		db, okB := toDecimal(b)
		if okA && okB {
			return da.Cmp(db)
		}
	}
	ia, intA := a.(int64)
	ib, intB := b.(int64)
	if intA && intB {
		return cmpOrdered(ia, ib)
	}
	fa, _ := toFloat(a)
	fb, _ := toFloat(b)
	return cmpOrdered(fa, fb)
}

func cmpOrdered[T int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareValues orders two values the way the server sorts them
func compareValues(a, b interface{}) int {
	a, b = normalize(a), normalize(b)
	ca, cb := typeClass(a), typeClass(b)
	if ca != cb {
		return cmpOrdered(int64(ca), int64(cb))
	}
	switch x := a.(type) {
	case nil:
		return 0
	case string:
		return cmpOrdered(x, b.(string))
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case bson.ObjectID:
		y := b.(bson.ObjectID)
		return bytes.Compare(x[:], y[:])
	case bson.DateTime:
		return cmpOrdered(int64(x), int64(b.(bson.DateTime)))
	case bson.Binary:
		y := b.(bson.Binary)
		if c := cmpOrdered(int64(len(x.Data)), int64(len(y.Data))); c != 0 {
			return c
		}
		if c := cmpOrdered(int64(x.Subtype), int64(y.Subtype)); c != 0 {
			return c
		}
		return bytes.Compare(x.Data, y.Data)
	case bson.D:
		y := b.(bson.D)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := cmpOrdered(x[i].Key, y[i].Key); c != 0 {
				return c
			}
			if c := compareValues(x[i].Value, y[i].Value); c != 0 {
				return c
			}
		}
		return cmpOrdered(int64(len(x)), int64(len(y)))
	case bson.A:
		y := b.(bson.A)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := compareValues(x[i], y[i]); c != 0 {
				return c
			}
		}
		return cmpOrdered(int64(len(x)), int64(len(y)))
	case bson.Regex:
		y := b.(bson.Regex)
		return cmpOrdered(x.Pattern+"/"+x.Options, y.Pattern+"/"+y.Options)
	}
	if ca == classNumber {
		return compareNumbers(a, b)
	}
	return 0
}

func equalValues(a, b interface{}) bool {
	na, nb := normalize(a), normalize(b)
	if typeClass(na) != typeClass(nb) {
		return false
	}
	return compareValues(na, nb) == 0
}

// lookup returns the values reachable at path. Arrays along the way fan out
// over their elements; numeric segments also index them.
func lookup(v interface{}, parts []string) []interface{} {
	if len(parts) == 0 {
		return []interface{}{v}
	}
	switch x := v.(type) {
	case bson.D:
		for _, e := range x {
			if e.Key == parts[0] {
				return lookup(e.Value, parts[1:])
			}
		}
	case bson.A:
		var out []interface{}
		if i, err := strconv.Atoi(parts[0]); err == nil {
			if i >= 0 && i < len(x) {
				out = append(out, lookup(x[i], parts[1:])...)
			}
		}
		for _, elem := range x {
			if d, ok := elem.(bson.D); ok {
				out = append(out, lookup(d, parts)...)
			}
		}
		return out
	}
	return nil
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// getPath returns the value stored at a dotted path without fanning out
func getPath(doc bson.D, path string) (interface{}, bool) {
	var cur interface{} = doc
	for _, part := range splitPath(path) {
		switch x := cur.(type) {
		case bson.D:
			found := false
			for _, e := range x {
				if e.Key == part {
					cur, found = e.Value, true
					break
				}
			}
			if !found {
				return nil, false
			}
		case bson.A:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(x) {
				return nil, false
			}
			cur = x[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// setPath stores value at a dotted path, creating documents on the way
func setPath(doc bson.D, path string, value interface{}) (bson.D, error) {
	parts := splitPath(path)
	out, err := setIn(doc, parts, value)
	if err != nil {
		return nil, err
	}
	return out.(bson.D), nil
}

func setIn(container interface{}, parts []string, value interface{}) (interface{}, error) {
	key := parts[0]
	switch x := container.(type) {
	case bson.D:
		out := append(bson.D(nil), x...)
		for i, e := range out {
			if e.Key != key {
				continue
			}
			if len(parts) == 1 {
				out[i].Value = value
				return out, nil
			}
			child, err := setIn(childContainer(e.Value), parts[1:], value)
			if err != nil {
				return nil, err
			}
			out[i].Value = child
			return out, nil
		}
		if len(parts) == 1 {
			return append(out, bson.E{Key: key, Value: value}), nil
		}
		child, err := setIn(bson.D{}, parts[1:], value)
		if err != nil {
			return nil, err
		}
		return append(out, bson.E{Key: key, Value: child}), nil
	case bson.A:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 {
			return nil, errorf("cannot create field %q in array", key)
		}
		out := append(bson.A(nil), x...)
		for len(out) <= i {
			out = append(out, nil)
		}
		if len(parts) == 1 {
			out[i] = value
			return out, nil
		}
		child, err := setIn(childContainer(out[i]), parts[1:], value)
		if err != nil {
			return nil, err
		}
		out[i] = child
		return out, nil
	}
	return nil, errorf("cannot create field %q in a %T value", key, container)
}

func childContainer(v interface{}) interface{} {
	switch v.(type) {
	case bson.D, bson.A:
		return v
	case nil:
		return bson.D{}
	}
	return v
}

// unsetPath removes the value at a dotted path
func unsetPath(doc bson.D, path string) bson.D {
	parts := splitPath(path)
	out, _ := unsetIn(doc, parts).(bson.D)
	return out
}

func unsetIn(container interface{}, parts []string) interface{} {
	switch x := container.(type) {
	case bson.D:
		out := make(bson.D, 0, len(x))
		for _, e := range x {
			if e.Key != parts[0] {
				out = append(out, e)
				continue
			}
			if len(parts) == 1 {
				continue
			}
			out = append(out, bson.E{Key: e.Key, Value: unsetIn(e.Value, parts[1:])})
		}
		return out
	case bson.A:
		i, err := strconv.Atoi(parts[0])
		if err != nil || i < 0 || i >= len(x) {
			return x
		}
		out := append(bson.A(nil), x...)
		if len(parts) == 1 {
			out[i] = nil
			return out
		}
		out[i] = unsetIn(out[i], parts[1:])
		return out
	}
	return container
}

func docToMap(doc bson.D) bson.M {
	m := make(bson.M, len(doc))
	for _, e := range doc {
		m[e.Key] = e.Value
	}
	return m
}

func cloneDoc(doc bson.D) bson.D {
	return normalize(doc).(bson.D)
}
