package query

import (
	"sort"
	"strings"

	"github.com/arthur-debert/nanodoc/schema"
	"github.com/arthur-debert/nanodoc/types"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Update is a set of update lookups. A key is an optional update operator
// followed by a field path, e.g. "inc__views" or "push__tags"; keys without
// an operator set the field.
type Update map[string]interface{}

var updateOperators = map[string]string{
	"set":           "$set",
	"set_on_insert": "$setOnInsert",
	"unset":         "$unset",
	"inc":           "$inc",
	"dec":           "$inc",
	"mul":           "$mul",
	"min":           "$min",
	"max":           "$max",
	"push":          "$push",
	"push_all":      "$push",
	"add_to_set":    "$addToSet",
	"pull":          "$pull",
	"pull_all":      "$pullAll",
	"pop":           "$pop",
	"rename":        "$rename",
}

// IsUpdateOperator reports whether name is an update operator
func IsUpdateOperator(name string) bool {
	_, ok := updateOperators[name]
	return ok
}

// CompileUpdate compiles update lookups into an update document. Operators
// appear in sorted order and so do the paths inside each operator.
func CompileUpdate(s *schema.Schema, u Update) (bson.D, error) {
	if len(u) == 0 {
		return nil, types.NewOperationError("update", "no updates given")
	}
	keys := make([]string, 0, len(u))
	for k := range u {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	byOp := map[string]bson.D{}
	touched := map[string]string{}
	for _, key := range keys {
		op, parts := splitUpdateKey(key)
		path, err := s.Resolve(parts)
		if err != nil {
			return nil, err
		}
		p := path.String()
		if p == types.IDKey {
			return nil, types.NewOperationError("update", "the identity of %s cannot be updated", s.Name())
		}
		wireOp, value, err := prepareUpdate(s, key, op, path.Field(), u[key])
		if err != nil {
			return nil, err
		}
		if prev, ok := touched[p]; ok {
			return nil, types.NewOperationError("update", "%s and %s both update %s", prev, key, p)
		}
		touched[p] = key
		byOp[wireOp] = append(byOp[wireOp], bson.E{Key: p, Value: value})
	}

	ops := make([]string, 0, len(byOp))
	for op := range byOp {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	out := make(bson.D, 0, len(ops))
	for _, op := range ops {
		doc := byOp[op]
		sort.SliceStable(doc, func(i, j int) bool { return doc[i].Key < doc[j].Key })
		out = append(out, bson.E{Key: op, Value: doc})
	}
	return out, nil
}

func splitUpdateKey(key string) (string, []string) {
	parts := strings.Split(key, "__")
	if len(parts) > 1 && IsUpdateOperator(parts[0]) {
		return parts[0], parts[1:]
	}
	return "set", parts
}

func prepareUpdate(s *schema.Schema, key, op string, f schema.Field, raw interface{}) (string, interface{}, error) {
	wireOp := updateOperators[op]
	switch op {
	case "set", "set_on_insert", "min", "max":
		if raw == nil {
			if op == "set" {
				return "$unset", "", nil
			}
			return wireOp, nil, nil
		}
		w, err := prepareValue(f, raw)
		return wireOp, w, err

	case "unset":
		return wireOp, "", nil

	case "inc", "dec", "mul":
		if f != nil {
			switch f.Kind() {
			case schema.KindInt, schema.KindFloat, schema.KindDecimal, schema.KindDynamic:
			default:
				return "", nil, types.NewFieldError(s.Name(), key, "%s needs a numeric field, not %s", op, f.Kind())
			}
		}
		if op == "dec" {
			neg, ok := negate(raw)
			if !ok {
				return "", nil, types.NewFieldError(s.Name(), key, "dec needs a number, got %T", raw)
			}
			raw = neg
		}
		w, err := prepareOperand(f, raw)
		return wireOp, w, err

	case "push", "add_to_set", "pull":
		inner := elementField(f)
		if items, ok := schema.SliceValues(raw); ok && op != "pull" {
			each, err := prepareEach(inner, items)
			if err != nil {
				return "", nil, err
			}
			return wireOp, bson.D{{Key: "$each", Value: each}}, nil
		}
		w, err := prepareValue(inner, raw)
		return wireOp, w, err

	case "push_all", "pull_all":
		items, ok := schema.SliceValues(raw)
		if !ok {
			return "", nil, types.NewFieldError(s.Name(), key, "%s needs a list, got %T", op, raw)
		}
		each, err := prepareEach(elementField(f), items)
		if err != nil {
			return "", nil, err
		}
		if op == "push_all" {
			return wireOp, bson.D{{Key: "$each", Value: each}}, nil
		}
		return wireOp, each, nil

	case "pop":
		n, ok := asInt64(raw)
		if !ok || (n != 1 && n != -1) {
			return "", nil, types.NewFieldError(s.Name(), key, "pop needs 1 (last) or -1 (first)")
		}
		return wireOp, n, nil

	case "rename":
		name, ok := raw.(string)
		if !ok || name == "" {
			return "", nil, types.NewFieldError(s.Name(), key, "rename needs the new field name")
		}
		if path, err := s.ResolveDotted(name); err == nil {
			name = path.String()
		}
		return wireOp, name, nil
	}
	return "", nil, types.NewOperationError("update", "unknown update operator %q", op)
}

// prepareValue coerces, validates and encodes a stored value
func prepareValue(f schema.Field, raw interface{}) (interface{}, error) {
	if f == nil {
		return raw, nil
	}
	v, err := f.Coerce(raw)
	if err != nil {
		return nil, err
	}
	if err := f.Validate(v); err != nil {
		return nil, err
	}
	return f.ToWire(v)
}

// prepareOperand encodes an operand without enforcing field constraints
func prepareOperand(f schema.Field, raw interface{}) (interface{}, error) {
	if f == nil {
		return raw, nil
	}
	v, err := f.Coerce(raw)
	if err != nil {
		return nil, err
	}
	return f.ToWire(v)
}

func prepareEach(f schema.Field, items []interface{}) (bson.A, error) {
	out := make(bson.A, 0, len(items))
	for _, item := range items {
		w, err := prepareValue(f, item)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func elementField(f schema.Field) schema.Field {
	if list, ok := f.(*schema.ListField); ok {
		return list.Inner()
	}
	return nil
}

func negate(v interface{}) (interface{}, bool) {
	switch n := v.(type) {
	case int:
		return -n, true
	case int32:
		return -n, true
	case int64:
		return -n, true
	case float32:
		return -n, true
	case float64:
		return -n, true
	case decimal.Decimal:
		return n.Neg(), true
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return nil, false
		}
		return d.Neg().String(), true
	}
	return nil, false
}
