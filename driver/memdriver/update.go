package memdriver

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

// applyUpdate returns a copy of doc with the update operators applied
func applyUpdate(doc bson.D, update bson.D) (bson.D, error) {
	out := cloneDoc(doc)
	if len(update) == 0 || !isOperatorDoc(update) {
		return nil, errorf("update document must contain only $ operators")
	}
	for _, op := range update {
		fields, ok := normalize(op.Value).(bson.D)
		if !ok {
			return nil, errorf("%s needs a document", op.Key)
		}
		for _, f := range fields {
			if f.Key == "_id" && op.Key != "$setOnInsert" {
				return nil, errorf("the _id field cannot be updated")
			}
			var err error
			out, err = applyOperator(out, op.Key, f.Key, f.Value)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func applyOperator(doc bson.D, op, path string, arg interface{}) (bson.D, error) {
	current, exists := getPath(doc, path)
	switch op {
	case "$set":
		return setPath(doc, path, arg)
	case "$setOnInsert":
		// only applies to inserts, which updates never perform here
		return doc, nil
	case "$unset":
		return unsetPath(doc, path), nil
	case "$inc", "$mul":
		if typeClass(arg) != classNumber {
			return nil, errorf("%s needs a number for %s", op, path)
		}
		if !exists || current == nil {
			if op == "$mul" {
				return setPath(doc, path, zeroLike(arg))
			}
			return setPath(doc, path, arg)
		}
		if typeClass(current) != classNumber {
			return nil, errorf("cannot apply %s to non-numeric field %s", op, path)
		}
		return setPath(doc, path, arith(op, current, arg))
	case "$min", "$max":
		if !exists {
			return setPath(doc, path, arg)
		}
		c := compareValues(arg, current)
		if (op == "$min" && c < 0) || (op == "$max" && c > 0) {
			return setPath(doc, path, arg)
		}
		return doc, nil
	case "$push", "$addToSet":
		arr, err := arrayAt(current, exists, path)
		if err != nil {
			return nil, err
		}
		items := bson.A{arg}
		if d, ok := arg.(bson.D); ok && len(d) > 0 && d[0].Key == "$each" {
			each, ok := d[0].Value.(bson.A)
			if !ok {
				return nil, errorf("$each needs an array")
			}
			items = each
		}
		for _, item := range items {
			if op == "$addToSet" && containsValue(arr, item) {
				continue
			}
			arr = append(arr, item)
		}
		return setPath(doc, path, arr)
	case "$pull", "$pullAll":
		if !exists {
			return doc, nil
		}
		arr, err := arrayAt(current, exists, path)
		if err != nil {
			return nil, err
		}
		kept := bson.A{}
		for _, item := range arr {
			remove := false
			if op == "$pullAll" {
				list, _ := arg.(bson.A)
				remove = containsValue(list, item)
			} else if cond, ok := arg.(bson.D); ok && isOperatorDoc(cond) {
				m, err := matchOperators([]interface{}{item}, cond)
				if err != nil {
					return nil, err
				}
				remove = m
			} else {
				remove = equalValues(item, arg)
			}
			if !remove {
				kept = append(kept, item)
			}
		}
		return setPath(doc, path, kept)
	case "$pop":
		if !exists {
			return doc, nil
		}
		arr, err := arrayAt(current, exists, path)
		if err != nil {
			return nil, err
		}
		if len(arr) == 0 {
			return doc, nil
		}
		n, _ := toInt(arg)
		if n < 0 {
			arr = arr[1:]
		} else {
			arr = arr[:len(arr)-1]
		}
		return setPath(doc, path, arr)
	case "$rename":
		target, ok := arg.(string)
		if !ok || target == "" {
			return nil, errorf("$rename needs a field name")
		}
		if !exists {
			return doc, nil
		}
		doc = unsetPath(doc, path)
		return setPath(doc, target, current)
	}
	return nil, errorf("unsupported update operator %s", op)
}

func arrayAt(current interface{}, exists bool, path string) (bson.A, error) {
	if !exists || current == nil {
		return bson.A{}, nil
	}
	arr, ok := current.(bson.A)
	if !ok {
		return nil, errorf("field %s is not an array", path)
	}
	return append(bson.A(nil), arr...), nil
}

func containsValue(list bson.A, v interface{}) bool {
	for _, item := range list {
		if equalValues(item, v) {
			return true
		}
	}
	return false
}

func zeroLike(v interface{}) interface{} {
	switch v.(type) {
	case int32:
		return int32(0)
	case int64:
		return int64(0)
	case bson.Decimal128:
		z, _ := bson.ParseDecimal128("0")
		return z
	}
	return 0.0
}

func arith(op string, a, b interface{}) interface{} {
	_, decA := a.(bson.Decimal128)
	_, decB := b.(bson.Decimal128)
	if decA || decB {
		da, _ := toDecimal(a)
		db, _ := toDecimal(b)
		r := da.Add(db)
		if op == "$mul" {
			r = da.Mul(db)
		}
		out, err := bson.ParseDecimal128(r.String())
		if err != nil {
			return a
		}
		return out
	}
	ia, intA := toIntStrict(a)
	ib, intB := toIntStrict(b)
	if intA && intB {
		if op == "$mul" {
			return ia * ib
		}
		return ia + ib
	}
	fa, _ := toFloat(a)
	fb, _ := toFloat(b)
	if op == "$mul" {
		return fa * fb
	}
	return fa + fb
}

func toIntStrict(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}
