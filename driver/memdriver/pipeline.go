package memdriver

import (
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// runPipeline evaluates the supported aggregation stages over docs
func runPipeline(docs []bson.D, pipeline []bson.D) ([]bson.D, error) {
	cur := docs
	for i, stage := range pipeline {
		if len(stage) != 1 {
			return nil, errorf("stage %d must have exactly one operator", i)
		}
		name, arg := stage[0].Key, normalize(stage[0].Value)
		var err error
		switch name {
		case "$match":
			filter, ok := arg.(bson.D)
			if !ok {
				return nil, errorf("$match needs a document")
			}
			cur, err = filterDocs(cur, filter)
		case "$sort":
			keys, ok := arg.(bson.D)
			if !ok {
				return nil, errorf("$sort needs a document")
			}
			cur = sortDocs(cur, keys)
		case "$skip":
			n, _ := toInt(arg)
			if n >= int64(len(cur)) {
				cur = nil
			} else if n > 0 {
				cur = cur[n:]
			}
		case "$limit":
			n, _ := toInt(arg)
			if n > 0 && n < int64(len(cur)) {
				cur = cur[:n]
			}
		case "$project":
			proj, ok := arg.(bson.D)
			if !ok {
				return nil, errorf("$project needs a document")
			}
			cur, err = projectStage(cur, proj)
		case "$group":
			spec, ok := arg.(bson.D)
			if !ok {
				return nil, errorf("$group needs a document")
			}
			cur, err = groupStage(cur, spec)
		case "$count":
			field, ok := arg.(string)
			if !ok || field == "" {
				return nil, errorf("$count needs a field name")
			}
			cur = []bson.D{{{Key: field, Value: int32(len(cur))}}}
		case "$unwind":
			cur, err = unwindStage(cur, arg)
		default:
			return nil, errorf("unsupported pipeline stage %s", name)
		}
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func filterDocs(docs []bson.D, filter bson.D) ([]bson.D, error) {
	var out []bson.D
	for _, d := range docs {
		ok, err := matches(d, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func sortDocs(docs []bson.D, keys bson.D) []bson.D {
	out := append([]bson.D(nil), docs...)
	sort.SliceStable(out, func(i, j int) bool {
		for _, k := range keys {
			dir, _ := toInt(k.Value)
			a, _ := getPath(out[i], k.Key)
			b, _ := getPath(out[j], k.Key)
			c := compareSortValues(a, b, dir < 0)
			if c != 0 {
				if dir < 0 {
					return c > 0
				}
				return c < 0
			}
		}
		return false
	})
	return out
}

// compareSortValues compares arrays by their smallest element ascending and
// by their largest descending
func compareSortValues(a, b interface{}, desc bool) int {
	return compareValues(sortKey(a, desc), sortKey(b, desc))
}

func sortKey(v interface{}, desc bool) interface{} {
	arr, ok := v.(bson.A)
	if !ok || len(arr) == 0 {
		return v
	}
	best := arr[0]
	for _, item := range arr[1:] {
		c := compareValues(item, best)
		if (desc && c > 0) || (!desc && c < 0) {
			best = item
		}
	}
	return best
}

func projectStage(docs []bson.D, proj bson.D) ([]bson.D, error) {
	out := make([]bson.D, 0, len(docs))
	for _, d := range docs {
		p, err := project(d, proj)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// project applies an inclusion or exclusion projection; $slice entries
// can accompany either form
func project(doc bson.D, proj bson.D) (bson.D, error) {
	if len(proj) == 0 {
		return doc, nil
	}
	include, exclude := false, false
	idSetting := true
	slices := bson.D{}
	for _, e := range proj {
		if d, ok := e.Value.(bson.D); ok && len(d) == 1 && d[0].Key == "$slice" {
			slices = append(slices, bson.E{Key: e.Key, Value: d[0].Value})
			continue
		}
		if s, ok := e.Value.(string); ok && strings.HasPrefix(s, "$") {
			include = true
			continue
		}
		on := truthy(e.Value)
		if e.Key == "_id" {
			idSetting = on
			continue
		}
		if on {
			include = true
		} else {
			exclude = true
		}
	}
	if include && exclude {
		return nil, errorf("cannot mix inclusion and exclusion in a projection")
	}

	var out bson.D
	switch {
	case include:
		out = bson.D{}
		if idSetting {
			if v, ok := getPath(doc, "_id"); ok {
				out = append(out, bson.E{Key: "_id", Value: v})
			}
		}
		for _, e := range proj {
			if e.Key == "_id" || !truthy(e.Value) {
				continue
			}
			if _, isSlice := e.Value.(bson.D); isSlice {
				continue
			}
			if s, ok := e.Value.(string); ok && strings.HasPrefix(s, "$") {
				if v, found := getPath(doc, s[1:]); found {
					out = append(out, bson.E{Key: e.Key, Value: v})
				}
				continue
			}
			if v, ok := getPath(doc, e.Key); ok {
				var err error
				if out, err = setPath(out, e.Key, v); err != nil {
					return nil, err
				}
			}
		}
		for _, s := range slices {
			if v, ok := getPath(doc, s.Key); ok {
				var err error
				if out, err = setPath(out, s.Key, v); err != nil {
					return nil, err
				}
			}
		}
	default:
		out = cloneDoc(doc)
		for _, e := range proj {
			if e.Key == "_id" {
				if !idSetting {
					out = unsetPath(out, "_id")
				}
				continue
			}
			if _, isSlice := e.Value.(bson.D); isSlice {
				continue
			}
			out = unsetPath(out, e.Key)
		}
	}

	for _, s := range slices {
		v, ok := getPath(out, s.Key)
		arr, isArr := v.(bson.A)
		if !ok || !isArr {
			continue
		}
		sliced, err := sliceArray(arr, s.Value)
		if err != nil {
			return nil, err
		}
		if out, err = setPath(out, s.Key, sliced); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func sliceArray(arr bson.A, arg interface{}) (bson.A, error) {
	n := int64(len(arr))
	var skip, limit int64
	switch v := arg.(type) {
	case bson.A:
		if len(v) != 2 {
			return nil, errorf("$slice needs n or [skip, limit]")
		}
		skip, _ = toInt(v[0])
		limit, _ = toInt(v[1])
		if skip < 0 {
			skip = max(n+skip, 0)
		}
	default:
		count, ok := toInt(v)
		if !ok {
			return nil, errorf("$slice needs n or [skip, limit]")
		}
		if count >= 0 {
			skip, limit = 0, count
		} else {
			skip, limit = max(n+count, 0), -count
		}
	}
	if skip > n {
		skip = n
	}
	end := min(skip+limit, n)
	return append(bson.A(nil), arr[skip:end]...), nil
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

type group struct {
	id   interface{}
	docs []bson.D
}

func groupStage(docs []bson.D, spec bson.D) ([]bson.D, error) {
	var idExpr interface{}
	hasID := false
	for _, e := range spec {
		if e.Key == "_id" {
			idExpr, hasID = e.Value, true
		}
	}
	if !hasID {
		return nil, errorf("$group needs an _id")
	}

	var groups []*group
	for _, d := range docs {
		id, err := evalExpr(d, idExpr)
		if err != nil {
			return nil, err
		}
		var g *group
		for _, existing := range groups {
			if equalValues(existing.id, id) {
				g = existing
				break
			}
		}
		if g == nil {
			g = &group{id: id}
			groups = append(groups, g)
		}
		g.docs = append(g.docs, d)
	}

	out := make([]bson.D, 0, len(groups))
	for _, g := range groups {
		row := bson.D{{Key: "_id", Value: g.id}}
		for _, e := range spec {
			if e.Key == "_id" {
				continue
			}
			acc, ok := e.Value.(bson.D)
			if !ok || len(acc) != 1 {
				return nil, errorf("accumulator %s must be a single operator", e.Key)
			}
			v, err := accumulate(g.docs, acc[0].Key, acc[0].Value)
			if err != nil {
				return nil, err
			}
			row = append(row, bson.E{Key: e.Key, Value: v})
		}
		out = append(out, row)
	}
	return out, nil
}

func accumulate(docs []bson.D, op string, expr interface{}) (interface{}, error) {
	values := make([]interface{}, 0, len(docs))
	for _, d := range docs {
		v, err := evalExpr(d, expr)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	switch op {
	case "$sum", "$avg":
		var total interface{} = int32(0)
		n := 0
		for _, v := range values {
			if typeClass(v) != classNumber {
				continue
			}
			total = arith("$inc", normalizeNumber(total), normalizeNumber(v))
			n++
		}
		if op == "$sum" {
			return total, nil
		}
		if n == 0 {
			return nil, nil
		}
		f, _ := toFloat(total)
		return f / float64(n), nil
	case "$min", "$max":
		var best interface{}
		found := false
		for _, v := range values {
			if v == nil {
				continue
			}
			if !found {
				best, found = v, true
				continue
			}
			c := compareValues(v, best)
			if (op == "$min" && c < 0) || (op == "$max" && c > 0) {
				best = v
			}
		}
		return best, nil
	case "$first":
		if len(values) == 0 {
			return nil, nil
		}
		return values[0], nil
	case "$last":
		if len(values) == 0 {
			return nil, nil
		}
		return values[len(values)-1], nil
	case "$push":
		out := bson.A{}
		for _, v := range values {
			if v != nil {
				out = append(out, v)
			}
		}
		return out, nil
	case "$addToSet":
		out := bson.A{}
		for _, v := range values {
			if v != nil && !containsValue(out, v) {
				out = append(out, v)
			}
		}
		return out, nil
	case "$count":
		return int32(len(values)), nil
	}
	return nil, errorf("unsupported accumulator %s", op)
}

func normalizeNumber(v interface{}) interface{} {
	if i, ok := v.(int32); ok {
		return int64(i)
	}
	return v
}

// evalExpr evaluates the expression subset used by compiled pipelines:
// literals, "$path" references, $cond, $ifNull, $eq and $ne
func evalExpr(doc bson.D, expr interface{}) (interface{}, error) {
	switch x := expr.(type) {
	case string:
		if strings.HasPrefix(x, "$") {
			v, _ := getPath(doc, x[1:])
			return v, nil
		}
		return x, nil
	case bson.D:
		if len(x) == 1 && strings.HasPrefix(x[0].Key, "$") {
			return evalOperator(doc, x[0].Key, x[0].Value)
		}
		out := bson.D{}
		for _, e := range x {
			v, err := evalExpr(doc, e.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, bson.E{Key: e.Key, Value: v})
		}
		return out, nil
	case bson.A:
		out := bson.A{}
		for _, item := range x {
			v, err := evalExpr(doc, item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	return expr, nil
}

func evalOperator(doc bson.D, op string, arg interface{}) (interface{}, error) {
	args, _ := arg.(bson.A)
	eval := func(i int) (interface{}, error) {
		if i >= len(args) {
			return nil, errorf("%s needs %d arguments", op, i+1)
		}
		return evalExpr(doc, args[i])
	}
	switch op {
	case "$cond":
		cond, err := eval(0)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return eval(1)
		}
		return eval(2)
	case "$ifNull":
		v, err := eval(0)
		if err != nil || v != nil {
			return v, err
		}
		return eval(1)
	case "$eq", "$ne":
		a, err := eval(0)
		if err != nil {
			return nil, err
		}
		b, err := eval(1)
		if err != nil {
			return nil, err
		}
		eq := (a == nil && b == nil) || (a != nil && b != nil && equalValues(a, b))
		return eq == (op == "$eq"), nil
	}
	return nil, errorf("unsupported expression %s", op)
}

func unwindStage(docs []bson.D, arg interface{}) ([]bson.D, error) {
	path, ok := arg.(string)
	if !ok {
		if d, isDoc := arg.(bson.D); isDoc {
			for _, e := range d {
				if e.Key == "path" {
					path, ok = e.Value.(string)
				}
			}
		}
	}
	if !ok || !strings.HasPrefix(path, "$") {
		return nil, errorf("$unwind needs a $path")
	}
	path = path[1:]
	var out []bson.D
	for _, d := range docs {
		v, found := getPath(d, path)
		arr, isArr := v.(bson.A)
		if !found || !isArr {
			continue
		}
		for _, item := range arr {
			row, err := setPath(d, path, item)
			if err != nil {
				return nil, err
			}
			out = append(out, row)
		}
	}
	return out, nil
}
