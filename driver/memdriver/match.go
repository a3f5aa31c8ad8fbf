package memdriver

import (
	"math"
	"regexp"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
)

const earthRadiusMeters = 6378100.0

// matches evaluates a compiled filter against a stored document
func matches(doc bson.D, filter bson.D) (bool, error) {
	for _, e := range filter {
		ok, err := matchElem(doc, e)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchElem(doc bson.D, e bson.E) (bool, error) {
	switch e.Key {
	case "$and", "$or", "$nor":
		clauses, ok := normalize(e.Value).(bson.A)
		if !ok || len(clauses) == 0 {
			return false, errorf("%s needs a non-empty array", e.Key)
		}
		for _, c := range clauses {
			sub, ok := c.(bson.D)
			if !ok {
				return false, errorf("%s entries must be documents", e.Key)
			}
			m, err := matches(doc, sub)
			if err != nil {
				return false, err
			}
			switch {
			case e.Key == "$and" && !m:
				return false, nil
			case e.Key == "$or" && m:
				return true, nil
			case e.Key == "$nor" && m:
				return false, nil
			}
		}
		return e.Key != "$or", nil
	}
	if strings.HasPrefix(e.Key, "$") {
		return false, errorf("unknown top level operator %s", e.Key)
	}
	return matchPath(lookup(doc, splitPath(e.Key)), normalize(e.Value))
}

// matchPath tests the condition against the values found at one path
func matchPath(values []interface{}, cond interface{}) (bool, error) {
	switch c := cond.(type) {
	case bson.D:
		if isOperatorDoc(c) {
			return matchOperators(values, c)
		}
	case bson.Regex:
		return matchRegex(values, c)
	}
	return matchEqual(values, cond), nil
}

func isOperatorDoc(d bson.D) bool {
	if len(d) == 0 {
		return false
	}
	for _, e := range d {
		if !strings.HasPrefix(e.Key, "$") {
			return false
		}
	}
	return true
}

// expand adds the elements of array values, which scalar operators also
// test
func expand(values []interface{}) []interface{} {
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		out = append(out, v)
		if arr, ok := v.(bson.A); ok {
			out = append(out, arr...)
		}
	}
	return out
}

func matchEqual(values []interface{}, want interface{}) bool {
	if want == nil && len(values) == 0 {
		return true
	}
	for _, v := range expand(values) {
		if equalValues(v, want) {
			return true
		}
	}
	return false
}

func matchOperators(values []interface{}, ops bson.D) (bool, error) {
	var near bson.D
	for _, op := range ops {
		if op.Key == "$near" || op.Key == "$nearSphere" {
			near, _ = op.Value.(bson.D)
			continue
		}
		ok, err := matchOperator(values, op.Key, op.Value, ops)
		if err != nil || !ok {
			return false, err
		}
	}
	if near != nil {
		return matchNear(values, near)
	}
	return true, nil
}

func matchOperator(values []interface{}, op string, arg interface{}, siblings bson.D) (bool, error) {
	switch op {
	case "$eq":
		return matchEqual(values, arg), nil
	case "$ne":
		return !matchEqual(values, arg), nil
	case "$gt", "$gte", "$lt", "$lte":
		for _, v := range expand(values) {
			if typeClass(normalize(v)) != typeClass(arg) {
				continue
			}
			c := compareValues(v, arg)
			if (op == "$gt" && c > 0) || (op == "$gte" && c >= 0) ||
				(op == "$lt" && c < 0) || (op == "$lte" && c <= 0) {
				return true, nil
			}
		}
		return false, nil
	case "$in", "$nin":
		list, ok := arg.(bson.A)
		if !ok {
			return false, errorf("%s needs an array", op)
		}
		found := false
		for _, want := range list {
			if re, isRe := want.(bson.Regex); isRe {
				if m, _ := matchRegex(values, re); m {
					found = true
				}
			} else if matchEqual(values, want) {
				found = true
			}
			if found {
				break
			}
		}
		return found == (op == "$in"), nil
	case "$all":
		list, ok := arg.(bson.A)
		if !ok {
			return false, errorf("$all needs an array")
		}
		if len(list) == 0 {
			return false, nil
		}
		for _, want := range list {
			if !matchEqual(values, want) {
				return false, nil
			}
		}
		return true, nil
	case "$size":
		n, ok := toInt(arg)
		if !ok {
			return false, errorf("$size needs a number")
		}
		for _, v := range values {
			if arr, isArr := v.(bson.A); isArr && int64(len(arr)) == n {
				return true, nil
			}
		}
		return false, nil
	case "$exists":
		want, _ := arg.(bool)
		return (len(values) > 0) == want, nil
	case "$type":
		for _, v := range expand(values) {
			if arg == "number" && typeClass(normalize(v)) == classNumber {
				return true, nil
			}
			if typeName(v) == arg || typeNumber(v) == numberOf(arg) {
				return true, nil
			}
		}
		return false, nil
	case "$mod":
		parts, ok := arg.(bson.A)
		if !ok || len(parts) != 2 {
			return false, errorf("$mod needs [divisor, remainder]")
		}
		d, _ := toInt(parts[0])
		r, _ := toInt(parts[1])
		if d == 0 {
			return false, errorf("$mod divisor cannot be zero")
		}
		for _, v := range expand(values) {
			if n, isNum := toFloat(v); isNum && typeClass(normalize(v)) == classNumber {
				if int64(n)%d == r {
					return true, nil
				}
			}
		}
		return false, nil
	case "$regex":
		re, err := regexArg(arg, siblings)
		if err != nil {
			return false, err
		}
		return matchRegex(values, re)
	case "$options":
		return true, nil
	case "$not":
		switch inner := arg.(type) {
		case bson.Regex:
			m, err := matchRegex(values, inner)
			return !m, err
		case bson.D:
			m, err := matchOperators(values, inner)
			return !m, err
		}
		return false, errorf("$not needs a regex or an operator document")
	case "$elemMatch":
		cond, ok := arg.(bson.D)
		if !ok {
			return false, errorf("$elemMatch needs a document")
		}
		for _, v := range values {
			arr, isArr := v.(bson.A)
			if !isArr {
				continue
			}
			for _, elem := range arr {
				m, err := matchElement(elem, cond)
				if err != nil {
					return false, err
				}
				if m {
					return true, nil
				}
			}
		}
		return false, nil
	case "$geoWithin":
		return matchWithin(values, arg)
	case "$maxDistance", "$minDistance":
		// folded into $near by matchNear
		return true, nil
	}
	return false, errorf("unsupported operator %s", op)
}

// matchElement evaluates an $elemMatch condition against one array element
func matchElement(elem interface{}, cond bson.D) (bool, error) {
	switch {
	case !isOperatorDoc(cond):
	case cond[0].Key == "$and", cond[0].Key == "$or", cond[0].Key == "$nor":
	default:
		return matchOperators([]interface{}{elem}, cond)
	}
	doc, ok := elem.(bson.D)
	if !ok {
		return false, nil
	}
	return matches(doc, cond)
}

func regexArg(arg interface{}, siblings bson.D) (bson.Regex, error) {
	switch v := arg.(type) {
	case bson.Regex:
		return v, nil
	case string:
		re := bson.Regex{Pattern: v}
		for _, s := range siblings {
			if s.Key == "$options" {
				re.Options, _ = s.Value.(string)
			}
		}
		return re, nil
	}
	return bson.Regex{}, errorf("$regex needs a pattern")
}

var regexCache sync.Map

func compileRegex(re bson.Regex) (*regexp.Regexp, error) {
	key := re.Options + "/" + re.Pattern
	if cached, ok := regexCache.Load(key); ok {
		return cached.(*regexp.Regexp), nil
	}
	flags := ""
	for _, o := range re.Options {
		switch o {
		case 'i', 'm', 's':
			flags += string(o)
		}
	}
	pattern := re.Pattern
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errorf("invalid regex %q: %v", re.Pattern, err)
	}
	regexCache.Store(key, compiled)
	return compiled, nil
}

func matchRegex(values []interface{}, re bson.Regex) (bool, error) {
	compiled, err := compileRegex(re)
	if err != nil {
		return false, err
	}
	for _, v := range expand(values) {
		if s, ok := v.(string); ok && compiled.MatchString(s) {
			return true, nil
		}
	}
	return false, nil
}

var typeNames = map[int]string{
	classNull:     "null",
	classString:   "string",
	classDocument: "object",
	classArray:    "array",
	classBinary:   "binData",
	classObjectID: "objectId",
	classBool:     "bool",
	classDate:     "date",
	classRegex:    "regex",
}

func typeName(v interface{}) string {
	v = normalize(v)
	switch v.(type) {
	case int32:
		return "int"
	case int64:
		return "long"
	case float64:
		return "double"
	case bson.Decimal128:
		return "decimal"
	}
	return typeNames[typeClass(v)]
}

var typeNumbers = map[string]int64{
	"double": 1, "string": 2, "object": 3, "array": 4, "binData": 5,
	"objectId": 7, "bool": 8, "date": 9, "null": 10, "regex": 11,
	"int": 16, "long": 18, "decimal": 19,
}

func typeNumber(v interface{}) int64 {
	return typeNumbers[typeName(v)]
}

func numberOf(arg interface{}) int64 {
	if n, ok := toInt(arg); ok {
		return n
	}
	if s, ok := arg.(string); ok {
		if n, known := typeNumbers[s]; known {
			return n
		}
		return -1
	}
	return 0
}

// point extracts [lng, lat] from a GeoJSON point or a legacy pair
func point(v interface{}) (lng, lat float64, ok bool) {
	switch x := v.(type) {
	case bson.D:
		for _, e := range x {
			if e.Key == "coordinates" {
				return point(e.Value)
			}
		}
	case bson.A:
		if len(x) != 2 {
			return 0, 0, false
		}
		lng, ok1 := toFloat(x[0])
		lat, ok2 := toFloat(x[1])
		return lng, lat, ok1 && ok2
	}
	return 0, 0, false
}

func haversine(lng1, lat1, lng2, lat2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * math.Asin(math.Min(1, math.Sqrt(a)))
}

// nearCenter reads the $geometry point and distance limits of a $near
// document
func nearCenter(near bson.D) (lng, lat float64, maxD, minD float64, err error) {
	maxD, minD = math.Inf(1), 0
	found := false
	for _, e := range near {
		switch e.Key {
		case "$geometry":
			lng, lat, found = point(e.Value)
		case "$maxDistance":
			maxD, _ = toFloat(e.Value)
		case "$minDistance":
			minD, _ = toFloat(e.Value)
		}
	}
	if !found {
		if l1, l2, ok := point(near); ok {
			lng, lat, found = l1, l2, true
		}
	}
	if !found {
		return 0, 0, 0, 0, errorf("$near needs a $geometry point")
	}
	return lng, lat, maxD, minD, nil
}

func matchNear(values []interface{}, near bson.D) (bool, error) {
	lng, lat, maxD, minD, err := nearCenter(near)
	if err != nil {
		return false, err
	}
	for _, v := range values {
		plng, plat, ok := point(v)
		if !ok {
			continue
		}
		d := haversine(lng, lat, plng, plat) * earthRadiusMeters
		if d <= maxD && d >= minD {
			return true, nil
		}
	}
	return false, nil
}

func matchWithin(values []interface{}, arg interface{}) (bool, error) {
	shape, ok := arg.(bson.D)
	if !ok || len(shape) != 1 {
		return false, errorf("$geoWithin needs one shape")
	}
	test := func(lng, lat float64) bool { return false }
	switch shape[0].Key {
	case "$box":
		corners, _ := shape[0].Value.(bson.A)
		if len(corners) != 2 {
			return false, errorf("$box needs two corners")
		}
		x1, y1, ok1 := point(corners[0])
		x2, y2, ok2 := point(corners[1])
		if !ok1 || !ok2 {
			return false, errorf("$box corners must be points")
		}
		test = func(lng, lat float64) bool {
			return lng >= math.Min(x1, x2) && lng <= math.Max(x1, x2) &&
				lat >= math.Min(y1, y2) && lat <= math.Max(y1, y2)
		}
	case "$centerSphere":
		parts, _ := shape[0].Value.(bson.A)
		if len(parts) != 2 {
			return false, errorf("$centerSphere needs [center, radius]")
		}
		cx, cy, okC := point(parts[0])
		r, okR := toFloat(parts[1])
		if !okC || !okR {
			return false, errorf("$centerSphere needs a point and a radius")
		}
		test = func(lng, lat float64) bool { return haversine(cx, cy, lng, lat) <= r }
	case "$geometry":
		ring, err := polygonRing(shape[0].Value)
		if err != nil {
			return false, err
		}
		test = func(lng, lat float64) bool { return inPolygon(ring, lng, lat) }
	default:
		return false, errorf("unsupported shape %s", shape[0].Key)
	}
	for _, v := range values {
		if lng, lat, ok := point(v); ok && test(lng, lat) {
			return true, nil
		}
	}
	return false, nil
}

func polygonRing(v interface{}) ([][2]float64, error) {
	geom, ok := v.(bson.D)
	if !ok {
		return nil, errorf("$geometry needs a document")
	}
	var coords bson.A
	for _, e := range geom {
		if e.Key == "coordinates" {
			coords, _ = e.Value.(bson.A)
		}
	}
	if len(coords) == 0 {
		return nil, errorf("polygon needs coordinates")
	}
	outer, _ := coords[0].(bson.A)
	ring := make([][2]float64, 0, len(outer))
	for _, p := range outer {
		lng, lat, ok := point(p)
		if !ok {
			return nil, errorf("polygon vertices must be points")
		}
		ring = append(ring, [2]float64{lng, lat})
	}
	return ring, nil
}

// inPolygon is an even-odd ray cast on planar coordinates
func inPolygon(ring [][2]float64, x, y float64) bool {
	in := false
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			in = !in
		}
	}
	return in
}

// nearSort finds the first $near condition of a filter, used to order
// results by distance
func nearSort(filter bson.D) (path string, lng, lat float64, ok bool) {
	for _, e := range filter {
		ops, isDoc := e.Value.(bson.D)
		if !isDoc || !isOperatorDoc(ops) {
			continue
		}
		for _, op := range ops {
			if op.Key != "$near" && op.Key != "$nearSphere" {
				continue
			}
			near, _ := op.Value.(bson.D)
			l1, l2, _, _, err := nearCenter(near)
			if err == nil {
				return e.Key, l1, l2, true
			}
		}
	}
	return "", 0, 0, false
}
