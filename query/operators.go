package query

import (
	"strings"
)

// operators lists every lookup operator. The value is the wire operator for
// the simple comparison forms.
var operators = map[string]string{
	"exact":           "",
	"iexact":          "$regex",
	"ne":              "$ne",
	"gt":              "$gt",
	"gte":             "$gte",
	"lt":              "$lt",
	"lte":             "$lte",
	"in":              "$in",
	"nin":             "$nin",
	"mod":             "$mod",
	"all":             "$all",
	"size":            "$size",
	"exists":          "$exists",
	"type":            "$type",
	"match":           "$elemMatch",
	"elem_match":      "$elemMatch",
	"contains":        "$regex",
	"icontains":       "$regex",
	"startswith":      "$regex",
	"istartswith":     "$regex",
	"endswith":        "$regex",
	"iendswith":       "$regex",
	"regex":           "$regex",
	"iregex":          "$regex",
	"wholeword":       "$regex",
	"iwholeword":      "$regex",
	"near":            "$near",
	"max_distance":    "$maxDistance",
	"min_distance":    "$minDistance",
	"within_box":      "$geoWithin",
	"within_polygon":  "$geoWithin",
	"within_distance": "$geoWithin",
}

// IsOperator reports whether name is a lookup operator
func IsOperator(name string) bool {
	_, ok := operators[name]
	return ok
}

// lookup is a parsed Q key
type lookup struct {
	key     string
	parts   []string // field path segments
	op      string   // "exact" when no operator was given
	negated bool     // the key used the not prefix
}

// parseLookup splits a Q key into path segments, operator and negation.
// A trailing empty segment ("type__") escapes operator-like field names.
func parseLookup(key string) lookup {
	parts := strings.Split(key, "__")
	l := lookup{key: key, op: "exact"}
	n := len(parts)
	switch {
	case n > 1 && parts[n-1] == "":
		parts = parts[:n-1]
	case n > 1 && IsOperator(parts[n-1]):
		l.op = parts[n-1]
		parts = parts[:n-1]
		if len(parts) > 1 && parts[len(parts)-1] == "not" {
			l.negated = true
			parts = parts[:len(parts)-1]
		}
	case n > 1 && parts[n-1] == "not":
		// "field__not" negates equality
		l.negated = true
		parts = parts[:n-1]
	}
	l.parts = parts
	return l
}
