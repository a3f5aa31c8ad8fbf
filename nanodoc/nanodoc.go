// Package nanodoc ties schemas, the query compiler and drivers together.
//
// A Registry maps connection aliases to drivers. Documents are created from
// a schema with New, validated and written with Save, and removed with
// Delete; hooks registered on the schema fire around both. Reads start from
// Objects, which returns an immutable QuerySet:
//
//	adults, err := nanodoc.Objects(users).
//		Filter(query.Q{"age__gte": 18}).
//		OrderBy("-age").
//		All(ctx)
//
// Each terminal QuerySet method compiles the current state and runs it
// through the driver of the query set's alias.
package nanodoc
