package testutil

import (
	"errors"
	"fmt"
	"testing"

	"github.com/arthur-debert/nanodoc/nanodoc"
	"github.com/arthur-debert/nanodoc/types"
)

// AssertCount fails unless qs matches want documents
func AssertCount(t *testing.T, qs nanodoc.QuerySet, want int64, context string) {
	t.Helper()
	got, err := qs.Count(t.Context(), false)
	if err != nil {
		t.Fatalf("count %s: %v", context, err)
	}
	if got != want {
		t.Errorf("expected %d %s documents %s, got %d", want, qs.Schema().Name(), context, got)
	}
}

// AssertValues fails unless the field values of docs are want, in order
func AssertValues(t *testing.T, docs []*nanodoc.Document, field string, want ...interface{}) {
	t.Helper()
	got := make([]interface{}, len(docs))
	for i, d := range docs {
		v, err := d.Get(field)
		if err != nil {
			t.Fatalf("get %s: %v", field, err)
		}
		got[i] = v
	}
	if fmt.Sprint(got) != fmt.Sprint([]interface{}(want)) {
		t.Errorf("expected %s values %v, got %v", field, want, got)
	}
}

// AssertQuery runs qs and checks the field values of the result, in order
func AssertQuery(t *testing.T, qs nanodoc.QuerySet, field string, want ...interface{}) {
	t.Helper()
	docs, err := qs.All(t.Context())
	if err != nil {
		t.Fatalf("query %s: %v", qs.Schema().Name(), err)
	}
	AssertValues(t, docs, field, want...)
}

// AssertState fails unless doc is in state want
func AssertState(t *testing.T, doc *nanodoc.Document, want types.State) {
	t.Helper()
	if doc.State() != want {
		t.Errorf("expected document %v to be %v, got %v", doc.Identity(), want, doc.State())
	}
}

// AssertErrorIs fails unless err matches target
func AssertErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Errorf("expected error matching %v, got %v", target, err)
	}
}

// AssertSameDocument fails unless a and b are the same stored document
func AssertSameDocument(t *testing.T, a, b *nanodoc.Document) {
	t.Helper()
	if a == nil || b == nil {
		t.Fatalf("expected documents, got %v and %v", a, b)
	}
	if a.Schema().Collection() != b.Schema().Collection() || fmt.Sprint(a.Identity()) != fmt.Sprint(b.Identity()) {
		t.Errorf("expected the same document, got %s %v and %s %v",
			a.Schema().Name(), a.Identity(), b.Schema().Name(), b.Identity())
	}
}
