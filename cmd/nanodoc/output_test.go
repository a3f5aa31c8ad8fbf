package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestOutputFormats(t *testing.T) {
	id, err := bson.ObjectIDFromHex("65e1000000000000000000aa")
	if err != nil {
		t.Fatal(err)
	}
	doc := bson.D{{Key: "z", Value: int64(1)}, {Key: "_id", Value: id}, {Key: "a", Value: bson.A{"x", "y"}}}
	t2 := table{headers: []string{"db_name", "value"}, rows: [][]string{{"z", "1"}}}

	tests := []struct {
		format string
		want   string
	}{
		{"json", `{"z":1,"_id":{"$oid":"65e1000000000000000000aa"},"a":["x","y"]}` + "\n"},
		{"yaml", "z: 1\n_id: 65e1000000000000000000aa\na:\n  - x\n  - y\n"},
		{"table", "Db Name  Value\nz        1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var b strings.Builder
			if err := NewOutputFormatter(tt.format, false).Write(&b, doc, t2); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			got := b.String()
			if tt.format == "json" {
				var compact bytes.Buffer
				if err := json.Compact(&compact, []byte(got)); err != nil {
					t.Fatalf("output is not JSON: %v", err)
				}
				got = compact.String() + "\n"
			}
			if got != tt.want {
				t.Errorf("output =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestSortedDocPutsIdentityFirst(t *testing.T) {
	d := sortedDoc(bson.M{"b": 1, "_id": 2, "a": 3})
	var keys []string
	for _, e := range d {
		keys = append(keys, e.Key)
	}
	if strings.Join(keys, ",") != "_id,a,b" {
		t.Errorf("keys = %v", keys)
	}
}

func TestCell(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{nil, ""},
		{"ann", "ann"},
		{int64(3), "3"},
		{bson.A{"a", int32(1)}, `["a",1]`},
		{bson.D{{Key: "age", Value: int32(-1)}}, `{"age":-1}`},
	}
	for _, tt := range tests {
		if got := cell(tt.in); got != tt.want {
			t.Errorf("cell(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
