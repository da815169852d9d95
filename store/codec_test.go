//go:build cgo

package store

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Alice Smith", "alice smith"},
		{"  ACME\tCorp \n", "acme corp"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeText(tt.in); got != tt.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStringSetScanValidatesShape(t *testing.T) {
	var s StringSet
	if err := s.Scan(`["b","a","b"]`); err != nil {
		t.Fatalf("scanning valid array: %v", err)
	}
	if !reflect.DeepEqual(s, StringSet{"a", "b"}) {
		t.Errorf("got %v, want [a b]", s)
	}

	for _, bad := range []any{`{"a":1}`, `["a", 2]`, `not json`, 42} {
		var x StringSet
		if err := x.Scan(bad); err == nil {
			t.Errorf("Scan(%v) succeeded, want shape error", bad)
		}
	}

	var empty StringSet
	if err := empty.Scan(nil); err != nil || len(empty) != 0 {
		t.Errorf("Scan(nil) = %v, %v", empty, err)
	}
}

func TestStringSetValue(t *testing.T) {
	v, err := StringSet{"z", "a", "a"}.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if v != `["a","z"]` {
		t.Errorf("Value = %v, want [\"a\",\"z\"]", v)
	}
	v, _ = StringSet(nil).Value()
	if v != "[]" {
		t.Errorf("nil Value = %v, want []", v)
	}
}

func TestStringSetOps(t *testing.T) {
	s := NewStringSet("b", "", "a")
	if !s.Contains("a") || s.Contains("") {
		t.Errorf("Contains misbehaves on %v", s)
	}
	if got := s.Union("c", "a"); !reflect.DeepEqual(got, StringSet{"a", "b", "c"}) {
		t.Errorf("Union = %v", got)
	}
	if got := s.Without("a"); !reflect.DeepEqual(got, StringSet{"b"}) {
		t.Errorf("Without = %v", got)
	}
}

func TestMetadataScanRequiresObject(t *testing.T) {
	var m Metadata
	if err := m.Scan([]byte(`{"external_links":[{"source_database":"x"}]}`)); err != nil {
		t.Fatalf("scanning object: %v", err)
	}
	if _, ok := m["external_links"]; !ok {
		t.Errorf("missing key in %v", m)
	}
	var bad Metadata
	if err := bad.Scan(`[1,2]`); err == nil {
		t.Error("expected error for JSON array metadata")
	}
}

func TestChooseCanonical(t *testing.T) {
	tests := []struct {
		name  string
		forms []SurfaceForm
		want  string
	}{
		{"most frequent", []SurfaceForm{{"Acme", 0.5}, {"ACME", 0.9}, {"Acme", 0.5}}, "Acme"},
		{"confidence breaks tie", []SurfaceForm{{"Acme", 0.5}, {"ACME", 0.9}}, "ACME"},
		{"lexical breaks tie", []SurfaceForm{{"b", 0.5}, {"a", 0.5}}, "a"},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChooseCanonical(tt.forms); got != tt.want {
				t.Errorf("ChooseCanonical = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDocumentEvidenceCodec(t *testing.T) {
	var d DocumentEvidence
	if err := d.Scan(`{"a":2,"b":1}`); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if d.Total() != 3 {
		t.Errorf("Total = %d, want 3", d.Total())
	}
	merged := d.Merge(DocumentEvidence{"b": 2, "c": 1})
	if merged["a"] != 2 || merged["b"] != 3 || merged["c"] != 1 || d["b"] != 1 {
		t.Errorf("Merge = %v (source %v)", merged, d)
	}
	v, err := DocumentEvidence(nil).Value()
	if err != nil || v != "{}" {
		t.Errorf("nil Value = %v, %v", v, err)
	}
	if err := d.Scan(42); err == nil {
		t.Error("expected error scanning a non-text value")
	}
}

func TestWithFTS5Hint(t *testing.T) {
	base := errors.New("no such module: fts5")
	err := withFTS5Hint(base)
	if !errors.Is(err, base) {
		t.Errorf("hint lost the wrapped error: %v", err)
	}
	if !strings.Contains(err.Error(), "-tags sqlite_fts5") {
		t.Errorf("err = %q, want the build tag named", err)
	}

	other := errors.New("disk I/O error")
	if got := withFTS5Hint(other); got != other {
		t.Errorf("unrelated error rewritten: %v", got)
	}
	if withFTS5Hint(nil) != nil {
		t.Error("nil error should stay nil")
	}
}
