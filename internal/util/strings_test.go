package util

import (
	"reflect"
	"testing"
)

func TestTrimHelpers(t *testing.T) {
	if got := TrimAndLower("  OverRide "); got != "override" {
		t.Fatalf("TrimAndLower = %q", got)
	}
	if v, ok := TrimEmptyCheck("   "); ok || v != "" {
		t.Fatalf("expected empty, got %q ok=%v", v, ok)
	}
	if v, ok := TrimEmptyCheck(" x "); !ok || v != "x" {
		t.Fatalf("expected x, got %q ok=%v", v, ok)
	}
	if got := TrimWithDefault(" ", "def"); got != "def" {
		t.Fatalf("TrimWithDefault = %q", got)
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" localhost, ,*.corp,,127.0.0.1 ", ",")
	want := []string{"localhost", "*.corp", "127.0.0.1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SplitList = %#v", got)
	}
	if got := SplitList("", ","); len(got) != 0 {
		t.Fatalf("expected empty list, got %#v", got)
	}
}

func TestTrimStructFields(t *testing.T) {
	s := struct {
		Host  string
		Port  int
		inner string
	}{Host: " db ", Port: 5, inner: " x "}
	TrimStructFields(&s)
	if s.Host != "db" || s.inner != " x " {
		t.Fatalf("unexpected result %+v", s)
	}
}
