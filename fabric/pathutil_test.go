package fabric

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSetDotted(t *testing.T) {
	root := Schema{}
	setDotted(root, "a", 1)
	setDotted(root, "b.c", 2)
	setDotted(root, "b.d", 3)
	setDotted(root, "list.0", "x")
	setDotted(root, "list.2", "z")
	setDotted(root, "deep.0.name", "first")

	want := Schema{
		"a": 1,
		"b": Schema{"c": 2, "d": 3},
		"list": []any{"x", nil, "z"},
		"deep": []any{Schema{"name": "first"}},
	}
	if diff := cmp.Diff(want, root); diff != "" {
		t.Errorf("Materialized tree (-want, +got):\n%s", diff)
	}
}

func TestGetDotted(t *testing.T) {
	root := Schema{
		"a": Schema{"b": Schema{"c": 42}},
		"arr": []any{"zero", Schema{"k": "v"}},
	}

	tests := []struct {
		path   string
		want   any
		wantOK bool
	}{
		{"a.b.c", 42, true},
		{"a.b", Schema{"c": 42}, true},
		{"arr.0", "zero", true},
		{"arr.1.k", "v", true},
		{"a.b.missing", nil, false},
		{"arr.7", nil, false},
		{"arr.x", nil, false},
		{"a.b.c.d", nil, false},
	}
	for _, test := range tests {
		got, ok := getDotted(root, test.path)
		if ok != test.wantOK {
			t.Errorf("getDotted(%q): reported %v, want %v", test.path, ok, test.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("getDotted(%q) (-want, +got):\n%s", test.path, diff)
		}
	}
}

func TestSplitDotted(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a.b.c", []string{"a", "b", "c"}},
		{"math.add", []string{"math", "add"}},
	}
	for _, test := range tests {
		if diff := cmp.Diff(test.want, splitDotted(test.path)); diff != "" {
			t.Errorf("splitDotted(%q) (-want, +got):\n%s", test.path, diff)
		}
	}
}
