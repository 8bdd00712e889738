package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("req")
	if !strings.HasPrefix(id, "req_") {
		t.Fatalf("expected req_ prefix, got %s", id)
	}
	if len(id) != len("req_")+32 {
		t.Fatalf("unexpected id length %d: %s", len(id), id)
	}
	if NewID("req") == id {
		t.Fatal("expected unique ids")
	}
	if strings.Contains(NewID(""), "_") {
		t.Fatal("expected bare id without prefix")
	}
}

func TestNormalizeText(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"  12 Main   ST\n", "12 main st"},
		{"Chennai", "chennai"},
		{"\tT. Nagar ,  Chennai", "t. nagar , chennai"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeText(tc.input); got != tc.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{"Medical", " medical ", "", "Boat  Rescue", "transport"})
	want := []string{"medical", "boat rescue", "transport"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
