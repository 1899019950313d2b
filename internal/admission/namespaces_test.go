package admission

import "testing"

func TestNamespaceMatcher(t *testing.T) {
	m, err := NewNamespaceMatcher([]string{" kube-* ", "", "cert-manager", "team-?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]bool{
		"kube-system":  true,
		"kube-public":  true,
		"cert-manager": true,
		"team-a":       true,
		"team-ab":      false,
		"default":      false,
	}
	for ns, want := range cases {
		if _, got := m.Match(ns); got != want {
			t.Fatalf("Match(%q): expected %t, got %t", ns, want, got)
		}
	}
	if got := m.Patterns(); len(got) != 3 {
		t.Fatalf("expected blank patterns to be dropped, got %v", got)
	}
}

func TestNamespaceMatcherInvalidPattern(t *testing.T) {
	if _, err := NewNamespaceMatcher([]string{"test-["}); err == nil {
		t.Fatalf("expected error for invalid pattern")
	}
}

func TestNilNamespaceMatcher(t *testing.T) {
	var m *NamespaceMatcher
	if _, ok := m.Match("default"); ok {
		t.Fatalf("expected nil matcher to match nothing")
	}
}
