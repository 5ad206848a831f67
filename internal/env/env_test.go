package env

import (
	"strings"
	"testing"
)

func toMap(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m
}

func TestMergePrecedence(t *testing.T) {
	t.Setenv("ORBIT_ENV_TEST", "from-os")
	e := New()
	e.Set("ORBIT_OVERRIDE", "cfg")
	got := toMap(e.Merge([]string{"ORBIT_OVERRIDE=launch", "ORBIT_NEW=${ORBIT_ENV_TEST}/x"}))

	if got["ORBIT_ENV_TEST"] != "from-os" {
		t.Fatalf("expected inherited value, got %q", got["ORBIT_ENV_TEST"])
	}
	if got["ORBIT_OVERRIDE"] != "launch" {
		t.Fatalf("per-launch entries must win, got %q", got["ORBIT_OVERRIDE"])
	}
	if got["ORBIT_NEW"] != "from-os/x" {
		t.Fatalf("expected expansion, got %q", got["ORBIT_NEW"])
	}
}

func TestIsolatedDoesNotInherit(t *testing.T) {
	t.Setenv("ORBIT_ENV_LEAK", "1")
	e := Isolated()
	e.SetPairs([]string{"A=1", "broken", " B =2"})
	got := e.Merge(nil)
	if len(got) != 2 || got[0] != "A=1" || got[1] != "B=2" {
		t.Fatalf("unexpected isolated env %v", got)
	}
	e.Unset("A")
	if got := e.Merge(nil); len(got) != 1 {
		t.Fatalf("unset should remove override, got %v", got)
	}
}

func TestExpandLeavesUnknownAndUnterminated(t *testing.T) {
	m := map[string]string{"A": "1"}
	cases := map[string]string{
		"${A}-${B}":  "1-${B}",
		"x${A":       "x${A",
		"plain":      "plain",
		"${A}${A}":   "11",
		"pre${}post": "pre${}post",
	}
	for in, want := range cases {
		if got := expand(in, m); got != want {
			t.Errorf("expand(%q) = %q, want %q", in, got, want)
		}
	}
}

func FuzzMerge(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("FOO=bar", "FOO=${FOO}")
	f.Add("X=$Y", "Y=${X}")

	f.Fuzz(func(t *testing.T, global, per string) {
		e := Isolated()
		e.SetPairs(strings.Split(global, "\n"))
		out := e.Merge(strings.Split(per, "\n"))
		for _, kv := range out {
			if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") {
				t.Fatalf("bad pair %q", kv)
			}
		}
	})
}
