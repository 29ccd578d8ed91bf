package headerrules

import (
	"net/http"
	"regexp"
	"testing"
)

func TestApply_ForwardExactName(t *testing.T) {
	in := http.Header{"X-Request-Id": []string{"abc"}}
	rules := []Rule{{Kind: Forward, Match: NameOrPattern{Name: "X-Request-Id"}}}

	out := Apply(in, rules)
	if got := out.Get("X-Request-Id"); got != "abc" {
		t.Errorf("expected abc, got %q", got)
	}
}

func TestApply_ForwardDeniedHeaderNeverForwards(t *testing.T) {
	in := http.Header{"Host": []string{"evil.example"}, "Connection": []string{"close"}}
	rules := []Rule{
		{Kind: Forward, Match: NameOrPattern{Name: "Host"}},
		{Kind: Forward, Match: NameOrPattern{Name: "Connection"}},
	}

	out := Apply(in, rules)
	if len(out) != 0 {
		t.Errorf("expected no headers forwarded, got %v", out)
	}
}

func TestApply_ForwardWithRename(t *testing.T) {
	in := http.Header{"Authorization": []string{"Bearer tok"}}
	rules := []Rule{{Kind: Forward, Match: NameOrPattern{Name: "Authorization"}, Rename: "X-Upstream-Auth"}}

	out := Apply(in, rules)
	if out.Get("X-Upstream-Auth") != "Bearer tok" {
		t.Errorf("rename not applied: %v", out)
	}
	if out.Get("Authorization") != "" {
		t.Errorf("original name should not be present after rename")
	}
}

func TestApply_ForwardWithDefault(t *testing.T) {
	in := http.Header{}
	rules := []Rule{{Kind: Forward, Match: NameOrPattern{Name: "X-Tenant"}, Default: "public"}}

	out := Apply(in, rules)
	if out.Get("X-Tenant") != "public" {
		t.Errorf("expected default value, got %q", out.Get("X-Tenant"))
	}
}

func TestApply_ForwardPattern(t *testing.T) {
	in := http.Header{"X-Custom-A": []string{"1"}, "X-Custom-B": []string{"2"}, "Other": []string{"3"}}
	rules := []Rule{{Kind: Forward, Match: NameOrPattern{Pattern: regexp.MustCompile(`^X-Custom-`)}}}

	out := Apply(in, rules)
	if out.Get("X-Custom-A") != "1" || out.Get("X-Custom-B") != "2" {
		t.Errorf("pattern forward missing values: %v", out)
	}
	if out.Get("Other") != "" {
		t.Errorf("pattern should not match Other: %v", out)
	}
}

func TestApply_Insert(t *testing.T) {
	out := Apply(http.Header{}, []Rule{{Kind: Insert, Name: "X-Gateway", Value: "nexus"}})
	if out.Get("X-Gateway") != "nexus" {
		t.Errorf("insert failed: %v", out)
	}
}

func TestApply_RemoveExact(t *testing.T) {
	rules := []Rule{
		{Kind: Forward, Match: NameOrPattern{Name: "X-Debug"}},
		{Kind: Remove, Match: NameOrPattern{Name: "X-Debug"}},
	}
	out := Apply(http.Header{"X-Debug": []string{"1"}}, rules)
	if out.Get("X-Debug") != "" {
		t.Errorf("expected header removed, got %v", out)
	}
}

func TestApply_RemovePattern(t *testing.T) {
	rules := []Rule{
		{Kind: Forward, Match: NameOrPattern{Pattern: regexp.MustCompile(`^X-Temp-`)}},
		{Kind: Remove, Match: NameOrPattern{Pattern: regexp.MustCompile(`^X-Temp-`)}},
	}
	out := Apply(http.Header{"X-Temp-A": []string{"1"}, "X-Temp-B": []string{"2"}}, rules)
	if len(out) != 0 {
		t.Errorf("expected all X-Temp- headers removed, got %v", out)
	}
}

func TestApply_RenameDuplicate(t *testing.T) {
	in := http.Header{"X-Client-Id": []string{"abc"}}
	rules := []Rule{{Kind: RenameDuplicate, DupName: "X-Client-Id", DupRename: "X-Legacy-Client-Id"}}

	out := Apply(in, rules)
	if out.Get("X-Client-Id") != "abc" || out.Get("X-Legacy-Client-Id") != "abc" {
		t.Errorf("expected both names present: %v", out)
	}
}

func TestApply_ExactRuleRemovesExistingBeforeSet(t *testing.T) {
	in := http.Header{"X-A": []string{"first"}}
	rules := []Rule{
		{Kind: Insert, Name: "X-A", Value: "inserted"},
		{Kind: Forward, Match: NameOrPattern{Name: "X-A"}},
	}
	out := Apply(in, rules)
	if len(out["X-A"]) != 1 || out.Get("X-A") != "first" {
		t.Errorf("expected single value 'first', got %v", out["X-A"])
	}
}

func TestApply_EmptyRules(t *testing.T) {
	out := Apply(http.Header{"X-A": []string{"1"}}, nil)
	if len(out) != 0 {
		t.Errorf("expected empty output for no rules, got %v", out)
	}
}

func TestIsDenied(t *testing.T) {
	denied := []string{"Host", "Connection", "Transfer-Encoding", "Sec-WebSocket-Key", "content-length"}
	for _, h := range denied {
		if !IsDenied(h) {
			t.Errorf("expected %q to be denied", h)
		}
	}
	if IsDenied("X-Custom-Header") {
		t.Errorf("X-Custom-Header should not be denied")
	}
}
