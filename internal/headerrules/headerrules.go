// Package headerrules applies forward/insert/remove/rename-duplicate rules to
// build outbound HTTP headers from an inbound request, honoring a hop-by-hop
// deny list that can never be forwarded regardless of configuration.
package headerrules

import (
	"net/http"
	"regexp"
)

// Kind discriminates the rule variants.
type Kind int

const (
	Forward Kind = iota
	Insert
	Remove
	RenameDuplicate
)

// NameOrPattern is either an exact header name or a compiled regex.
type NameOrPattern struct {
	Name    string
	Pattern *regexp.Regexp
}

// Rule is one header transformation step, applied in configured order.
type Rule struct {
	Kind Kind

	// Forward / Remove
	Match   NameOrPattern
	Rename  string // optional new name (Forward only)
	Default string // optional default value when source header is absent (Forward only)

	// Insert
	Name  string
	Value string

	// RenameDuplicate
	DupName   string
	DupRename string
	DupDefault string
}

// denyList are hop-by-hop / transport-sensitive headers that must never be
// forwarded, regardless of rule configuration. Forwarding these corrupts
// request framing.
var denyList = map[string]struct{}{
	"accept":                   {},
	"accept-charset":           {},
	"accept-encoding":          {},
	"accept-ranges":            {},
	"content-length":           {},
	"content-type":             {},
	"connection":               {},
	"keep-alive":               {},
	"proxy-authenticate":       {},
	"proxy-authorization":      {},
	"te":                       {},
	"trailer":                  {},
	"transfer-encoding":        {},
	"upgrade":                  {},
	"origin":                   {},
	"host":                     {},
	"sec-websocket-version":    {},
	"sec-websocket-key":        {},
	"sec-websocket-accept":     {},
	"sec-websocket-protocol":   {},
	"sec-websocket-extensions": {},
}

// IsDenied reports whether name is on the hop-by-hop deny list.
func IsDenied(name string) bool {
	_, ok := denyList[http.CanonicalHeaderKey(name)]
	if ok {
		return true
	}
	_, ok = denyList[normalize(name)]
	return ok
}

func normalize(name string) string {
	b := []byte(name)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Apply builds a fresh outbound header map from incoming headers and the
// configured rules. Rules run in order; exact-name rules remove any existing
// outbound entry with that name first, to avoid duplicate accumulation when
// multiple rules touch the same header.
func Apply(incoming http.Header, rules []Rule) http.Header {
	out := make(http.Header)
	for _, r := range rules {
		switch r.Kind {
		case Forward:
			applyForward(incoming, r, out)
		case Insert:
			out.Set(r.Name, r.Value)
		case Remove:
			applyRemove(r, out)
		case RenameDuplicate:
			applyRenameDuplicate(incoming, r, out)
		}
	}
	return out
}

func applyForward(incoming http.Header, r Rule, out http.Header) {
	if r.Match.Pattern == nil {
		name := r.Match.Name
		if IsDenied(name) {
			return
		}
		out.Del(name)

		val := incoming.Get(name)
		if val == "" {
			val = r.Default
		}
		if val == "" {
			return
		}

		target := name
		if r.Rename != "" {
			target = r.Rename
		}
		out.Set(target, val)
		return
	}

	for name := range incoming {
		if IsDenied(name) || !r.Match.Pattern.MatchString(name) {
			continue
		}
		target := name
		if r.Rename != "" {
			target = r.Rename
		}
		for _, v := range incoming[name] {
			out.Add(target, v)
		}
	}
}

func applyRemove(r Rule, out http.Header) {
	if r.Match.Pattern == nil {
		out.Del(r.Match.Name)
		return
	}
	for name := range out {
		if r.Match.Pattern.MatchString(name) {
			delete(out, name)
		}
	}
}

func applyRenameDuplicate(incoming http.Header, r Rule, out http.Header) {
	val := incoming.Get(r.DupName)
	if val == "" {
		val = r.DupDefault
	}
	if val == "" {
		return
	}
	out.Set(r.DupName, val)
	out.Set(r.DupRename, val)
}
