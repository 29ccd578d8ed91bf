// Package index implements the tool search index (C3): a full-text + fuzzy
// index over the union of downstream tools, keyed by stable ToolID, ported
// from the original tantivy-backed index (original_source's
// crates/mcp/src/index.rs) onto a hand-rolled scorer — see DESIGN.md for why
// no pack example wires a full-text engine Go could reuse here.
package index

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// ToolID is the stable, dense integer identity of a tool within one built
// index. The composite "server__tool" name is recovered by the caller from
// its own sorted tool list (the aggregator's records[id]); the index itself
// never stores it.
type ToolID uint64

const maxResults = 10

// ToolMeta is the input to Build: one downstream tool's searchable fields.
type ToolMeta struct {
	ID          ToolID
	// CompositeName must be "server__tool"; the separator is mandatory.
	CompositeName string
	Title         string
	Description   string
	InputSchema   map[string]any
}

// Result is one search hit: a tool identity and its relevance score.
type Result struct {
	ToolID ToolID
	Score  float32
}

type document struct {
	id           ToolID
	toolName     string
	serverName   string
	toolTitle    string
	description  string
	inputParams  string
	searchTokens string
}

type fieldTokens struct {
	toolName     map[string]struct{}
	serverName   map[string]struct{}
	toolTitle    map[string]struct{}
	description  map[string]struct{}
	inputParams  map[string]struct{}
	searchTokens map[string]struct{}
}

// Index is an immutable, built-once search index. Reads never lock.
type Index struct {
	docs   []document
	tokens []fieldTokens
}

// Build constructs an Index from the sorted tool list. It never mutates
// afterward — rebuilding means calling Build again.
func Build(tools []ToolMeta) (*Index, error) {
	idx := &Index{
		docs:   make([]document, 0, len(tools)),
		tokens: make([]fieldTokens, 0, len(tools)),
	}

	for _, t := range tools {
		server, name, ok := strings.Cut(t.CompositeName, "__")
		if !ok {
			return nil, fmt.Errorf("index: invalid tool name format: missing server name: %q", t.CompositeName)
		}

		var inputParams string
		if len(t.InputSchema) > 0 {
			b, err := json.Marshal(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("index: marshal input schema for %q: %w", t.CompositeName, err)
			}
			inputParams = string(b)
		}

		doc := document{
			id:           t.ID,
			toolName:     name,
			serverName:   server,
			toolTitle:    t.Title,
			description:  t.Description,
			inputParams:  inputParams,
			searchTokens: generateSearchTokens(server, name, t.Description, t.InputSchema),
		}

		idx.docs = append(idx.docs, doc)
		idx.tokens = append(idx.tokens, fieldTokens{
			toolName:     defaultTokenSet(doc.toolName),
			serverName:   defaultTokenSet(doc.serverName),
			toolTitle:    defaultTokenSet(doc.toolTitle),
			description:  defaultTokenSet(doc.description),
			inputParams:  defaultTokenSet(doc.inputParams),
			searchTokens: defaultTokenSet(doc.searchTokens),
		})
	}

	return idx, nil
}

// Search scores every document against keywords and returns hits in
// decreasing score order (ties broken by ascending ToolID), truncated to
// maxResults. Each keyword may itself contain several space-separated
// words; each is tokenized independently.
func (idx *Index) Search(keywords []string) []Result {
	if len(keywords) == 0 {
		return nil
	}

	results := make([]Result, 0, len(idx.docs))
	for i, doc := range idx.docs {
		score := idx.scoreDoc(i, keywords)
		if score > 0 {
			results = append(results, Result{ToolID: doc.id, Score: score})
		}
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		return results[a].ToolID < results[b].ToolID
	})

	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}

// scoreDoc sums, across keywords, the max-of-disjuncts score of that
// keyword's best-matching term (a keyword with no matching term
// contributes nothing — it is simply absent from the Should clause).
func (idx *Index) scoreDoc(docIdx int, keywords []string) float32 {
	ft := idx.tokens[docIdx]
	var total float32
	for _, kw := range keywords {
		var kwMax float32
		for _, term := range parseQueryTerms(kw) {
			if s := idx.scoreTerm(ft, term); s > kwMax {
				kwMax = s
			}
		}
		total += kwMax
	}
	return total
}

type boostedField struct {
	tokens map[string]struct{}
	boost  float32
}

// scoreTerm is the max across every exact-field hit and, for terms long
// enough to be worth it, every fuzzy-field hit.
func (idx *Index) scoreTerm(ft fieldTokens, term string) float32 {
	var best float32

	exact := [...]boostedField{
		{ft.toolName, 3.0},
		{ft.toolTitle, 2.0},
		{ft.description, 1.2},
		{ft.serverName, 0.8},
	}
	for _, f := range exact {
		if _, ok := f.tokens[term]; ok && f.boost > best {
			best = f.boost
		}
	}

	if isFuzzyEligible(term) {
		fuzzy := [...]boostedField{
			{ft.description, 0.6},
			{ft.inputParams, 0.4},
			{ft.searchTokens, 0.3},
		}
		for _, f := range fuzzy {
			if f.boost <= best {
				continue
			}
			if hasFuzzyMatch(f.tokens, term) {
				best = f.boost
			}
		}
	}

	return best
}

func isFuzzyEligible(term string) bool {
	if len(term) <= 4 {
		return false
	}
	for _, r := range term {
		if !unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func hasFuzzyMatch(tokens map[string]struct{}, term string) bool {
	for tok := range tokens {
		if withinEditDistance1(term, tok) {
			return true
		}
	}
	return false
}

// generateSearchTokens concatenates tokenized server name, tokenized tool
// name, the raw description, and tokens recursively collected from the
// input schema's keys — matching the original's search_tokens synthesis.
func generateSearchTokens(server, name, description string, schema map[string]any) string {
	var parts []string
	parts = append(parts, tokenizeName(server)...)
	parts = append(parts, tokenizeName(name)...)
	if description != "" {
		parts = append(parts, description)
	}
	parts = append(parts, tokenizeMapKeys(schema)...)
	return strings.Join(parts, " ")
}

func tokenizeMapKeys(m map[string]any) []string {
	var tokens []string
	for key, v := range m {
		tokens = append(tokens, tokenizeName(key)...)
		if nested, ok := v.(map[string]any); ok {
			tokens = append(tokens, tokenizeMapKeys(nested)...)
		}
	}
	return tokens
}

// tokenizeName splits on word boundaries (non-alnum runs and lower-to-upper
// case transitions), lowercases, and drops single-character tokens.
func tokenizeName(s string) []string {
	var tokens []string
	var cur strings.Builder

	runes := []rune(s)
	emit := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			emit()
			continue
		case i > 0 && unicode.IsUpper(r) && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])):
			emit()
		}
		cur.WriteRune(unicode.ToLower(r))
	}
	emit()

	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if len(t) > 1 {
			out = append(out, t)
		}
	}
	return out
}

// parseQueryTerms splits a keyword on whitespace, then applies the same
// word-boundary tokenization as tokenizeName to each piece.
func parseQueryTerms(keyword string) []string {
	var terms []string
	for _, word := range strings.Fields(keyword) {
		terms = append(terms, tokenizeName(word)...)
	}
	return terms
}

// defaultTokenSet is the plain indexing tokenizer applied to raw field
// text: lowercase, split on non-alphanumeric runs, no case-boundary
// splitting (that only happens when synthesizing search_tokens/terms).
func defaultTokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			set[cur.String()] = struct{}{}
			cur.Reset()
		}
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return set
}

// withinEditDistance1 reports whether a and b differ by at most one
// insertion, deletion, or substitution.
func withinEditDistance1(a, b string) bool {
	if a == b {
		return true
	}
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if abs(la-lb) > 1 {
		return false
	}

	i, j, edits := 0, 0, 0
	for i < la && j < lb {
		if ra[i] == rb[j] {
			i++
			j++
			continue
		}
		edits++
		if edits > 1 {
			return false
		}
		switch {
		case la == lb:
			i++
			j++
		case la > lb:
			i++
		default:
			j++
		}
	}
	if i < la || j < lb {
		edits++
	}
	return edits <= 1
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
