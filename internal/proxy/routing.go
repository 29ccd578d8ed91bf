package proxy

import "strings"

// splitProviderModel parses a client-supplied "provider/model" string. Unlike
// the teacher's resolveProvider/resolveEmbeddingProvider — which fell back to
// "openai" for any unrecognized model — there is no fallback here: a model
// string with no "/" or an empty half is always a format error (§4.7).
func splitProviderModel(model string) (provider, rest string, ok bool) {
	provider, rest, ok = strings.Cut(model, "/")
	if !ok || provider == "" || rest == "" {
		return "", "", false
	}
	return provider, rest, true
}
