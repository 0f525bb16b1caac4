package wayback

import "strings"

// Headers is an ordered multimap of HTTP headers with case-insensitive
// lookup. Iteration via Keys preserves the casing and order the headers
// arrived with.
type Headers struct {
	keys   []string            // first-seen casing, insertion order
	values map[string][]string // folded key -> values
}

// NewHeaders returns an empty header map.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]string)}
}

// Add appends value under key. The first-seen casing of key is the one
// reported by Keys.
func (h *Headers) Add(key, value string) {
	folded := strings.ToLower(key)
	if _, ok := h.values[folded]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[folded] = append(h.values[folded], value)
}

// Get returns the first value for key, looked up case-insensitively.
// Missing keys return "".
func (h *Headers) Get(key string) string {
	vs := h.values[strings.ToLower(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values for key in arrival order.
func (h *Headers) Values(key string) []string {
	return h.values[strings.ToLower(key)]
}

// Has reports whether key is present, case-insensitively.
func (h *Headers) Has(key string) bool {
	_, ok := h.values[strings.ToLower(key)]
	return ok
}

// Len returns the number of distinct header names.
func (h *Headers) Len() int {
	return len(h.keys)
}

// Keys returns the header names with their original casing, in the order
// they were first added. The returned slice is a copy.
func (h *Headers) Keys() []string {
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}
