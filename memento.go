package wayback

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"
)

// origHeaderPrefix marks response headers that replay the archived origin's
// own headers.
const origHeaderPrefix = "X-Archive-Orig-"

// Link is one relation from a memento's Link response header.
type Link struct {
	URL string
	Rel string
	// Datetime is the linked memento's capture time; zero when the
	// relation carries none.
	Datetime time.Time
}

// Memento is a successfully resolved archival capture of a URL together
// with the archived HTTP response.
type Memento struct {
	// URL is the captured URL, not the archive URL that served it.
	URL string
	// Timestamp is the capture instant (UTC). The Memento-Datetime
	// response header is its source of truth.
	Timestamp time.Time
	// Mode is the playback mode the memento was served in.
	Mode Mode
	// MementoURL is the archive URL that served this memento.
	MementoURL string
	// StatusCode is the archived origin's status, replayed by Wayback.
	StatusCode int
	// Headers are the archived origin's headers (the X-Archive-Orig-*
	// set), with case-insensitive lookup.
	Headers *Headers
	// Encoding is the charset derived from the archived Content-Type,
	// falling back to the response-level one; "" when neither names one.
	Encoding string
	// History holds the prior mementos traversed via historically
	// captured redirects to reach this one, in traversal order.
	History []*Memento
	// DebugHistory holds every archive URL traversed, including
	// archival-internal redirects that are not historical facts.
	DebugHistory []string
	// Links maps relation names (original, timemap, first memento, ...)
	// to their targets.
	Links map[string]Link

	body     io.ReadCloser
	content  []byte
	readErr  error
	consumed bool
}

// OK reports whether the archived origin response was non-error (< 400).
func (m *Memento) OK() bool {
	return m.StatusCode < 400
}

// IsRedirect reports whether the archived origin response was a redirect.
func (m *Memento) IsRedirect() bool {
	return m.StatusCode >= 300 && m.StatusCode < 400
}

// Content returns the archived response body, reading and releasing the
// underlying connection on first use.
func (m *Memento) Content() ([]byte, error) {
	if m.consumed {
		return m.content, m.readErr
	}
	m.consumed = true
	if m.body == nil {
		return nil, nil
	}
	m.content, m.readErr = io.ReadAll(m.body)
	_ = m.body.Close()
	m.body = nil
	if m.readErr != nil {
		m.readErr = fmt.Errorf("wayback: read memento body: %w", m.readErr)
	}
	return m.content, m.readErr
}

// Text returns the body decoded per Encoding. An empty or unrecognized
// charset falls back to an uninterpreted UTF-8 view of the bytes.
func (m *Memento) Text() (string, error) {
	content, err := m.Content()
	if err != nil {
		return "", err
	}
	if m.Encoding == "" {
		return string(content), nil
	}
	enc, err := htmlindex.Get(m.Encoding)
	if err != nil || enc == nil {
		return string(content), nil
	}
	decoded, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		return "", fmt.Errorf("wayback: decode %s body: %w", m.Encoding, err)
	}
	return string(decoded), nil
}

// Body exposes the archived response body for streaming. Consuming it
// directly bypasses Content; Close releases it either way.
func (m *Memento) Body() io.Reader {
	if m.body == nil {
		return strings.NewReader(string(m.content))
	}
	return m.body
}

// Close releases the response body if it is still open. Idempotent.
func (m *Memento) Close() error {
	if m.body == nil {
		return nil
	}
	err := m.body.Close()
	m.body = nil
	m.consumed = true
	return err
}

// newMemento assembles a Memento from a playback response. landed carries
// the archive URL coordinates the response was served at; the
// Memento-Datetime header, when present, overrides its timestamp.
func newMemento(resp *http.Response, landed *ArchiveURL) *Memento {
	ts := landed.Timestamp
	if v := resp.Header.Get("Memento-Datetime"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			ts = t.UTC()
		}
	}
	m := &Memento{
		URL:        landed.Target,
		Timestamp:  ts,
		Mode:       landed.Mode,
		MementoURL: FormatArchiveURL(landed.Target, ts, landed.Mode),
		StatusCode: resp.StatusCode,
		Headers:    origHeaders(resp.Header),
		Encoding:   responseEncoding(resp.Header),
		Links:      parseLinkHeader(resp.Header.Values("Link")),
		body:       resp.Body,
	}
	return m
}

// origHeaders extracts the archived origin's headers from the
// X-Archive-Orig-* replay set. Go's header map preserves neither arrival
// order nor the casing the origin sent (keys arrive in canonical form), so
// names are reported in sorted order in that canonical casing.
func origHeaders(h http.Header) *Headers {
	names := make([]string, 0, len(h))
	for name := range h {
		if len(name) > len(origHeaderPrefix) && strings.EqualFold(name[:len(origHeaderPrefix)], origHeaderPrefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := NewHeaders()
	for _, name := range names {
		orig := name[len(origHeaderPrefix):]
		for _, v := range h[name] {
			out.Add(orig, v)
		}
	}
	return out
}

// responseEncoding derives the body charset, preferring the archived
// origin's Content-Type over the response-level one. Returns "" when
// neither declares a charset.
func responseEncoding(h http.Header) string {
	for _, key := range []string{origHeaderPrefix + "Content-Type", "Content-Type"} {
		v := h.Get(key)
		if v == "" {
			continue
		}
		if _, params, err := mime.ParseMediaType(v); err == nil {
			if cs := params["charset"]; cs != "" {
				return strings.ToLower(cs)
			}
		}
	}
	return ""
}

// parseLinkHeader decodes RFC 5988 Link header values into a relation map.
// Compound memento relations ("first memento", "prev memento", ...) keep
// their full name as the key.
func parseLinkHeader(values []string) map[string]Link {
	links := make(map[string]Link)
	for _, value := range values {
		for _, part := range splitLinkEntries(value) {
			link, rels, ok := parseLinkEntry(part)
			if !ok {
				continue
			}
			for _, rel := range rels {
				l := link
				l.Rel = rel
				links[rel] = l
			}
		}
	}
	return links
}

// splitLinkEntries splits a Link header value on top-level commas, ignoring
// commas inside <...> targets and quoted parameter values.
func splitLinkEntries(value string) []string {
	var (
		parts    []string
		start    int
		inTarget bool
		inQuote  bool
	)
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '<':
			if !inQuote {
				inTarget = true
			}
		case '>':
			if !inQuote {
				inTarget = false
			}
		case '"':
			if !inTarget {
				inQuote = !inQuote
			}
		case ',':
			if !inTarget && !inQuote {
				parts = append(parts, value[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, value[start:])
	return parts
}

// parseLinkEntry decodes one `<url>; key="value"; ...` entry. A rel value
// holding multiple relation names stays one key per Link convention used by
// the Memento protocol ("first memento" is a single relation).
func parseLinkEntry(entry string) (Link, []string, bool) {
	entry = strings.TrimSpace(entry)
	if !strings.HasPrefix(entry, "<") {
		return Link{}, nil, false
	}
	end := strings.IndexByte(entry, '>')
	if end < 0 {
		return Link{}, nil, false
	}
	link := Link{URL: entry[1:end]}
	rels := []string{""}

	for _, param := range strings.Split(entry[end+1:], ";") {
		param = strings.TrimSpace(param)
		if param == "" {
			continue
		}
		key, val, found := strings.Cut(param, "=")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.Trim(strings.TrimSpace(val), `"`)
		switch key {
		case "rel":
			rels = []string{val}
		case "datetime":
			if t, err := http.ParseTime(val); err == nil {
				link.Datetime = t.UTC()
			}
		}
	}
	if rels[0] == "" {
		return Link{}, nil, false
	}
	return link, rels, true
}
