package wayback

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MatchType controls how the CDX index matches the search URL against its
// SURT keys.
type MatchType string

const (
	// MatchTypeExact matches only the given URL.
	MatchTypeExact MatchType = "exact"
	// MatchTypePrefix matches every URL the given one is a prefix of.
	MatchTypePrefix MatchType = "prefix"
	// MatchTypeHost matches every URL on the same host.
	MatchTypeHost MatchType = "host"
	// MatchTypeDomain matches the host and all of its subdomains.
	MatchTypeDomain MatchType = "domain"
)

// SearchOptions tunes a capture-index search. The zero value searches for
// exact matches of the URL with a page size of 1000.
type SearchOptions struct {
	// MatchType defaults to exact, unless the search URL ends with "*",
	// in which case the star is stripped and prefix matching is used.
	// Combining an explicit MatchType with a "*"-terminated URL is an
	// error.
	MatchType MatchType
	// From and To bound the search (UTC). A To value at midnight is
	// widened to the end of its day.
	From time.Time
	To   time.Time
	// Limit is the page size the server paginates on. 0 selects 1000;
	// a negative value asks for the last N captures. The server does not
	// paginate at all without a limit, silently truncating large result
	// sets, so there is no way to disable it.
	Limit int
	// FastLatest trades result completeness for speed on reverse reads.
	// Nil applies it automatically when Limit is negative.
	FastLatest *bool
	// ResolveRevisits resolves "warc/revisit" rows to the captures they
	// point at.
	ResolveRevisits bool
	// Filters are "field:pattern" expressions, applied conjunctively.
	Filters []string
	// Collapse names a field to collapse adjacent-duplicate rows on.
	Collapse string
	// Progress, when non-nil, advances one step per index page fetched.
	Progress *Progress
}

func (o *SearchOptions) fastLatest() bool {
	if o.FastLatest != nil {
		return *o.FastLatest
	}
	return o.Limit < 0
}

// formatSearchBound encodes a search bound, widening a midnight To value to
// cover its whole day.
func formatSearchBound(t time.Time, end bool) string {
	if t.IsZero() {
		return ""
	}
	t = t.UTC()
	if end && t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		return t.Format("20060102") + "235959"
	}
	return FormatTimestamp(t)
}

// buildSearchQuery validates the search parameters and encodes them the way
// the CDX endpoint expects. showResumeKey is always sent: it is what makes
// pagination possible at all.
func buildSearchQuery(target string, opts *SearchOptions) (url.Values, string, error) {
	// The wildcard is stripped before sanitization so the star can never
	// be mangled on its way to the match-type inference.
	matchType := opts.MatchType
	raw := strings.TrimSpace(target)
	if strings.HasSuffix(raw, "*") {
		if matchType != "" {
			return nil, "", fmt.Errorf("wayback: cannot combine match type %q with a wildcard URL", matchType)
		}
		raw = strings.TrimRight(strings.TrimSuffix(raw, "*"), "/") + "/"
		matchType = MatchTypePrefix
	}
	target, err := normalizeSearchURL(raw)
	if err != nil {
		return nil, "", err
	}
	if matchType == "" {
		matchType = MatchTypeExact
	}
	switch matchType {
	case MatchTypeExact, MatchTypePrefix, MatchTypeHost, MatchTypeDomain:
	default:
		return nil, "", fmt.Errorf("wayback: unknown match type %q", matchType)
	}
	if matchType == MatchTypeDomain {
		// The index keys domain-wide queries on the registrable domain.
		if root, err := RootDomain(target); err == nil {
			target = root
		}
	}

	limit := opts.Limit
	if limit == 0 {
		limit = 1000
	}

	q := url.Values{}
	q.Set("url", target)
	q.Set("matchType", string(matchType))
	if from := formatSearchBound(opts.From, false); from != "" {
		q.Set("from", from)
	}
	if to := formatSearchBound(opts.To, true); to != "" {
		q.Set("to", to)
	}
	q.Set("limit", strconv.Itoa(limit))
	if opts.fastLatest() {
		q.Set("fastLatest", "true")
	}
	if opts.ResolveRevisits {
		q.Set("resolveRevisits", "true")
	}
	for _, f := range opts.Filters {
		if !strings.Contains(f, ":") {
			return nil, "", fmt.Errorf("wayback: filter %q is not a field:pattern expression", f)
		}
		q.Add("filter", f)
	}
	if opts.Collapse != "" {
		q.Set("collapse", opts.Collapse)
	}
	q.Set("showResumeKey", "true")
	return q, target, nil
}

// SearchIterator is a lazy, finite sequence of CDX records in the server's
// (ascending timestamp) order. Use it scanner-style:
//
//	it, err := client.Search(ctx, "nasa.gov", nil)
//	...
//	defer it.Close()
//	for it.Next() {
//	    rec := it.Record()
//	    ...
//	}
//	if err := it.Err(); err != nil { ... }
//
// Pages are fetched on demand; records already yielded stay valid if a
// later page fails. An iterator that has reported an error does not
// restart.
type SearchIterator struct {
	ctx      context.Context
	session  *Session
	target   string
	query    url.Values
	progress *Progress

	lines     []string
	pos       int
	resumeKey string
	morePages bool
	firstPage bool
	seen      map[string]struct{}

	cur    *CDXRecord
	err    error
	closed bool
}

// Search queries the capture index for target and returns a lazy iterator
// over the matching records. No request is issued until the first Next.
func (c *Client) Search(ctx context.Context, target string, opts *SearchOptions) (*SearchIterator, error) {
	if c.session.closed {
		return nil, newSessionClosedError()
	}
	if opts == nil {
		opts = &SearchOptions{}
	}
	query, cleaned, err := buildSearchQuery(target, opts)
	if err != nil {
		return nil, err
	}
	return &SearchIterator{
		ctx:       ctx,
		session:   c.session,
		target:    cleaned,
		query:     query,
		progress:  opts.Progress,
		morePages: true,
		firstPage: true,
		seen:      make(map[string]struct{}),
	}, nil
}

// Next advances to the next record, fetching further index pages as needed.
// It returns false at the end of the results or on error; consult Err to
// tell the two apart.
func (it *SearchIterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}
	for {
		for it.pos < len(it.lines) {
			line := it.lines[it.pos]
			it.pos++
			if strings.TrimSpace(line) == "" {
				continue
			}
			rec, err := parseCDXLine(line)
			if err != nil {
				it.err = err
				return false
			}
			fp := rec.fingerprint()
			if _, dup := it.seen[fp]; dup {
				// The index occasionally repeats a capture across
				// page boundaries.
				continue
			}
			it.seen[fp] = struct{}{}
			it.cur = rec
			return true
		}
		if !it.morePages {
			return false
		}
		if err := it.fetchPage(); err != nil {
			it.err = err
			return false
		}
	}
}

// Record returns the record the last successful Next advanced to.
func (it *SearchIterator) Record() *CDXRecord { return it.cur }

// Err returns the error that terminated iteration, if any.
func (it *SearchIterator) Err() error { return it.err }

// Close releases the iterator. Further Next calls return false.
func (it *SearchIterator) Close() error {
	it.closed = true
	it.lines = nil
	it.morePages = false
	return nil
}

// fetchPage issues one CDX request, carrying the resume key from the prior
// page when there was one, and splits off the next resume key if the body
// ends with the blank-line sentinel.
func (it *SearchIterator) fetchPage() error {
	q := it.query
	if it.resumeKey != "" {
		q = cloneValues(it.query)
		q.Set("resumeKey", it.resumeKey)
	}

	resp, err := it.session.get(it.ctx, endpointSearch, it.session.cdxBase+"?"+q.Encode())
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := readBounded(resp.Body, maxDrainBytes)
		closeResponse(resp)
		if blocked := it.session.matchers.classifyBlocked(resp.StatusCode, body, it.target); blocked != nil {
			if it.firstPage {
				return blocked
			}
			// A block appearing mid-stream ends the results cleanly;
			// records already yielded remain valid.
			it.session.logger.Debug("search blocked mid-stream, stopping",
				"url", it.target, "status", resp.StatusCode)
			it.lines = nil
			it.morePages = false
			return nil
		}
		return fmt.Errorf("wayback: CDX HTTP %d for %s", resp.StatusCode, it.target)
	}

	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("wayback: read CDX page: %w", err)
	}
	body := string(raw)

	if it.session.matchers.isRateLimit(resp, body) {
		return &RateLimitError{
			baseError{fmt.Sprintf("rate limited by the archive on %s", it.target)},
			it.target,
			parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	it.progress.Inc()
	it.firstPage = false
	it.resumeKey = ""
	it.pos = 0

	text := strings.TrimRight(body, "\n")
	if text == "" {
		it.lines = nil
		it.morePages = false
		return nil
	}

	lines := strings.Split(text, "\n")
	if n := len(lines); n >= 2 && strings.TrimSpace(lines[n-2]) == "" {
		it.resumeKey = strings.TrimSpace(lines[n-1])
		lines = lines[:n-2]
	}
	it.lines = lines
	it.morePages = it.resumeKey != ""
	return nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func readBounded(r io.Reader, n int64) string {
	b, _ := io.ReadAll(io.LimitReader(r, n))
	return string(b)
}

// FirstCapture returns the earliest known capture of target, or a
// *NoMementoError when the index has none.
func (c *Client) FirstCapture(ctx context.Context, target string) (*CDXRecord, error) {
	return c.edgeCapture(ctx, target, 1)
}

// LastCapture returns the most recent known capture of target, or a
// *NoMementoError when the index has none.
func (c *Client) LastCapture(ctx context.Context, target string) (*CDXRecord, error) {
	return c.edgeCapture(ctx, target, -1)
}

func (c *Client) edgeCapture(ctx context.Context, target string, limit int) (*CDXRecord, error) {
	it, err := c.Search(ctx, target, &SearchOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	if it.Next() {
		return it.Record(), nil
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return nil, &NoMementoError{
		baseError{fmt.Sprintf("%s has no captures in the Wayback Machine", target)},
		target,
		time.Time{},
	}
}
