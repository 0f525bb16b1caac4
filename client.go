package wayback

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// defaultTargetWindow is how far (in either direction) a landed
	// memento may sit from the requested time before playback fails.
	defaultTargetWindow = 24 * time.Hour

	// exactTolerance is the timestamp divergence allowed under exact
	// playback when Wayback redirects to a nearby capture.
	exactTolerance = 30 * time.Second

	// maxHistoricalHops caps a chain of historically captured redirects.
	maxHistoricalHops = 10

	// maxInternalHops guards against archival-internal redirect loops
	// (time shuffles and mode rewrites).
	maxInternalHops = 20
)

// Client is the public face of the library: capture-index search and
// memento fetch over one Session.
type Client struct {
	session *Session
}

// NewClient creates a client with its own session. opts may be nil.
func NewClient(opts *Options) *Client {
	return &Client{session: NewSession(opts)}
}

// NewClientWithSession wraps an existing session. The session is shared
// with the caller; closing the client closes the session.
func NewClientWithSession(s *Session) *Client {
	return &Client{session: s}
}

// Session exposes the underlying session, e.g. for Close or inspection.
func (c *Client) Session() *Session { return c.session }

// Close releases the client's session and connection pool.
func (c *Client) Close() error { return c.session.Close() }

// MementoOptions tunes memento playback. Nil-able fields distinguish "not
// set" from an explicit false.
type MementoOptions struct {
	// Mode selects the playback mode; nil selects ModeOriginal.
	Mode *Mode
	// Exact requires the landed capture to match the requested time
	// (within a small tolerance). Nil selects true.
	Exact *bool
	// ExactRedirects applies the exactness requirement to each
	// historical redirect hop rather than only the initial request.
	// Nil inherits Exact.
	ExactRedirects *bool
	// TargetWindow is the maximum |requested - landed| distance in time.
	// 0 selects 24h; negative disables the check.
	TargetWindow time.Duration
	// FollowRedirects follows historically captured redirects, recording
	// each hop in History. Nil selects true.
	FollowRedirects *bool
}

type mementoParams struct {
	mode           Mode
	exact          bool
	exactRedirects bool
	follow         bool
	window         time.Duration
}

func (o *MementoOptions) resolve() mementoParams {
	p := mementoParams{
		mode:   ModeOriginal,
		exact:  true,
		follow: true,
		window: defaultTargetWindow,
	}
	if o != nil {
		if o.Mode != nil {
			p.mode = *o.Mode
		}
		if o.Exact != nil {
			p.exact = *o.Exact
		}
		if o.TargetWindow != 0 {
			p.window = o.TargetWindow
		}
		if o.FollowRedirects != nil {
			p.follow = *o.FollowRedirects
		}
	}
	p.exactRedirects = p.exact
	if o != nil && o.ExactRedirects != nil {
		p.exactRedirects = *o.ExactRedirects
	}
	return p
}

// GetMemento fetches the memento of target captured at (or near) ts.
func (c *Client) GetMemento(ctx context.Context, target string, ts time.Time, opts *MementoOptions) (*Memento, error) {
	return c.fetchMemento(ctx, target, ts.UTC(), opts.resolve())
}

// GetMementoRecord fetches the memento a CDX search record points at.
func (c *Client) GetMementoRecord(ctx context.Context, rec *CDXRecord, opts *MementoOptions) (*Memento, error) {
	return c.fetchMemento(ctx, rec.URL, rec.Timestamp, opts.resolve())
}

// GetMementoURL fetches the memento a full archive URL points at. The
// URL's own playback mode is used unless opts overrides it.
func (c *Client) GetMementoURL(ctx context.Context, archiveURL string, opts *MementoOptions) (*Memento, error) {
	parsed, err := ParseArchiveURL(archiveURL)
	if err != nil {
		return nil, err
	}
	p := opts.resolve()
	if opts == nil || opts.Mode == nil {
		p.mode = parsed.Mode
	}
	return c.fetchMemento(ctx, parsed.Target, parsed.Timestamp, p)
}

// fetchMemento navigates Wayback's redirect graph for target@requested.
//
// Responses carrying memento playback headers are captures; a 3xx among
// them is a historically captured redirect and is followed (when enabled)
// by requesting the redirect target at the same capture time, recording the
// redirect memento in History. Responses without playback headers are the
// archive's own navigation: time shuffles and mode rewrites of the same
// URL, recorded in DebugHistory only and subject to the exactness rule.
func (c *Client) fetchMemento(ctx context.Context, target string, requested time.Time, p mementoParams) (*Memento, error) {
	s := c.session
	if s.closed {
		return nil, newSessionClosedError()
	}

	var (
		history        []*Memento
		debugHistory   []string
		historicalHops int
		internalHops   int
	)
	currentTarget := target
	currentRequested := requested
	exactNow := p.exact
	archiveURL := s.formatArchiveURL(currentTarget, currentRequested, p.mode)

	for {
		resp, err := s.get(ctx, endpointMemento, archiveURL)
		if err != nil {
			return nil, err
		}
		debugHistory = append(debugHistory, archiveURL)

		if isPlaybackResponse(resp.Header) {
			landed := landedCoordinates(s, resp, archiveURL, p.mode)

			loc := redirectLocation(resp, archiveURL)
			if resp.StatusCode >= 300 && resp.StatusCode < 400 && loc != "" {
				next, err := s.parseArchiveURL(loc)
				if err == nil && !urlsEquivalent(next.Target, landed.Target, false) {
					// Historically captured redirect.
					prior := newMemento(resp, landed)
					if _, err := prior.Content(); err != nil {
						_ = prior.Close()
						return nil, err
					}
					if !p.follow {
						prior.History = history
						prior.DebugHistory = debugHistory
						return prior, nil
					}
					historicalHops++
					if historicalHops > maxHistoricalHops {
						return nil, playbackError(target, requested, archiveURL,
							fmt.Sprintf("more than %d redirects", maxHistoricalHops))
					}
					history = append(history, prior)
					s.logger.Debug("following captured redirect",
						"from", prior.URL, "to", next.Target, "at", prior.Timestamp)

					currentTarget = next.Target
					currentRequested = prior.Timestamp
					exactNow = p.exactRedirects
					archiveURL = s.formatArchiveURL(currentTarget, currentRequested, p.mode)
					continue
				}
				// A playback redirect that stays on the same URL is
				// archive navigation dressed as a memento; fall through
				// to the final-response path and let the caller see it.
			}

			m := newMemento(resp, landed)
			if exactNow && absDuration(m.Timestamp.Sub(currentRequested)) > exactTolerance {
				_ = m.Close()
				return nil, playbackError(currentTarget, currentRequested, archiveURL,
					fmt.Sprintf("exact playback landed at %s", FormatTimestamp(m.Timestamp)))
			}
			if p.window >= 0 && absDuration(m.Timestamp.Sub(currentRequested)) > p.window {
				_ = m.Close()
				return nil, playbackError(currentTarget, currentRequested, archiveURL,
					fmt.Sprintf("nearest capture %s is outside the target window", FormatTimestamp(m.Timestamp)))
			}
			m.History = history
			m.DebugHistory = debugHistory
			return m, nil
		}

		// No playback headers: the archive itself is talking.
		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := redirectLocation(resp, archiveURL)
			closeResponse(resp)
			if loc == "" {
				return nil, playbackError(currentTarget, currentRequested, archiveURL,
					"redirect without a location")
			}
			internalHops++
			if internalHops > maxInternalHops {
				return nil, playbackError(currentTarget, currentRequested, archiveURL,
					"archive redirect loop")
			}
			next, err := s.parseArchiveURL(loc)
			if err != nil {
				return nil, playbackError(currentTarget, currentRequested, archiveURL,
					fmt.Sprintf("redirected off the archive to %s", loc))
			}
			if exactNow && urlsEquivalent(next.Target, currentTarget, true) &&
				absDuration(next.Timestamp.Sub(currentRequested)) > exactTolerance {
				return nil, playbackError(currentTarget, currentRequested, archiveURL,
					fmt.Sprintf("exact playback not available, nearest capture is %s", FormatTimestamp(next.Timestamp)))
			}
			s.logger.Debug("following archive-internal redirect", "to", loc)
			archiveURL = loc
			continue
		}

		body := readBounded(resp.Body, maxDrainBytes)
		closeResponse(resp)
		return nil, c.mapPlaybackFailure(resp.StatusCode, body, currentTarget, currentRequested, archiveURL)
	}
}

// mapPlaybackFailure turns a non-playback archive response into the
// matching condition.
func (c *Client) mapPlaybackFailure(status int, body, target string, requested time.Time, archiveURL string) error {
	m := c.session.matchers
	switch {
	case status == http.StatusNotFound && matchAny(body, m.NoMemento):
		return &NoMementoError{
			baseError{fmt.Sprintf("%s has no captures near %s in the Wayback Machine", target, FormatTimestamp(requested))},
			target,
			requested,
		}
	case status == http.StatusUnavailableForLegalReasons:
		return &BlockedSiteError{
			baseError{fmt.Sprintf("%s has been blocked from the Wayback Machine by a takedown request", target)},
			target,
		}
	}
	if blocked := m.classifyBlocked(status, body, target); blocked != nil {
		return blocked
	}
	return playbackError(target, requested, archiveURL, fmt.Sprintf("HTTP %d", status))
}

func playbackError(target string, requested time.Time, archiveURL, reason string) *MementoPlaybackError {
	return &MementoPlaybackError{
		baseError{fmt.Sprintf("could not play back %s at %s: %s", target, FormatTimestamp(requested), reason)},
		target,
		requested,
		archiveURL,
	}
}

// redirectLocation resolves the Location header against the current request
// URL, returning "" when absent.
func redirectLocation(resp *http.Response, base string) string {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return ""
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return loc
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return loc
	}
	return baseURL.ResolveReference(ref).String()
}

// landedCoordinates determines which archive URL a playback response was
// actually served at: Content-Location is the canonical answer, with the
// requested URL as fallback.
func landedCoordinates(s *Session, resp *http.Response, requestURL string, mode Mode) *ArchiveURL {
	if cl := resp.Header.Get("Content-Location"); cl != "" {
		abs := cl
		if base, err := url.Parse(requestURL); err == nil {
			if ref, err := url.Parse(cl); err == nil {
				abs = base.ResolveReference(ref).String()
			}
		}
		if parsed, err := s.parseArchiveURL(abs); err == nil {
			return parsed
		}
	}
	if parsed, err := s.parseArchiveURL(requestURL); err == nil {
		return parsed
	}
	return &ArchiveURL{Target: requestURL, Mode: mode}
}

// urlsEquivalent reports whether two original URLs name the same capture
// target, tolerating the case, trailing-slash and (optionally) scheme
// differences Wayback's canonicalization introduces. Scheme differences
// matter when classifying captured redirects: an archived http->https hop
// is a historical fact, not canonicalization.
func urlsEquivalent(a, b string, ignoreScheme bool) bool {
	ua, err1 := url.Parse(a)
	ub, err2 := url.Parse(b)
	if err1 != nil || err2 != nil {
		return a == b
	}
	if !ignoreScheme && !strings.EqualFold(ua.Scheme, ub.Scheme) {
		return false
	}
	if !strings.EqualFold(ua.Host, ub.Host) {
		return false
	}
	pa := strings.TrimRight(ua.EscapedPath(), "/")
	pb := strings.TrimRight(ub.EscapedPath(), "/")
	return strings.EqualFold(pa, pb) && ua.RawQuery == ub.RawQuery
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
