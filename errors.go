package wayback

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the interface satisfied by every condition this library raises.
// errors.As(err, new(wayback.Error)) matches any of the leaf types below.
type Error interface {
	error
	waybackError()
}

type baseError struct {
	msg string
}

func (e *baseError) Error() string { return e.msg }
func (e *baseError) waybackError() {}

// NotAWaybackURL reports input that does not match the playback URL schema.
type NotAWaybackURL struct {
	baseError
	Input string
}

func newNotAWaybackURL(input string) *NotAWaybackURL {
	return &NotAWaybackURL{baseError{fmt.Sprintf("%q is not a Wayback Machine URL", input)}, input}
}

// UnexpectedResponseFormat reports a malformed CDX line or memento header.
type UnexpectedResponseFormat struct {
	baseError
	// Input is the offending line or header value.
	Input string
}

// BlockedByRobotsError reports a URL excluded from playback by robots.txt.
type BlockedByRobotsError struct {
	baseError
	URL string
}

// BlockedSiteError reports content removed from playback by request.
type BlockedSiteError struct {
	baseError
	URL string
}

// NoMementoError reports a URL with no captures in Wayback.
type NoMementoError struct {
	baseError
	URL       string
	Timestamp time.Time
}

// MementoPlaybackError reports that Wayback refused or failed to play a
// specific memento (including exactness and target-window violations).
type MementoPlaybackError struct {
	baseError
	URL        string
	Timestamp  time.Time
	ArchiveURL string
}

// RateLimitError reports a rate limit imposed by the archive itself.
// RetryAfter carries the server-requested cooldown when one was sent.
type RateLimitError struct {
	baseError
	URL        string
	RetryAfter time.Duration
}

// RetryError reports that the session's retry budget was exhausted. Elapsed
// is measured from the first attempt and includes server response waits, not
// just backoff sleeps. Cause is the final failure.
type RetryError struct {
	baseError
	Attempts int
	Elapsed  time.Duration
	Cause    error
}

func (e *RetryError) Unwrap() error { return e.Cause }

// SessionClosedError reports use of a session after Close.
type SessionClosedError struct {
	baseError
}

func newSessionClosedError() *SessionClosedError {
	return &SessionClosedError{baseError{"session is closed; create a new instance to make more requests"}}
}

// Matchers holds the substring heuristics that map Wayback response bodies
// to conditions. Wayback does not formally specify these bodies and they
// have changed over time, so they are configurable per session rather than
// hard-coded at the match sites.
type Matchers struct {
	// RobotsBlock marks playback refused due to robots.txt exclusion.
	RobotsBlock []string
	// Takedown marks content removed from playback by request.
	Takedown []string
	// RateLimit marks an archive-side rate-limit page, including ones
	// served with a 200 status.
	RateLimit []string
	// NoMemento marks a 404 body explaining the URL has no captures.
	NoMemento []string
}

// DefaultMatchers returns the body patterns observed on the live service.
func DefaultMatchers() Matchers {
	return Matchers{
		RobotsBlock: []string{
			"robots.txt",
			"Blocked By Robots",
			"Page cannot be displayed due to robots",
		},
		Takedown: []string{
			"excluded from the Wayback Machine",
			"This URL has been excluded",
		},
		RateLimit: []string{
			"Too Many Requests",
			"your request has been temporarily limited",
		},
		NoMemento: []string{
			"not in archive",
			"Wayback Machine has not archived that URL",
			"Page cannot be crawled or displayed",
		},
	}
}

func matchAny(body string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(body, p) {
			return true
		}
	}
	return false
}

// isPlaybackResponse reports whether the response headers identify a served
// memento rather than an archive-side condition. A 429 carrying these
// headers is an archived capture of a rate-limited origin, never a rate
// limit on us.
func isPlaybackResponse(h http.Header) bool {
	if h.Get("Memento-Datetime") != "" {
		return true
	}
	for key := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(key), "X-Archive-") {
			return true
		}
	}
	return false
}

// parseRetryAfter decodes a Retry-After header value given either as a
// delta in seconds or as an HTTP-date. Zero means absent or unparseable.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// classifyBlocked maps a non-2xx response to a blocked condition: a takedown
// body is a BlockedSiteError, and a 403 or a robots body is a
// BlockedByRobotsError. It returns nil when neither applies.
func (m Matchers) classifyBlocked(status int, body, reqURL string) error {
	switch {
	case matchAny(body, m.Takedown):
		return &BlockedSiteError{
			baseError{fmt.Sprintf("%s has been blocked from the Wayback Machine by a takedown request", reqURL)},
			reqURL,
		}
	case status == http.StatusForbidden || matchAny(body, m.RobotsBlock):
		return &BlockedByRobotsError{
			baseError{fmt.Sprintf("%s is blocked from playback by robots.txt", reqURL)},
			reqURL,
		}
	}
	return nil
}

// isRateLimit reports whether the response looks like an archive-side rate
// limit: a plain 429, or a rate-limit body on any status. Responses that
// carry memento playback headers are archived data and never match.
func (m Matchers) isRateLimit(resp *http.Response, body string) bool {
	if isPlaybackResponse(resp.Header) {
		return false
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return matchAny(body, m.RateLimit)
}
