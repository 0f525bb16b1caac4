package wayback

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout        = 60 * time.Second
	defaultSearchRate     = 1.0  // calls/second against the CDX endpoint
	defaultMementoRate    = 30.0 // calls/second against the playback endpoint
	defaultSearchRetries  = 6
	defaultMementoRetries = 3

	backoffBase    = 2 * time.Second
	backoffCap     = 60 * time.Second
	rateLimitFloor = 60 * time.Second

	// maxDrainBytes bounds how much of an abandoned body is read before
	// closing, so the connection can be reused without buffering huge
	// error pages.
	maxDrainBytes = 512 * 1024
)

// endpoint selects which of the session's rate limiters and retry budgets
// applies to a request.
type endpoint int

const (
	endpointSearch endpoint = iota
	endpointMemento
)

// Options configures a Session. The zero value selects the defaults noted
// on each field.
type Options struct {
	// UserAgent overrides DefaultUserAgent.
	UserAgent string
	// Timeout is the per-read socket deadline, re-armed between bytes; it
	// is not a wall-clock limit on the whole request. 0 selects 60s,
	// negative disables.
	Timeout time.Duration
	// SearchRate and MementoRate are calls/second ceilings for the two
	// endpoints. 0 selects the defaults (1 and 30); negative disables.
	SearchRate  float64
	MementoRate float64
	// SearchRetries and MementoRetries are retry budgets past the first
	// attempt. 0 selects the defaults (6 and 3); negative disables.
	SearchRetries  int
	MementoRetries int
	// Logger receives debug-level notes on retries, waits and redirect
	// hops. Nil discards them.
	Logger *log.Logger
	// Matchers overrides the response-body heuristics of DefaultMatchers.
	Matchers *Matchers

	// Endpoint overrides used by tests to stand in for the archive.
	cdxBase      string
	playbackRoot string
}

// Session holds the HTTP transport state shared by all operations of one
// Client: the connection pool, retry policy, per-endpoint rate limiters and
// the per-read timeout. A session is owned by one caller at a time; it is
// not safe for concurrent use. After Close every operation returns a
// *SessionClosedError.
type Session struct {
	client    *http.Client
	transport *http.Transport
	userAgent string
	logger    *log.Logger
	matchers  Matchers

	searchLimiter  *rate.Limiter
	mementoLimiter *rate.Limiter
	searchRetries  int
	mementoRetries int

	// Endpoint bases, overridden in tests to point at local servers.
	cdxBase      string
	playbackRoot string

	closed bool
}

// NewSession creates a session with its own connection pool. opts may be
// nil for all defaults.
func NewSession(opts *Options) *Session {
	if opts == nil {
		opts = &Options{}
	}

	readTimeout := opts.Timeout
	if readTimeout == 0 {
		readTimeout = defaultTimeout
	} else if readTimeout < 0 {
		readTimeout = 0
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if readTimeout > 0 {
				conn = &deadlineConn{Conn: conn, timeout: readTimeout}
			}
			return conn, nil
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	matchers := DefaultMatchers()
	if opts.Matchers != nil {
		matchers = *opts.Matchers
	}

	s := &Session{
		client: &http.Client{
			Transport: transport,
			// Redirects are navigated by hand so archival-internal and
			// historical hops can be told apart.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		transport:      transport,
		userAgent:      ua,
		logger:         logger,
		matchers:       matchers,
		searchLimiter:  newLimiter(opts.SearchRate, defaultSearchRate),
		mementoLimiter: newLimiter(opts.MementoRate, defaultMementoRate),
		searchRetries:  retryBudget(opts.SearchRetries, defaultSearchRetries),
		mementoRetries: retryBudget(opts.MementoRetries, defaultMementoRetries),
		cdxBase:        cdxEndpoint,
		playbackRoot:   playbackBase,
	}
	if opts.cdxBase != "" {
		s.cdxBase = opts.cdxBase
	}
	if opts.playbackRoot != "" {
		s.playbackRoot = opts.playbackRoot
	}
	return s
}

// formatArchiveURL builds a playback URL against this session's playback
// endpoint. Outside of tests this matches FormatArchiveURL.
func (s *Session) formatArchiveURL(target string, ts time.Time, mode Mode) string {
	return s.playbackRoot + FormatTimestamp(ts) + string(mode) + "/" + target
}

// parseArchiveURL decodes a playback URL served by this session's
// endpoint, translating a test endpoint back to the canonical form first.
func (s *Session) parseArchiveURL(u string) (*ArchiveURL, error) {
	if s.playbackRoot != playbackBase && strings.HasPrefix(u, s.playbackRoot) {
		u = playbackBase + strings.TrimPrefix(u, s.playbackRoot)
	}
	return ParseArchiveURL(u)
}

func newLimiter(callsPerSec, def float64) *rate.Limiter {
	if callsPerSec == 0 {
		callsPerSec = def
	}
	if callsPerSec < 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(callsPerSec), 1)
}

func retryBudget(n, def int) int {
	if n == 0 {
		return def
	}
	if n < 0 {
		return 0
	}
	return n
}

// Close shuts down the connection pool. Further use of the session yields
// *SessionClosedError. Close is idempotent.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.transport.CloseIdleConnections()
	return nil
}

// deadlineConn applies a fresh read deadline before every Read, making the
// session timeout a between-bytes limit rather than a whole-request one.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func retriableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// backoffDelay is exponential from a 2 s base, capped at 60 s.
func backoffDelay(attempt int) time.Duration {
	if attempt > 5 {
		return backoffCap
	}
	d := backoffBase << uint(attempt)
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// retryDelay returns how long to wait before the next attempt. A rate-limit
// breach gets max(backoff, Retry-After, 60s); the strict floor applies no
// matter how early in the backoff schedule the 429 arrives.
func retryDelay(attempt int, resp *http.Response) time.Duration {
	d := backoffDelay(attempt)
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > d {
			d = ra
		}
		if d < rateLimitFloor {
			d = rateLimitFloor
		}
	}
	return d
}

// closeResponse drains and releases a response body so the underlying
// connection returns to the pool. Safe on nil.
func closeResponse(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()
}

// get issues a GET with the endpoint's rate limit and retry budget applied.
// Transport errors and the statuses {429, 500, 502, 503, 504} are retried;
// any other response is returned to the caller for semantic mapping, body
// open. A 429 that carries memento playback headers is an archived capture
// of a rate-limited origin and is returned as data, not retried.
func (s *Session) get(ctx context.Context, ep endpoint, rawURL string) (*http.Response, error) {
	if s.closed {
		return nil, newSessionClosedError()
	}

	limiter, retries := s.searchLimiter, s.searchRetries
	if ep == endpointMemento {
		limiter, retries = s.mementoLimiter, s.mementoRetries
	}

	start := time.Now()
	for attempt := 0; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("wayback: create request: %w", err)
		}
		req.Header.Set("User-Agent", s.userAgent)
		req.Header.Set("Accept", "*/*")

		resp, err := s.client.Do(req)

		var cause error
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			cause = err
		case !retriableStatus(resp.StatusCode):
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests && isPlaybackResponse(resp.Header):
			// Archived 429: the capture itself, not a limit on us.
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			cause = &RateLimitError{
				baseError{fmt.Sprintf("rate limited by the archive on %s", rawURL)},
				rawURL,
				parseRetryAfter(resp.Header.Get("Retry-After")),
			}
		default:
			cause = fmt.Errorf("wayback: HTTP %d for %s", resp.StatusCode, rawURL)
		}

		if attempt >= retries {
			closeResponse(resp)
			if rl, ok := cause.(*RateLimitError); ok {
				return nil, rl
			}
			return nil, &RetryError{
				baseError{fmt.Sprintf("gave up on %s after %d attempts: %v", rawURL, attempt+1, cause)},
				attempt + 1,
				time.Since(start),
				cause,
			}
		}

		delay := backoffDelay(attempt)
		if resp != nil {
			delay = retryDelay(attempt, resp)
		}
		closeResponse(resp)

		s.logger.Debug("retrying request",
			"url", rawURL, "attempt", attempt+1, "delay", delay, "cause", cause)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}
