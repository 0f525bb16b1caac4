package wayback

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

// Every leaf condition is matchable as the common Error interface.
func TestErrorTaxonomyCommonBase(t *testing.T) {
	leaves := []error{
		newNotAWaybackURL("x"),
		&UnexpectedResponseFormat{baseError{"bad line"}, "line"},
		&BlockedByRobotsError{baseError{"blocked"}, "http://x.com/"},
		&BlockedSiteError{baseError{"blocked"}, "http://x.com/"},
		&NoMementoError{baseError{"none"}, "http://x.com/", time.Time{}},
		&MementoPlaybackError{baseError{"failed"}, "http://x.com/", time.Time{}, ""},
		&RateLimitError{baseError{"limited"}, "http://x.com/", 30 * time.Second},
		&RetryError{baseError{"gave up"}, 3, time.Second, errors.New("cause")},
		newSessionClosedError(),
	}
	for _, leaf := range leaves {
		var we Error
		if !errors.As(leaf, &we) {
			t.Errorf("%T does not match the Error interface", leaf)
		}
		if leaf.Error() == "" {
			t.Errorf("%T has an empty message", leaf)
		}
	}
}

// RetryError exposes its root cause through errors.Unwrap.
func TestRetryErrorUnwrap(t *testing.T) {
	cause := &RateLimitError{baseError{"limited"}, "http://x.com/", 30 * time.Second}
	err := &RetryError{baseError{"gave up"}, 6, time.Minute, cause}

	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatal("RetryError should unwrap to its cause")
	}
	if rl.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v", rl.RetryAfter)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	if got := parseRetryAfter("30"); got != 30*time.Second {
		t.Errorf("parseRetryAfter(30) = %v", got)
	}
	if got := parseRetryAfter(" 5 "); got != 5*time.Second {
		t.Errorf("parseRetryAfter(' 5 ') = %v", got)
	}
}

// HTTP-date values convert to a delta from now.
func TestParseRetryAfterHTTPDate(t *testing.T) {
	date := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(date)
	if got < 80*time.Second || got > 90*time.Second {
		t.Errorf("parseRetryAfter(%q) = %v, want ~90s", date, got)
	}
}

func TestParseRetryAfterGarbage(t *testing.T) {
	for _, v := range []string{"", "soon", "-5"} {
		if got := parseRetryAfter(v); got != 0 {
			t.Errorf("parseRetryAfter(%q) = %v, want 0", v, got)
		}
	}
}

// Memento playback headers mark a response as archived data.
func TestIsPlaybackResponse(t *testing.T) {
	h := http.Header{}
	if isPlaybackResponse(h) {
		t.Error("bare headers should not look like playback")
	}
	h.Set("Memento-Datetime", "Wed, 01 Aug 2018 00:00:00 GMT")
	if !isPlaybackResponse(h) {
		t.Error("Memento-Datetime should mark playback")
	}

	h2 := http.Header{}
	h2.Set("X-Archive-Orig-Server", "Apache")
	if !isPlaybackResponse(h2) {
		t.Error("X-Archive-Orig-* should mark playback")
	}
}

// An archived capture of a rate-limited origin is data, not a limit on us.
func TestIsRateLimitIgnoresArchived429(t *testing.T) {
	m := DefaultMatchers()

	resp := &http.Response{StatusCode: 429, Header: http.Header{}}
	if !m.isRateLimit(resp, "") {
		t.Error("plain 429 is a rate limit")
	}

	resp.Header.Set("Memento-Datetime", "Wed, 01 Aug 2018 00:00:00 GMT")
	if m.isRateLimit(resp, "") {
		t.Error("429 with playback headers is archived data")
	}
}

// A 200 whose body is the archive's rate-limit page still counts.
func TestIsRateLimitBodyPattern(t *testing.T) {
	m := DefaultMatchers()
	resp := &http.Response{StatusCode: 200, Header: http.Header{}}
	if !m.isRateLimit(resp, "<html>Too Many Requests</html>") {
		t.Error("rate-limit body on a 200 should match")
	}
	if m.isRateLimit(resp, "urlkey timestamp") {
		t.Error("ordinary body should not match")
	}
}

func TestClassifyBlocked(t *testing.T) {
	m := DefaultMatchers()

	err := m.classifyBlocked(403, "", "http://x.com/")
	var robots *BlockedByRobotsError
	if !errors.As(err, &robots) {
		t.Errorf("403 = %v, want BlockedByRobotsError", err)
	}

	err = m.classifyBlocked(200, "This URL has been excluded from the Wayback Machine.", "http://x.com/")
	var site *BlockedSiteError
	if !errors.As(err, &site) {
		t.Errorf("takedown body = %v, want BlockedSiteError", err)
	}

	if err := m.classifyBlocked(500, "server exploded", "http://x.com/"); err != nil {
		t.Errorf("plain 500 = %v, want nil", err)
	}
}
