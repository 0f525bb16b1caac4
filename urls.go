package wayback

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	sanitize "github.com/mrz1836/go-sanitize"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// Mode is a playback-mode token injected into an archive URL between the
// timestamp and the target. It instructs Wayback how to serve the memento.
type Mode string

const (
	// ModeOriginal serves the exact archived response, bytes unmodified.
	ModeOriginal Mode = "id_"
	// ModeView serves the browser-friendly rewrite with Wayback decorations.
	ModeView Mode = ""
	// ModeIframe serves the capture as an iframe payload.
	ModeIframe Mode = "if_"
	// ModeImage serves the capture as a bare image.
	ModeImage Mode = "im_"
)

const archiveHost = "web.archive.org"

// playbackBase is the prefix of every memento playback URL.
const playbackBase = "https://" + archiveHost + "/web/"

// cdxEndpoint is the capture-index search endpoint.
const cdxEndpoint = "https://" + archiveHost + "/cdx/search/cdx"

// archiveURLRe matches http[s]://web.archive.org/web/<14-digit-ts><mode>/<target>.
// The mode group is everything between the timestamp and the next slash so
// unknown tokens round-trip verbatim.
var archiveURLRe = regexp.MustCompile(`^https?://web\.archive\.org/web/([0-9]{14})([^/]*)/(.+)$`)

// ArchiveURL is the decoded form of a Wayback playback URL.
type ArchiveURL struct {
	Target    string
	Timestamp time.Time
	Mode      Mode
}

// String re-encodes the archive URL. For a value decoded from a well-formed
// playback URL this reproduces the input string.
func (a ArchiveURL) String() string {
	return FormatArchiveURL(a.Target, a.Timestamp, a.Mode)
}

// ParseArchiveURL decodes a Wayback playback URL into its target URL,
// capture timestamp and playback mode. Inputs that do not match the
// playback URL schema yield a *NotAWaybackURL error.
func ParseArchiveURL(s string) (*ArchiveURL, error) {
	m := archiveURLRe.FindStringSubmatch(s)
	if m == nil {
		return nil, newNotAWaybackURL(s)
	}
	ts, err := ParseTimestamp(m[1])
	if err != nil {
		return nil, newNotAWaybackURL(s)
	}
	return &ArchiveURL{
		Target:    m[3],
		Timestamp: ts,
		Mode:      Mode(m[2]),
	}, nil
}

// FormatArchiveURL builds a playback URL for target at ts in the given mode.
func FormatArchiveURL(target string, ts time.Time, mode Mode) string {
	return playbackBase + FormatTimestamp(ts) + string(mode) + "/" + target
}

// tsPad supplies the month/day/time defaults for partial timestamps: a bare
// year becomes Jan 1 midnight, a year+month becomes the 1st, and so on.
const tsPad = "xxxx0101000000"

// ParseTimestamp decodes a Wayback timestamp (4 to 14 digits,
// YYYY[MM[DD[hh[mm[ss]]]]]) into a UTC instant. Zero month or day values,
// which occur in real CDX data, are clamped to 1 rather than rejected.
func ParseTimestamp(s string) (time.Time, error) {
	if len(s) < 4 || len(s) > 14 || len(s)%2 != 0 {
		return time.Time{}, fmt.Errorf("timestamp %q: need 4-14 digits in pairs", s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return time.Time{}, fmt.Errorf("timestamp %q: non-digit at position %d", s, i)
		}
	}
	full := s + tsPad[len(s):]

	year, _ := strconv.Atoi(full[0:4])
	month, _ := strconv.Atoi(full[4:6])
	day, _ := strconv.Atoi(full[6:8])
	hour, _ := strconv.Atoi(full[8:10])
	minute, _ := strconv.Atoi(full[10:12])
	sec, _ := strconv.Atoi(full[12:14])

	// Clamp the zero month/day sentinel to the first valid value.
	if month == 0 {
		month = 1
	}
	if day == 0 {
		day = 1
	}
	return time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC), nil
}

// FormatTimestamp encodes t as a 14-digit Wayback timestamp in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("20060102150405")
}

// normalizeSearchURL cleans a caller-supplied URL or domain for use as a CDX
// query target: whitespace and control characters are stripped and non-ASCII
// hostnames are punycoded so the index sees the registered form. The
// punycode step runs before sanitization so international hostnames reach
// the sanitizer in their ASCII form.
func normalizeSearchURL(raw string) (string, error) {
	cleaned := sanitize.SingleLine(strings.TrimSpace(raw))
	if cleaned == "" {
		return "", fmt.Errorf("empty search url")
	}
	return sanitize.URL(punycodeHost(cleaned)), nil
}

// punycodeHost converts the hostname portion of a URL or bare host[/path]
// string to its ASCII (IDNA) form, leaving everything else untouched.
func punycodeHost(s string) string {
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			// Leave unparseable input for the server to reject.
			return s
		}
		ascii, err := idna.ToASCII(u.Hostname())
		if err != nil || ascii == u.Hostname() {
			return s
		}
		host := ascii
		if p := u.Port(); p != "" {
			host += ":" + p
		}
		u.Host = host
		return u.String()
	}
	hostPart := s
	rest := ""
	if i := strings.IndexByte(s, '/'); i >= 0 {
		hostPart, rest = s[:i], s[i:]
	}
	if ascii, err := idna.ToASCII(hostPart); err == nil {
		return ascii + rest
	}
	return s
}

// RootDomain extracts the registrable domain (eTLD+1) from a URL or
// hostname, handling multi-label suffixes like .co.uk via the public suffix
// list. Domain-wide searches use this to reduce a full URL to the host the
// CDX index keys on.
func RootDomain(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("empty input")
	}
	if strings.Contains(input, "://") {
		parsed, err := url.Parse(input)
		if err != nil {
			return "", fmt.Errorf("parse: %w", err)
		}
		input = parsed.Hostname()
	} else if i := strings.IndexByte(input, '/'); i >= 0 {
		input = input[:i]
	}
	input = strings.TrimSuffix(input, ".")
	root, err := publicsuffix.EffectiveTLDPlusOne(input)
	if err != nil {
		return "", fmt.Errorf("extract root domain: %w", err)
	}
	return root, nil
}
