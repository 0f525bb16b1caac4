package wayback

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cdxFieldCount is the fixed field order of a CDX text line:
// urlkey timestamp original mimetype statuscode digest length
const cdxFieldCount = 7

// CDXRecord is one row of the capture index: a single known capture of a
// URL. Values are immutable once parsed.
type CDXRecord struct {
	// Key is the SURT-form canonical lookup key, e.g. "gov,nasa)/".
	Key string
	// Timestamp is the capture instant, always UTC, 1-second resolution.
	Timestamp time.Time
	// URL is the originally captured URL. It may differ from the query
	// URL by case, scheme or trailing slash.
	URL string
	// MimeType may be the sentinel "warc/revisit" or empty.
	MimeType string
	// StatusCode is the archived HTTP status; 0 when unknown.
	StatusCode int
	// Digest is the base32 SHA-1 content digest; empty when absent.
	Digest string
	// Length is the captured byte length; -1 when absent.
	Length int64
	// RawURL plays this capture back in original (unmodified bytes) mode.
	RawURL string
	// ViewURL plays this capture back in the browse-friendly mode.
	ViewURL string
}

// fingerprint identifies a capture for cross-page deduplication.
func (r *CDXRecord) fingerprint() string {
	return FormatTimestamp(r.Timestamp) + "|" + r.URL + "|" + r.Digest
}

// parseCDXLine decodes one whitespace-separated CDX index line. Absent
// fields arrive as "-": digest maps to "", status to 0 and length to -1.
func parseCDXLine(line string) (*CDXRecord, error) {
	fields := strings.Fields(line)
	// A trailing absent length is sometimes dropped entirely.
	if len(fields) != cdxFieldCount && len(fields) != cdxFieldCount-1 {
		return nil, &UnexpectedResponseFormat{
			baseError{fmt.Sprintf("CDX line has %d fields, want %d: %q", len(fields), cdxFieldCount, line)},
			line,
		}
	}

	ts, err := ParseTimestamp(fields[1])
	if err != nil {
		return nil, &UnexpectedResponseFormat{
			baseError{fmt.Sprintf("CDX line timestamp: %v", err)},
			line,
		}
	}

	rec := &CDXRecord{
		Key:       fields[0],
		Timestamp: ts,
		URL:       fields[2],
		Length:    -1,
	}

	if fields[3] != "-" {
		rec.MimeType = fields[3]
	}
	if fields[4] != "-" {
		code, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, &UnexpectedResponseFormat{
				baseError{fmt.Sprintf("CDX line status %q: not a number", fields[4])},
				line,
			}
		}
		rec.StatusCode = code
	}
	if fields[5] != "-" {
		rec.Digest = fields[5]
	}
	if len(fields) == cdxFieldCount && fields[6] != "-" {
		n, err := strconv.ParseInt(fields[6], 10, 64)
		if err != nil {
			return nil, &UnexpectedResponseFormat{
				baseError{fmt.Sprintf("CDX line length %q: not a number", fields[6])},
				line,
			}
		}
		rec.Length = n
	}

	rec.RawURL = FormatArchiveURL(rec.URL, rec.Timestamp, ModeOriginal)
	rec.ViewURL = FormatArchiveURL(rec.URL, rec.Timestamp, ModeView)
	return rec, nil
}
