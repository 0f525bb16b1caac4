package wayback

import (
	"errors"
	"testing"
	"time"
)

const sampleCDXLine = "gov,nasa)/ 19961231235847 http://www.nasa.gov/ text/html 200 ZY5NAJOHBPT6ZJP3QSZBSAT3IVEBAJGD 1811"

func TestParseCDXLine(t *testing.T) {
	rec, err := parseCDXLine(sampleCDXLine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Key != "gov,nasa)/" {
		t.Errorf("key = %q", rec.Key)
	}
	if rec.URL != "http://www.nasa.gov/" {
		t.Errorf("url = %q", rec.URL)
	}
	if rec.MimeType != "text/html" {
		t.Errorf("mime = %q", rec.MimeType)
	}
	if rec.StatusCode != 200 {
		t.Errorf("status = %d", rec.StatusCode)
	}
	if rec.Digest != "ZY5NAJOHBPT6ZJP3QSZBSAT3IVEBAJGD" {
		t.Errorf("digest = %q", rec.Digest)
	}
	if rec.Length != 1811 {
		t.Errorf("length = %d", rec.Length)
	}
	want := time.Date(1996, 12, 31, 23, 58, 47, 0, time.UTC)
	if !rec.Timestamp.Equal(want) || rec.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp = %v, want %v UTC", rec.Timestamp, want)
	}
}

// "-" is the index's absent marker for status, digest and length.
func TestParseCDXLineAbsentFields(t *testing.T) {
	rec, err := parseCDXLine("gov,nasa)/ 20100101000000 http://www.nasa.gov/ warc/revisit - - -")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.StatusCode != 0 {
		t.Errorf("status = %d, want 0", rec.StatusCode)
	}
	if rec.Digest != "" {
		t.Errorf("digest = %q, want empty", rec.Digest)
	}
	if rec.Length != -1 {
		t.Errorf("length = %d, want -1", rec.Length)
	}
	if rec.MimeType != "warc/revisit" {
		t.Errorf("mime = %q", rec.MimeType)
	}
}

// Some index rows drop the trailing length field entirely.
func TestParseCDXLineMissingLength(t *testing.T) {
	rec, err := parseCDXLine("gov,nasa)/ 20100101000000 http://www.nasa.gov/ text/html 200 ABCDEF")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Length != -1 {
		t.Errorf("length = %d, want -1", rec.Length)
	}
}

// Zero month/day rows parse instead of failing.
func TestParseCDXLineZeroMonthDay(t *testing.T) {
	rec, err := parseCDXLine("gov,nasa)/ 20100000000000 http://www.nasa.gov/ text/html 200 ABCDEF 100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	if !rec.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", rec.Timestamp, want)
	}
}

func TestParseCDXLineMalformed(t *testing.T) {
	for _, line := range []string{
		"too few fields",
		"gov,nasa)/ 20100101000000 http://www.nasa.gov/ text/html NOTANUMBER ABCDEF 100",
		"gov,nasa)/ 20100101000000 http://www.nasa.gov/ text/html 200 ABCDEF NOTANUMBER",
		"a b c d e f g h",
	} {
		_, err := parseCDXLine(line)
		var format *UnexpectedResponseFormat
		if !errors.As(err, &format) {
			t.Errorf("%q: error = %v, want UnexpectedResponseFormat", line, err)
		}
	}
}

// RawURL and ViewURL must parse back to the record's own coordinates,
// differing only in mode token.
func TestCDXRecordArchiveURLsRoundTrip(t *testing.T) {
	rec, err := parseCDXLine(sampleCDXLine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := ParseArchiveURL(rec.RawURL)
	if err != nil {
		t.Fatalf("RawURL does not parse: %v", err)
	}
	if raw.Target != rec.URL || !raw.Timestamp.Equal(rec.Timestamp) || raw.Mode != ModeOriginal {
		t.Errorf("RawURL parses to %+v", raw)
	}

	view, err := ParseArchiveURL(rec.ViewURL)
	if err != nil {
		t.Fatalf("ViewURL does not parse: %v", err)
	}
	if view.Target != rec.URL || !view.Timestamp.Equal(rec.Timestamp) || view.Mode != ModeView {
		t.Errorf("ViewURL parses to %+v", view)
	}
}
