package wayback

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

const linkHeaderSample = `<http://www.noaa.gov/>; rel="original", ` +
	`<https://web.archive.org/web/timemap/link/http://www.noaa.gov/>; rel="timemap"; type="application/link-format", ` +
	`<https://web.archive.org/web/19961221192640/http://www.noaa.gov/>; rel="first memento"; datetime="Sat, 21 Dec 1996 19:26:40 GMT", ` +
	`<https://web.archive.org/web/20180731both,comma/http://www.noaa.gov/>; rel="prev memento"; datetime="Tue, 31 Jul 2018 23:59:59 GMT", ` +
	`<https://web.archive.org/web/20180802000000/http://www.noaa.gov/>; rel="next memento"`

func TestParseLinkHeaderRelations(t *testing.T) {
	links := parseLinkHeader([]string{linkHeaderSample})

	if got := links["original"].URL; got != "http://www.noaa.gov/" {
		t.Errorf("original = %q", got)
	}
	if _, ok := links["timemap"]; !ok {
		t.Error("missing timemap relation")
	}

	first, ok := links["first memento"]
	if !ok {
		t.Fatal("compound relation names must stay whole keys")
	}
	want := time.Date(1996, 12, 21, 19, 26, 40, 0, time.UTC)
	if !first.Datetime.Equal(want) {
		t.Errorf("first memento datetime = %v, want %v", first.Datetime, want)
	}
	if first.Rel != "first memento" {
		t.Errorf("rel = %q", first.Rel)
	}

	// The comma inside the prev target must not split the entry.
	if got := links["prev memento"].URL; !strings.Contains(got, "both,comma") {
		t.Errorf("prev memento = %q, comma-in-target was split", got)
	}
	if _, ok := links["next memento"]; !ok {
		t.Error("missing next memento relation")
	}
}

func TestParseLinkHeaderIgnoresJunk(t *testing.T) {
	links := parseLinkHeader([]string{`garbage without brackets, <http://x.com/>; rel="original"`})
	if len(links) != 1 || links["original"].URL != "http://x.com/" {
		t.Errorf("links = %v", links)
	}
}

// The archived origin's headers come from the X-Archive-Orig-* replay set,
// with the prefix stripped.
func TestOrigHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=UTF-8")
	h.Set("X-Archive-Orig-Content-Type", "text/html; charset=windows-1252")
	h.Set("X-Archive-Orig-Server", "Apache/2.2")
	h.Set("X-Archive-Src", "live-20180801-wwwb")
	h.Set("Memento-Datetime", "Wed, 01 Aug 2018 00:00:00 GMT")

	out := origHeaders(h)
	if out.Len() != 2 {
		t.Fatalf("Len = %d, want only the Orig set", out.Len())
	}
	if got := out.Get("content-type"); got != "text/html; charset=windows-1252" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := out.Get("SERVER"); got != "Apache/2.2" {
		t.Errorf("Server = %q", got)
	}
}

// The archived Content-Type charset wins over the response-level one.
func TestResponseEncodingPrefersArchivedContentType(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=UTF-8")
	h.Set("X-Archive-Orig-Content-Type", "text/html; charset=Windows-1252")
	if got := responseEncoding(h); got != "windows-1252" {
		t.Errorf("encoding = %q", got)
	}

	h2 := http.Header{}
	h2.Set("Content-Type", "text/html; charset=utf-8")
	if got := responseEncoding(h2); got != "utf-8" {
		t.Errorf("encoding = %q", got)
	}

	// Neither header names a charset: the sentinel is empty, not a guess.
	h3 := http.Header{}
	h3.Set("Content-Type", "application/octet-stream")
	if got := responseEncoding(h3); got != "" {
		t.Errorf("encoding = %q, want empty sentinel", got)
	}
}

// Text decodes legacy charsets; Content returns the raw bytes either way.
func TestMementoTextDecoding(t *testing.T) {
	m := &Memento{
		Encoding: "windows-1252",
		body:     io.NopCloser(strings.NewReader("caf\xe9")),
	}
	text, err := m.Text()
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if text != "café" {
		t.Errorf("text = %q, want café", text)
	}
	content, err := m.Content()
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if string(content) != "caf\xe9" {
		t.Errorf("content = %q, want raw bytes", content)
	}
}

// An unknown or absent encoding falls back to the raw bytes.
func TestMementoTextUnknownEncoding(t *testing.T) {
	m := &Memento{
		Encoding: "x-not-a-charset",
		body:     io.NopCloser(strings.NewReader("plain")),
	}
	text, err := m.Text()
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if text != "plain" {
		t.Errorf("text = %q", text)
	}
}

// Content is memoized; Close after consumption is a no-op.
func TestMementoContentMemoized(t *testing.T) {
	m := &Memento{body: io.NopCloser(strings.NewReader("once"))}
	a, _ := m.Content()
	b, _ := m.Content()
	if string(a) != "once" || string(b) != "once" {
		t.Errorf("content = %q / %q", a, b)
	}
	if err := m.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestMementoStatusHelpers(t *testing.T) {
	ok := &Memento{StatusCode: 200}
	if !ok.OK() || ok.IsRedirect() {
		t.Error("200 should be OK and not a redirect")
	}
	moved := &Memento{StatusCode: 301}
	if !moved.OK() || !moved.IsRedirect() {
		t.Error("301 should be OK and a redirect")
	}
	missing := &Memento{StatusCode: 404}
	if missing.OK() || missing.IsRedirect() {
		t.Error("404 should be neither")
	}
}
