// Package wayback is a read-only client for the Internet Archive's Wayback
// Machine. It searches the capture index (CDX) for historical snapshots of a
// URL and fetches individual captures (mementos) together with the archived
// response body and headers.
//
// All network access goes through a Session, which provides connection
// reuse, per-endpoint rate limiting, retry with backoff and a per-read
// timeout. A Session is owned by one caller at a time; concurrent use
// requires one session per concurrent user (see FetchAll for a helper that
// follows this rule).
package wayback

// Version identifies this library in the default User-Agent string.
const Version = "0.4.0"

const projectURL = "https://github.com/edgi-govdata-archiving/wayback"

// DefaultUserAgent is sent on every request unless overridden per session.
const DefaultUserAgent = "wayback/" + Version + " (+" + projectURL + ")"
