// Package tag decodes and encodes the scan payloads carried by NFC tags and
// deep links.
//
// Two wire formats exist. Static tags carry only a program id (and optional
// merchant id) in the query string; the scan timestamp is stamped at decode
// time and the award is fixed to one punch, so a written tag never expires.
// The legacy signed format additionally embeds points, a timestamp and a
// rolling-hash signature with a 24 hour validity window; it is kept only so
// tags already in the field keep verifying.
package tag

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Scheme is the production deep-link scheme written to static tags.
const Scheme = "loyaltyapp://"

// legacyPrefix marks the pre-deep-link structured tag format.
const legacyPrefix = "LOYALTY://"

// MaxTagAge is the validity window of legacy signed tags.
const MaxTagAge = 24 * time.Hour

// Payload is the decoded content of one scan. It lives only for the duration
// of a single scan-processing pass and is never persisted.
type Payload struct {
	ProgramID  string
	Points     int
	Timestamp  int64
	MerchantID string
	// Legacy is set when the payload came from the signed format.
	Legacy bool
}

// Time returns the scan timestamp as a time.Time.
func (p Payload) Time() time.Time {
	return time.Unix(p.Timestamp, 0)
}

// Code classifies decode failures.
type Code string

const (
	// CodeMissingQuery means the URL carried no query component at all: the
	// app was opened without scan intent. This failure is silent.
	CodeMissingQuery     Code = "missing_query"
	CodeMissingProgramID Code = "missing_program_id"
	CodeInvalidSignature Code = "invalid_signature"
	CodeExpired          Code = "expired"
	CodeMalformedURL     Code = "malformed_url"
)

// Error is a decode failure with a machine code and a user-facing message.
type Error struct {
	Code   Code
	Reason string
	silent bool
}

func (e *Error) Error() string { return e.Reason }

// IsSilent reports whether err is a decode failure that must be swallowed
// without user feedback.
func IsSilent(err error) bool {
	te, ok := err.(*Error)
	return ok && te.silent
}

// CodeOf returns the failure code of a decode error, or "" for non-codec
// errors.
func CodeOf(err error) Code {
	if te, ok := err.(*Error); ok {
		return te.Code
	}
	return ""
}

func decodeErr(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Decode parses a raw scan string into a Payload. now is the wall-clock time
// of the scan; static payloads are stamped with it, legacy payloads are
// checked against it for expiry.
func Decode(raw string, now time.Time) (Payload, error) {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, legacyPrefix) {
		return decodeLegacyTag(strings.TrimPrefix(raw, legacyPrefix), now)
	}

	// A bare URL without a query component is the app being opened with no
	// scan intent, not a broken tag.
	qi := strings.Index(raw, "?")
	if qi < 0 {
		return Payload{}, &Error{Code: CodeMissingQuery, Reason: "no query parameters found", silent: true}
	}

	// The query string is extracted the same way for every scheme variant:
	// dev redirector URLs (exp://host/--/scan?...), the production scheme and
	// universal https links all put the payload after the first '?'.
	values, err := url.ParseQuery(raw[qi+1:])
	if err != nil {
		return Payload{}, decodeErr(CodeMalformedURL, "invalid URL format")
	}

	if values.Has("sig") || (values.Has("points") && values.Has("time")) {
		return decodeLegacyQuery(values, now)
	}
	return decodeStatic(values, now)
}

// decodeStatic handles the current tag format: program id only, one punch,
// timestamp stamped at scan time. No expiry-bearing field is embedded when
// the tag is written, so static tags never expire.
func decodeStatic(values url.Values, now time.Time) (Payload, error) {
	programID := values.Get("program")
	if programID == "" {
		return Payload{}, decodeErr(CodeMissingProgramID, "missing program ID")
	}
	return Payload{
		ProgramID:  programID,
		Points:     1,
		Timestamp:  now.Unix(),
		MerchantID: values.Get("merchant"),
	}, nil
}

func decodeLegacyQuery(values url.Values, now time.Time) (Payload, error) {
	programID := values.Get("program")
	if programID == "" {
		return Payload{}, decodeErr(CodeMissingProgramID, "missing program ID")
	}
	points, errP := strconv.Atoi(values.Get("points"))
	ts, errT := strconv.ParseInt(values.Get("time"), 10, 64)
	sig := values.Get("sig")
	if errP != nil || errT != nil || sig == "" {
		return Payload{}, decodeErr(CodeMalformedURL, "missing required parameters")
	}
	return verifyLegacy(programID, points, ts, sig, values.Get("merchant"), now)
}

// decodeLegacyTag parses the colon-separated structured string written by
// the first tag generation: id:points:timestamp:signature[:merchant].
func decodeLegacyTag(payload string, now time.Time) (Payload, error) {
	parts := strings.Split(payload, ":")
	if len(parts) < 4 {
		return Payload{}, decodeErr(CodeMalformedURL, "incomplete tag data")
	}
	points, errP := strconv.Atoi(parts[1])
	ts, errT := strconv.ParseInt(parts[2], 10, 64)
	if errP != nil || errT != nil {
		return Payload{}, decodeErr(CodeMalformedURL, "invalid tag data")
	}
	merchant := ""
	if len(parts) > 4 {
		merchant = parts[4]
	}
	return verifyLegacy(parts[0], points, ts, parts[3], merchant, now)
}

func verifyLegacy(programID string, points int, ts int64, sig, merchant string, now time.Time) (Payload, error) {
	if sig != Signature(programID, points, ts) {
		return Payload{}, decodeErr(CodeInvalidSignature, "invalid signature - tag may be tampered")
	}
	if now.Unix()-ts > int64(MaxTagAge/time.Second) {
		return Payload{}, decodeErr(CodeExpired, "tag expired (older than 24 hours)")
	}
	return Payload{
		ProgramID:  programID,
		Points:     points,
		Timestamp:  ts,
		MerchantID: merchant,
		Legacy:     true,
	}, nil
}

// Signature computes the non-cryptographic rolling hash over
// "programID-points-timestamp" used by legacy signed tags: h = h*31 + c with
// 32-bit signed wraparound, absolute value, lowercase hex, first six digits.
// Tags in the field were written with exactly this function, so the
// arithmetic must not change.
//
// The truncation keeps the HIGH hex digits, so perturbations that only move
// the dropped low digits go undetected: Signature(p, n, ts) and
// Signature(p, n, ts+1) usually collide. This is an inherited weakness of
// the format, one more reason it is deprecated in favor of static tags.
func Signature(programID string, points int, ts int64) string {
	data := fmt.Sprintf("%s-%d-%d", programID, points, ts)
	var h int32
	for _, c := range data {
		h = h<<5 - h + int32(c)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	s := strconv.FormatInt(v, 16)
	if len(s) > 6 {
		s = s[:6]
	}
	return s
}

// EncodeStatic builds the URL written once to a static tag. With a non-empty
// devBase (an Expo-style dev URL such as exp://192.168.0.10:8081) the dev
// redirector form is produced; otherwise the production scheme.
func EncodeStatic(programID, merchantID, devBase string) string {
	q := url.Values{}
	q.Set("program", programID)
	if merchantID != "" {
		q.Set("merchant", merchantID)
	}
	if devBase != "" {
		return strings.TrimRight(devBase, "/") + "/--/scan?" + q.Encode()
	}
	return Scheme + "scan?" + q.Encode()
}

// EncodeLegacy builds a signed deep link in the deprecated 24h format.
// Kept for compatibility testing only; new tags must use EncodeStatic.
func EncodeLegacy(programID string, points int, merchantID string, now time.Time) string {
	ts := now.Unix()
	q := url.Values{}
	q.Set("program", programID)
	q.Set("points", strconv.Itoa(points))
	q.Set("time", strconv.FormatInt(ts, 10))
	q.Set("sig", Signature(programID, points, ts))
	if merchantID != "" {
		q.Set("merchant", merchantID)
	}
	return Scheme + "scan?" + q.Encode()
}

// EncodeLegacyTag builds the colon-separated structured string of the first
// tag generation. Kept for compatibility testing only.
func EncodeLegacyTag(programID string, points int, merchantID string, now time.Time) string {
	ts := now.Unix()
	payload := fmt.Sprintf("%s:%d:%d:%s", programID, points, ts, Signature(programID, points, ts))
	if merchantID != "" {
		payload += ":" + merchantID
	}
	return legacyPrefix + payload
}

// NormalizeID maps the id representations seen on the two sides of a scan
// (string query params, numeric backend ids) onto one comparable form:
// surrounding space is trimmed and all-digit ids lose their leading zeros.
// Comparison is always done on normalized ids, never by implicit coercion.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	allDigits := id != ""
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			allDigits = false
			break
		}
	}
	if !allDigits {
		return id
	}
	trimmed := strings.TrimLeft(id, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}
