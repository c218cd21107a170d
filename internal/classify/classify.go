// Package classify turns raw runtime diagnostic output into a structured
// API error. It is consulted only when the runtime produced no typed error
// of its own.
package classify

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Result is the outcome of classifying a raw diagnostic string.
type Result struct {
	// Code is the HTTP-like status code, 0 when unclassified.
	Code int `json:"code,omitempty"`
	// Message is the extracted human message (the raw input when unclassified).
	Message string `json:"message"`
	// Classified reports whether any parser matched.
	Classified bool `json:"classified"`
}

// Parser is one independent classification attempt. Parsers are pure: they
// either extract a result from the input or report no match.
type Parser func(raw string) (Result, bool)

// parsers are tried in order; the first match wins.
var parsers = []Parser{
	ParseStatusJSON,
	ParseAPIErrorAttempt,
	ParseBareStatus,
}

// Classify runs the parser chain over raw diagnostic text. When nothing
// matches, the raw text is surfaced verbatim with no status code.
func Classify(raw string) Result {
	trimmed := strings.TrimSpace(raw)
	for _, parse := range parsers {
		if result, ok := parse(trimmed); ok {
			return result
		}
	}
	return Result{Message: trimmed}
}

// KeepResumeToken decides resumption-token retention for a failed run.
// Configuration-class codes mean the runtime state is still good and a later
// resume may work; server errors and unclassified failures clear the token so
// the next attempt starts fresh instead of repeatedly failing resume.
func KeepResumeToken(result Result) bool {
	switch result.Code {
	case 400, 401, 403, 404:
		return true
	default:
		return false
	}
}

var statusJSONPattern = regexp.MustCompile(`(\d{3})\s*(\{.*\})`)

// ParseStatusJSON matches an embedded JSON error object preceded by a
// 3-digit status code, e.g. `401 {"error":{"message":"bad key"}}`.
func ParseStatusJSON(raw string) (Result, bool) {
	m := statusJSONPattern.FindStringSubmatch(raw)
	if m == nil {
		return Result{}, false
	}

	code, _ := strconv.Atoi(m[1])
	message, ok := extractJSONMessage(m[2])
	if !ok {
		return Result{}, false
	}
	return Result{Code: code, Message: message, Classified: true}, true
}

var apiErrorPattern = regexp.MustCompile(`API error \(attempt \d+/\d+\):\s*(\d{3})\s+(?:\d{3}\s+)?(.*)`)

// ParseAPIErrorAttempt matches the provider retry log line
// "API error (attempt X/Y): <code> <code> {json}".
func ParseAPIErrorAttempt(raw string) (Result, bool) {
	m := apiErrorPattern.FindStringSubmatch(raw)
	if m == nil {
		return Result{}, false
	}

	code, _ := strconv.Atoi(m[1])
	rest := strings.TrimSpace(m[2])
	if message, ok := extractJSONMessage(rest); ok {
		return Result{Code: code, Message: message, Classified: true}, true
	}
	if rest == "" {
		rest = raw
	}
	return Result{Code: code, Message: rest, Classified: true}, true
}

var bareStatusPattern = regexp.MustCompile(`^(\d{3}):\s*(.+)$`)

// ParseBareStatus matches "<3-digit code>: message", accepted only when the
// code is in the valid HTTP error range.
func ParseBareStatus(raw string) (Result, bool) {
	m := bareStatusPattern.FindStringSubmatch(raw)
	if m == nil {
		return Result{}, false
	}

	code, _ := strconv.Atoi(m[1])
	if code < 400 || code > 599 {
		return Result{}, false
	}
	return Result{Code: code, Message: strings.TrimSpace(m[2]), Classified: true}, true
}

// extractJSONMessage digs the human message out of a provider error body.
// Understands {"error":{"message":...}}, {"message":...} and {"error":"..."}.
func extractJSONMessage(blob string) (string, bool) {
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal([]byte(blob), &payload); err != nil {
		return "", false
	}

	if payload.Message != "" {
		return payload.Message, true
	}
	if len(payload.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(payload.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message, true
		}
		var plain string
		if err := json.Unmarshal(payload.Error, &plain); err == nil && plain != "" {
			return plain, true
		}
	}
	return "", false
}
