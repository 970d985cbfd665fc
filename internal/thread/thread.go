// Package thread derives stable conversation keys for email messages.
//
// Reply-chained messages keep whatever key the chain references; everything
// else is keyed by normalized subject. Two unrelated messages whose subjects
// normalize identically will merge into one thread. That is an accepted
// limitation of subject-based threading, not something callers should try to
// compensate for.
package thread

import (
	"encoding/base64"
	"regexp"
	"strings"
)

// Prefix tags subject-derived thread ids so they are distinguishable from
// provider message ids used for reply continuity.
const Prefix = "thread-"

// tokenLength bounds the encoded subject token.
const tokenLength = 32

var replyMarker = regexp.MustCompile(`^(?i)(re|fwd|fw):\s*`)

// Identify returns the conversation key for a message. When inReplyTo is
// present it is the thread id: reply chains beat subject matching. Otherwise
// the key is derived deterministically from the normalized subject.
func Identify(subject, inReplyTo string) string {
	if inReplyTo != "" {
		return inReplyTo
	}
	return Prefix + subjectToken(subject)
}

// NormalizeSubject strips a leading reply/forward marker, lowercases and
// trims the subject.
func NormalizeSubject(subject string) string {
	subject = replyMarker.ReplaceAllString(subject, "")
	return strings.TrimSpace(strings.ToLower(subject))
}

func subjectToken(subject string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(NormalizeSubject(subject)))
	if len(encoded) > tokenLength {
		encoded = encoded[:tokenLength]
	}
	return encoded
}
