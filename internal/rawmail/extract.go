// Package rawmail splits raw transport-format messages into headers and body
// content.
//
// This is a best-effort extractor, not a full MIME decoder: it handles folded
// headers and one level of multipart, and ignores content-transfer-encoding,
// encoded-word headers and nested multiparts. Anything it cannot make sense of
// degrades to treating the whole message as plain text.
package rawmail

import (
	"html"
	"mime"
	"strings"

	"github.com/kestrelworks/mailroom/internal/charset"
	"github.com/kestrelworks/mailroom/internal/htmlstrip"
)

// Attachment describes a non-text part. Only metadata is carried; the bytes
// live in external object storage.
type Attachment struct {
	Key         string `json:"key"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Extracted is the result of splitting a raw message.
type Extracted struct {
	Headers     map[string]string
	BodyHTML    string
	BodyText    string
	Attachments []Attachment
}

// Extract parses a raw message (headers, blank line, body). It never fails:
// unparseable input becomes a plain-text body with empty headers.
func Extract(raw string) *Extracted {
	head, body, ok := splitHeadersBody(raw)
	if !ok {
		return fallback(raw)
	}

	headers := parseHeaders(head)
	if len(headers) == 0 {
		return fallback(raw)
	}

	result := &Extracted{Headers: headers}

	mediaType, params, err := mime.ParseMediaType(headers["content-type"])
	if err != nil {
		mediaType, params = "text/plain", nil
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "":
		extractMultipart(result, body, params["boundary"])
	case mediaType == "text/html":
		result.BodyHTML, _ = decodeBody(body, params)
	default:
		result.BodyText, _ = decodeBody(body, params)
	}

	synthesizeMissing(result)
	return result
}

// SynthesizeHTML wraps plain text in a preformatted block, escaping markup.
func SynthesizeHTML(text string) string {
	return "<pre>" + html.EscapeString(text) + "</pre>"
}

// SynthesizeText strips tags from an HTML body.
func SynthesizeText(htmlBody string) string {
	return htmlstrip.Strip(htmlBody)
}

func fallback(raw string) *Extracted {
	result := &Extracted{Headers: map[string]string{}, BodyText: raw}
	synthesizeMissing(result)
	return result
}

func synthesizeMissing(e *Extracted) {
	if e.BodyHTML == "" && e.BodyText != "" {
		e.BodyHTML = SynthesizeHTML(e.BodyText)
	}
	if e.BodyText == "" && e.BodyHTML != "" {
		e.BodyText = SynthesizeText(e.BodyHTML)
	}
}

// splitHeadersBody locates the first blank line. Messages with no header
// block at all are rejected so the caller can fall back.
func splitHeadersBody(raw string) (head, body string, ok bool) {
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if idx := strings.Index(raw, sep); idx >= 0 {
			return raw[:idx], raw[idx+len(sep):], true
		}
	}
	return "", "", false
}

// parseHeaders parses a header block line by line, honoring folding:
// continuation lines starting with whitespace extend the previous header.
// Header names are lowercased.
func parseHeaders(head string) map[string]string {
	headers := make(map[string]string)
	var lastKey string

	for _, line := range strings.Split(head, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if lastKey != "" {
				headers[lastKey] += " " + strings.TrimSpace(line)
			}
			continue
		}

		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:colon]))
		headers[key] = strings.TrimSpace(line[colon+1:])
		lastKey = key
	}

	return headers
}

// extractMultipart scans each part for the first text/plain and text/html
// sub-parts and collects attachment metadata from the rest. Nested multiparts
// are not descended into.
func extractMultipart(result *Extracted, body, boundary string) {
	for _, part := range splitParts(body, boundary) {
		head, partBody, ok := splitHeadersBody(part)
		if !ok {
			continue
		}
		partHeaders := parseHeaders(head)

		mediaType, params, err := mime.ParseMediaType(partHeaders["content-type"])
		if err != nil {
			continue
		}

		disposition, dispParams, _ := mime.ParseMediaType(partHeaders["content-disposition"])
		filename := dispParams["filename"]
		if filename == "" {
			filename = params["name"]
		}

		switch {
		case disposition == "attachment" || filename != "":
			result.Attachments = append(result.Attachments, Attachment{
				Key:         filename,
				Filename:    filename,
				ContentType: mediaType,
				Size:        int64(len(partBody)),
			})
		case mediaType == "text/plain" && result.BodyText == "":
			result.BodyText, _ = decodeBody(partBody, params)
		case mediaType == "text/html" && result.BodyHTML == "":
			result.BodyHTML, _ = decodeBody(partBody, params)
		}
	}
}

// splitParts splits a multipart body on its boundary delimiter, dropping the
// preamble and the closing delimiter.
func splitParts(body, boundary string) []string {
	delimiter := "--" + boundary
	segments := strings.Split(body, delimiter)
	if len(segments) < 2 {
		return nil
	}

	parts := make([]string, 0, len(segments)-1)
	for _, segment := range segments[1:] {
		if strings.HasPrefix(segment, "--") {
			break
		}
		segment = strings.TrimPrefix(segment, "\r\n")
		segment = strings.TrimPrefix(segment, "\n")
		segment = strings.TrimSuffix(segment, "\r\n")
		segment = strings.TrimSuffix(segment, "\n")
		if segment != "" {
			parts = append(parts, segment)
		}
	}
	return parts
}

func decodeBody(body string, params map[string]string) (string, bool) {
	decoded, fellBack := charset.Decode([]byte(body), params["charset"])
	return strings.TrimSpace(decoded), fellBack
}
