// Package watermark encodes and extracts per-response attribution tokens
// across JSON, HTML, and plain-text payloads, so a leaked response body can
// later be traced back to the service, key, request, and issue time that
// produced it.
package watermark

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// JSONKey is the member name injected into JSON response bodies.
const JSONKey = "_gaas_watermark"

// Token is the decoded form of a watermark.
type Token struct {
	ServiceID int64
	ApiKeyID  int64
	RequestID string
	Timestamp time.Time
}

// Encode produces the base64 watermark string for a token.
func Encode(t Token) string {
	raw := fmt.Sprintf("%d|%d|%s|%s", t.ServiceID, t.ApiKeyID, t.RequestID, t.Timestamp.UTC().Format(time.RFC3339Nano))
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// Decode reverses Encode. Any field count other than four, or non-integer
// ids, is an invalid watermark.
func Decode(wm string) (Token, error) {
	raw, err := base64.StdEncoding.DecodeString(wm)
	if err != nil {
		return Token{}, fmt.Errorf("invalid watermark encoding: %w", err)
	}

	parts := strings.Split(string(raw), "|")
	if len(parts) != 4 {
		return Token{}, fmt.Errorf("invalid watermark: expected 4 fields, got %d", len(parts))
	}

	serviceID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("invalid watermark service id: %w", err)
	}
	apiKeyID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("invalid watermark api key id: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[3])
	if err != nil {
		return Token{}, fmt.Errorf("invalid watermark timestamp: %w", err)
	}

	return Token{
		ServiceID: serviceID,
		ApiKeyID:  apiKeyID,
		RequestID: parts[2],
		Timestamp: ts,
	}, nil
}

// Inject embeds wm into body according to contentType. JSON bodies gain a
// `_gaas_watermark` member (wrapping arrays under "data"); text/html bodies
// get an appended marker comment or bracket tag; any other content type is
// left untouched. If contentEncoding names a supported compression, body is
// decompressed first and the caller is expected to drop the
// content-encoding/content-length headers from the reply.
func Inject(body []byte, contentType, contentEncoding, wm string) ([]byte, error) {
	body, err := decompress(body, contentEncoding)
	if err != nil {
		return nil, fmt.Errorf("decompressing body for watermarking: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	mediaType = strings.ToLower(mediaType)

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		injected, ok := injectJSON(body, wm)
		if ok {
			return injected, nil
		}
		return injectText(body, mediaType, wm), nil
	case strings.HasPrefix(mediaType, "text/") || strings.Contains(mediaType, "html"):
		return injectText(body, mediaType, wm), nil
	default:
		return body, nil
	}
}

func injectJSON(body []byte, wm string) ([]byte, bool) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, false
	}

	switch root := v.(type) {
	case map[string]any:
		root[JSONKey] = wm
		out, err := json.Marshal(root)
		if err != nil {
			return nil, false
		}
		return out, true
	case []any:
		wrapped := map[string]any{
			"data":  root,
			JSONKey: wm,
		}
		out, err := json.Marshal(wrapped)
		if err != nil {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}

func injectText(body []byte, mediaType, wm string) []byte {
	var marker string
	if strings.Contains(mediaType, "html") {
		marker = fmt.Sprintf("<!-- GAAS_WM:%s -->", wm)
	} else {
		marker = fmt.Sprintf("[GAAS_WM:%s]", wm)
	}

	out := make([]byte, 0, len(body)+len(marker)+1)
	out = append(out, body...)
	out = append(out, '\n')
	out = append(out, marker...)
	return out
}

var (
	htmlMarkerPattern = regexp.MustCompile(`<!--\s*GAAS_WM:([A-Za-z0-9+/=]+)\s*-->`)
	textMarkerPattern = regexp.MustCompile(`\[GAAS_WM:([A-Za-z0-9+/=]+)\]`)
)

// Extract recovers the watermark string from body, trying a JSON recursive
// search first and falling back to the HTML then plain-text marker regexes.
// Returns "" if no watermark is present.
func Extract(body []byte) string {
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		if wm, ok := findJSONWatermark(v); ok {
			return wm
		}
	}

	if m := htmlMarkerPattern.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	if m := textMarkerPattern.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}

func findJSONWatermark(v any) (string, bool) {
	switch node := v.(type) {
	case map[string]any:
		if wm, ok := node[JSONKey].(string); ok {
			return wm, true
		}
		for _, child := range node {
			if wm, ok := findJSONWatermark(child); ok {
				return wm, true
			}
		}
	case []any:
		for _, child := range node {
			if wm, ok := findJSONWatermark(child); ok {
				return wm, true
			}
		}
	}
	return "", false
}

func decompress(body []byte, contentEncoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		// Unknown/unsupported encoding: leave bytes opaque rather than guess.
		return body, nil
	}
}
