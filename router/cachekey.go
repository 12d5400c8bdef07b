package router

import (
	"errors"
	"fmt"
	"strings"
)

// errFallbackToRequestID signals that cache-key extraction hit a shape it
// cannot interpret as a chat payload; the caller maps this to requestID,
// mirroring the reference implementation's blanket except-and-fall-back.
var errFallbackToRequestID = errors.New("router: cache key extraction fell back to request id")

// ExtractCacheKey derives the consistent-hashing fingerprint for payload.
//
//  1. An empty/falsy payload maps to requestID.
//  2. A non-empty list/tuple payload uses its first element as the request
//     body; a map payload is the request body directly; anything else
//     returns its string representation.
//  3. From the request body's "messages" field, the first maxUserMessages
//     user messages (in document order) and the latest system message seen
//     before the scan stops are captured; the scan stops as soon as
//     maxUserMessages user messages are captured, so later entries (system
//     ones included) are not read. Non-map entries are skipped; a missing
//     role disqualifies an entry from both roles; a missing content is
//     treated as empty string.
//  4. If nothing was captured, the string representation of payload is
//     returned (not requestID — payload is well-formed, just not chat-shaped).
//  5. Any unexpected shape along the way (e.g. the request body isn't a map)
//     falls back to requestID.
func ExtractCacheKey(payload any, requestID string, maxUserMessages int) string {
	if isEmptyPayload(payload) {
		return requestID
	}
	key, err := extractCacheKey(payload, maxUserMessages)
	if err != nil {
		return requestID
	}
	return key
}

func extractCacheKey(payload any, maxUserMessages int) (string, error) {
	var body any
	switch p := payload.(type) {
	case []any:
		if len(p) == 0 {
			// Unreachable given isEmptyPayload's empty-slice check, kept for
			// defensiveness against direct extractCacheKey callers.
			return "", errFallbackToRequestID
		}
		body = p[0]
	case map[string]any:
		body = p
	default:
		return fmt.Sprint(payload), nil
	}

	bodyMap, ok := body.(map[string]any)
	if !ok {
		return "", errFallbackToRequestID
	}

	messages, _ := bodyMap["messages"].([]any)

	var systemContent string
	haveSystem := false
	var userContents []string

	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		var content string
		if c, present := msg["content"]; present {
			content = fmt.Sprint(c)
		}
		switch role {
		case "system":
			systemContent = content
			haveSystem = true
		case "user":
			userContents = append(userContents, content)
			if len(userContents) >= maxUserMessages {
				// Matches the reference scanner: it stops entirely once the
				// user-message bound is hit, so a system message appearing
				// later in the document is never seen (see S2).
				goto doneScanning
			}
		}
	}
doneScanning:

	if !haveSystem && len(userContents) == 0 {
		return fmt.Sprint(payload), nil
	}

	parts := make([]string, 0, len(userContents)+1)
	if haveSystem {
		parts = append(parts, "system:"+systemContent)
	}
	for i, c := range userContents {
		parts = append(parts, fmt.Sprintf("user_%d:%s", i, c))
	}
	return strings.Join(parts, "|"), nil
}

func isEmptyPayload(payload any) bool {
	switch p := payload.(type) {
	case nil:
		return true
	case string:
		return p == ""
	case bool:
		return !p
	case int:
		return p == 0
	case int64:
		return p == 0
	case float64:
		return p == 0
	case map[string]any:
		return len(p) == 0
	case []any:
		return len(p) == 0
	default:
		return false
	}
}
