// Package ai – parse.go interprets raw model output into typed payloads.
// Models wrap JSON in markdown fences, add prose, and emit partially
// malformed items; the parser strips the wrapping, accepts both keyed and
// bare-array shapes, and skips bad items instead of failing the run.
package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseResponse interprets raw content for the given action. It returns
// ErrInvalidResponse only when nothing parseable is found; individually
// malformed items are dropped.
func ParseResponse(action, raw string) (*Response, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, fmt.Errorf("%w: no JSON payload in output", ErrInvalidResponse)
	}

	resp := &Response{RawResponse: raw}
	switch action {
	case "generate":
		items, err := decodeItems(payload, "cards")
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			var draft CardDraft
			if err := json.Unmarshal(item, &draft); err != nil || strings.TrimSpace(draft.Title) == "" {
				continue
			}
			resp.Generated = append(resp.Generated, draft)
		}
	case "modify":
		items, err := decodeItems(payload, "cards")
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			var mod ModifiedCard
			if err := json.Unmarshal(item, &mod); err != nil || mod.CardID == "" {
				continue
			}
			resp.Modified = append(resp.Modified, mod)
		}
	case "move":
		items, err := decodeItems(payload, "moves")
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			var mv MovedCard
			if err := json.Unmarshal(item, &mv); err != nil || mv.CardID == "" || mv.DestinationColumnID == "" {
				continue
			}
			resp.Moved = append(resp.Moved, mv)
		}
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidResponse, action)
	}
	return resp, nil
}

// decodeItems accepts either {"<key>": [...]} or a bare top-level array.
func decodeItems(payload, key string) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &items); err == nil {
		return items, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &wrapper); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	inner, ok := wrapper[key]
	if !ok {
		// Accept any single array-valued key as a fallback.
		for _, v := range wrapper {
			var probe []json.RawMessage
			if err := json.Unmarshal(v, &probe); err == nil {
				return probe, nil
			}
		}
		return nil, fmt.Errorf("%w: missing %q array", ErrInvalidResponse, key)
	}
	if err := json.Unmarshal(inner, &items); err != nil {
		return nil, fmt.Errorf("%w: %q is not an array", ErrInvalidResponse, key)
	}
	return items, nil
}

// extractJSON returns the JSON portion of raw model output: the content of
// the first ```json fence if present, else the substring between the first
// { or [ and the matching end of input.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		// Skip a language tag like "json".
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			firstLine := strings.TrimSpace(rest[:nl])
			if firstLine == "json" || firstLine == "" {
				rest = rest[nl+1:]
			}
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		} else {
			s = strings.TrimSpace(rest)
		}
	}

	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndexAny(s, "]}")
	if end < start {
		return ""
	}
	return s[start : end+1]
}
