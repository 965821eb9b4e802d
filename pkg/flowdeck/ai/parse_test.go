package ai

import (
	"errors"
	"testing"
)

func TestParseResponseGenerate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want int
	}{
		{
			"markdown fenced keyed object",
			"Here are the cards:\n```json\n{\"cards\": [{\"title\": \"One\"}, {\"title\": \"Two\"}]}\n```",
			2,
		},
		{
			"bare array with prose around it",
			"Sure! [{\"title\": \"One\"}] Hope that helps.",
			1,
		},
		{
			"unknown array key fallback",
			`{"results": [{"title": "One"}]}`,
			1,
		},
		{
			"malformed items skipped",
			`{"cards": [{"title": "Good"}, {"title": ""}, {"nonsense": true}]}`,
			1,
		},
		{
			"fence without language tag",
			"```\n{\"cards\": [{\"title\": \"One\"}]}\n```",
			1,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := ParseResponse("generate", tt.raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(resp.Generated) != tt.want {
				t.Fatalf("got %d drafts, want %d", len(resp.Generated), tt.want)
			}
		})
	}
}

func TestParseResponseModify(t *testing.T) {
	t.Parallel()

	raw := `{"cards": [
		{"card_id": "c1", "tags": ["urgent"], "properties": {"priority": "high"}},
		{"tags": ["missing id, dropped"]},
		{"card_id": "c2", "message": "done"}
	]}`
	resp, err := ParseResponse("modify", raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(resp.Modified) != 2 {
		t.Fatalf("got %d modifications, want 2", len(resp.Modified))
	}
	if resp.Modified[0].CardID != "c1" || resp.Modified[0].Properties["priority"] != "high" {
		t.Fatalf("first modification mangled: %+v", resp.Modified[0])
	}
}

func TestParseResponseMove(t *testing.T) {
	t.Parallel()

	raw := `{"moves": [
		{"card_id": "c1", "destination_column_id": "done"},
		{"card_id": "c2"}
	]}`
	resp, err := ParseResponse("move", raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// The move without a destination is dropped.
	if len(resp.Moved) != 1 || resp.Moved[0].DestinationColumnID != "done" {
		t.Fatalf("unexpected moves: %+v", resp.Moved)
	}
}

func TestParseResponseInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"empty output", ""},
		{"prose only", "I could not find anything to do."},
		{"broken json", "{\"cards\": [{"},
		{"object with no arrays", `{"status": "ok"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseResponse("modify", tt.raw)
			if !errors.Is(err, ErrInvalidResponse) {
				t.Fatalf("got %v, want ErrInvalidResponse", err)
			}
		})
	}

	if _, err := ParseResponse("compose", "[]"); !errors.Is(err, ErrInvalidResponse) {
		t.Fatal("unknown action accepted")
	}
}

func TestExtractJSONKeepsOuterBrackets(t *testing.T) {
	t.Parallel()

	got := extractJSON("noise {\"cards\": [1]} trailing")
	if got != `{"cards": [1]}` {
		t.Fatalf("got %q", got)
	}
}
