package tokencount

import (
	"strings"
	"testing"

	worker "github.com/lumenai/lumen-worker/internal"
)

func TestEstimateMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		messages []worker.ChatMessage
		wantMin  int
		wantMax  int
	}{
		{
			name: "single short message",
			messages: []worker.ChatMessage{
				{Role: "user", Content: "hello"},
			},
			wantMin: 5,
			wantMax: 20,
		},
		{
			name: "system plus user",
			messages: []worker.ChatMessage{
				{Role: "system", Content: "You are a secure local assistant."},
				{Role: "user", Content: "Explain quantum computing."},
			},
			wantMin: 15,
			wantMax: 40,
		},
		{
			name:     "empty messages",
			messages: nil,
			wantMin:  1,
			wantMax:  10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := EstimateMessages(tt.messages)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("EstimateMessages() = %d, want [%d, %d]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestEstimateMessagesGrowsWithContent(t *testing.T) {
	t.Parallel()

	short := EstimateMessages([]worker.ChatMessage{{Role: "user", Content: "hi"}})
	long := EstimateMessages([]worker.ChatMessage{{Role: "user", Content: strings.Repeat("context ", 200)}})
	if long <= short {
		t.Errorf("long = %d, short = %d", long, short)
	}
	// ~4 chars per token: 1600 chars should land near 400 tokens.
	if long < 300 || long > 500 {
		t.Errorf("long = %d, want around 400", long)
	}
}

func TestEstimateText(t *testing.T) {
	t.Parallel()

	if got := EstimateText("Hello, world!"); got < 1 {
		t.Errorf("EstimateText() = %d, want >= 1", got)
	}
	if got := EstimateText(""); got != 1 {
		t.Errorf("EstimateText('') = %d, want 1 (min)", got)
	}
}
