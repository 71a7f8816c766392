package botclassifier

import (
	"context"
	"math"
	"net/http"
	"testing"

	"github.com/gaasio/transparegate/internal/store"
)

func TestClassify_PythonRequestsScenario(t *testing.T) {
	ms := store.NewMemoryStore()
	svc, err := ms.CreateService(context.Background(), store.Service{
		Name: "svc", TargetURL: "http://upstream", BotBlockingEnabled: true, BotThreshold: 0.7,
	})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	c := New(ms)
	header := http.Header{}
	header.Set("User-Agent", "python-requests/2.28.0")

	result := c.Classify(context.Background(), svc, "secret", header)

	if math.Abs(result.Score-0.65) > 1e-9 {
		t.Fatalf("Score = %v, want 0.65", result.Score)
	}
	if result.Classification != store.ClassificationSuspicious {
		t.Fatalf("Classification = %v, want suspicious", result.Classification)
	}
	if result.Action != store.ActionFlagged {
		t.Fatalf("Action = %v, want flagged", result.Action)
	}
}

func TestUserAgentScore(t *testing.T) {
	tests := []struct {
		ua   string
		want float64
	}{
		{"", 0.8},
		{"curl/8.0", 0.9},
		{"short", 0.7},
		{"Mozilla/5.0 (compatible; Chrome/120.0)", 0.1},
		{"some-unrecognized-agent-string-12345", 0.5},
	}
	for _, tt := range tests {
		if got := userAgentScore(tt.ua); got != tt.want {
			t.Errorf("userAgentScore(%q) = %v, want %v", tt.ua, got, tt.want)
		}
	}
}

func TestHeaderEntropyScore_FewHeadersPenalty(t *testing.T) {
	header := http.Header{}
	header.Set("User-Agent", "x")
	// Only 1 header present: 4/5 missing (0.8) + 0.3 penalty, clamped to 1.0.
	if got := headerEntropyScore(header); got != 1.0 {
		t.Errorf("headerEntropyScore() = %v, want 1.0", got)
	}
}

func TestDecide_BlockingDisabled(t *testing.T) {
	if decide(store.ClassificationBot, 0.95, false, 0.7) != store.ActionFlagged {
		t.Error("bot classification with blocking disabled should be flagged")
	}
	if decide(store.ClassificationHuman, 0.1, false, 0.7) != store.ActionAllowed {
		t.Error("human classification with blocking disabled should be allowed")
	}
}

func TestDecide_BlockingEnabled(t *testing.T) {
	if decide(store.ClassificationBot, 0.95, true, 0.7) != store.ActionBlocked {
		t.Error("score above threshold with blocking enabled should be blocked")
	}
	if decide(store.ClassificationSuspicious, 0.5, true, 0.7) != store.ActionFlagged {
		t.Error("suspicious below threshold should be flagged")
	}
	if decide(store.ClassificationHuman, 0.1, true, 0.7) != store.ActionAllowed {
		t.Error("human below threshold should be allowed")
	}
}
