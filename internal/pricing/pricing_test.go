package pricing

import (
	"math"
	"testing"

	"github.com/parleyhq/completion-gateway/internal/backends"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEstimateCost(t *testing.T) {
	table := NewTable()

	tests := []struct {
		name             string
		backend, model   string
		prompt, complete int
		want             float64
	}{
		{"gpt4o_round_numbers", "openai", "gpt-4o", 1000, 1000, 0.020},
		{"gpt4o_mini", "openai", "gpt-4o-mini", 2000, 500, 2*0.00015 + 0.5*0.0006},
		{"zero_tokens", "openai", "gpt-4o", 0, 0, 0},
		{"unknown_model", "openai", "gpt-99", 1000, 1000, 0},
		{"unknown_backend", "mystery", "gpt-4o", 1000, 1000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table.EstimateCost(tt.backend, tt.model, tt.prompt, tt.complete)
			if !almostEqual(got, tt.want) {
				t.Errorf("EstimateCost(%s/%s, %d, %d) = %v, want %v",
					tt.backend, tt.model, tt.prompt, tt.complete, got, tt.want)
			}
		})
	}
}

func TestSetPricingOverride(t *testing.T) {
	table := NewTable()
	table.SetPricing("local", "tiny-model", ModelPricing{PromptPer1K: 0.001, CompletionPer1K: 0.002})

	got := table.EstimateCost("local", "tiny-model", 1000, 1000)
	if !almostEqual(got, 0.003) {
		t.Errorf("EstimateCost after SetPricing = %v, want 0.003", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	turns := func(contents ...string) []backends.ChatTurn {
		out := make([]backends.ChatTurn, len(contents))
		for i, c := range contents {
			out[i] = backends.ChatTurn{Role: backends.RoleUser, Content: c}
		}
		return out
	}

	tests := []struct {
		name         string
		turns        []backends.ChatTurn
		response     string
		wantPrompt   int
		wantComplete int
	}{
		{"empty", nil, "", 0, 0},
		{"exact_multiple", turns("abcd"), "abcdefgh", 1, 2},
		{"rounds_up", turns("abcde"), "abc", 2, 1},
		{"multi_turn_sums", turns("abcd", "efgh"), "", 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, c := EstimateTokens(tt.turns, tt.response)
			if p != tt.wantPrompt || c != tt.wantComplete {
				t.Errorf("EstimateTokens() = (%d, %d), want (%d, %d)",
					p, c, tt.wantPrompt, tt.wantComplete)
			}
		})
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	prev := 0
	text := ""
	for i := 0; i < 20; i++ {
		text += "x"
		_, c := EstimateTokens(nil, text)
		if c < prev {
			t.Fatalf("completion estimate decreased at length %d: %d < %d", len(text), c, prev)
		}
		prev = c
	}
}

func TestSplitEstimate(t *testing.T) {
	tests := []struct {
		total        int
		wantPrompt   int
		wantComplete int
	}{
		{100, 40, 60},
		{0, 0, 0},
		{-5, 0, 0},
		{1, 0, 1},
		{99, 39, 60},
	}

	for _, tt := range tests {
		p, c := SplitEstimate(tt.total)
		if p != tt.wantPrompt || c != tt.wantComplete {
			t.Errorf("SplitEstimate(%d) = (%d, %d), want (%d, %d)",
				tt.total, p, c, tt.wantPrompt, tt.wantComplete)
		}
		if tt.total > 0 && p+c != tt.total {
			t.Errorf("SplitEstimate(%d): parts sum to %d", tt.total, p+c)
		}
	}
}
