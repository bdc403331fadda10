package utils

import (
	"testing"
)

func TestNewTokenCounter(t *testing.T) {
	tests := []struct {
		name      string
		model     string
		wantError bool
	}{
		{
			name:      "GPT-4o model",
			model:     "gpt-4o",
			wantError: false,
		},
		{
			name:      "GPT-4 model",
			model:     "gpt-4",
			wantError: false,
		},
		{
			name:      "Unknown model falls back to cl100k_base",
			model:     "mystery-model-9000",
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter, err := NewTokenCounter(tt.model)
			if (err != nil) != tt.wantError {
				t.Errorf("NewTokenCounter() error = %v, wantError %v", err, tt.wantError)
				return
			}
			if !tt.wantError && counter == nil {
				t.Error("NewTokenCounter() returned nil counter")
			}
			if counter != nil && counter.Model() != tt.model {
				t.Errorf("NewTokenCounter() model = %v, want %v", counter.Model(), tt.model)
			}
		})
	}
}

func TestTokenCounter_Count(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create token counter: %v", err)
	}

	tests := []struct {
		name      string
		text      string
		minTokens int
		maxTokens int
	}{
		{
			name:      "Empty string",
			text:      "",
			minTokens: 0,
			maxTokens: 0,
		},
		{
			name:      "Simple sentence",
			text:      "Hello, world!",
			minTokens: 3,
			maxTokens: 5,
		},
		{
			name:      "Longer text",
			text:      "This is a longer sentence with more words to count tokens accurately.",
			minTokens: 12,
			maxTokens: 18,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := counter.Count(tt.text)
			if count < tt.minTokens || count > tt.maxTokens {
				t.Errorf("Count() = %v, want between %v and %v for text: %q",
					count, tt.minTokens, tt.maxTokens, tt.text)
			}
		})
	}
}

func TestTokenCounter_NilFallsBackToEstimate(t *testing.T) {
	var counter *TokenCounter
	text := "twelve chars"
	if got, want := counter.Count(text), EstimateTokens(text); got != want {
		t.Errorf("nil counter Count() = %v, want estimate %v", got, want)
	}
}

func TestTokenCounter_Caching(t *testing.T) {
	counter1, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create first counter: %v", err)
	}

	counter2, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create second counter: %v", err)
	}

	text := "Test caching"
	if counter1.Count(text) != counter2.Count(text) {
		t.Error("Cached counters produced different results")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{
			name: "Empty string",
			text: "",
			want: 0,
		},
		{
			name: "4 characters",
			text: "test",
			want: 1,
		},
		{
			name: "10 characters rounds down",
			text: "hellohello",
			want: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokens(tt.text)
			if got != tt.want {
				t.Errorf("EstimateTokens() = %v, want %v", got, tt.want)
			}
		})
	}
}

func BenchmarkTokenCounter_Count(b *testing.B) {
	counter, err := NewTokenCounter("gpt-4o")
	if err != nil {
		b.Fatalf("Failed to create counter: %v", err)
	}

	text := "This is a benchmark test for token counting performance with a moderately long sentence."

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		counter.Count(text)
	}
}

func BenchmarkEstimateTokens(b *testing.B) {
	text := "This is a benchmark test for the fast token estimation path."

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		EstimateTokens(text)
	}
}
