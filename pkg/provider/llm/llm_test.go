package llm_test

import (
	"testing"

	"github.com/MrWong99/tastemate/pkg/provider/llm"
)

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	if got := llm.EstimateTokens(nil); got != 0 {
		t.Errorf("EstimateTokens(nil) = %d", got)
	}
	one := []llm.Message{{Role: llm.RoleUser, Content: "How much sleep do I need?"}}
	// 25 bytes round up to 7 tokens, plus 4 for the message.
	if got := llm.EstimateTokens(one); got != 11 {
		t.Errorf("EstimateTokens(one) = %d, want 11", got)
	}
	two := append(one, llm.Message{Role: llm.RoleAssistant, Content: ""})
	if got := llm.EstimateTokens(two); got != 15 {
		t.Errorf("EstimateTokens(two) = %d, want 15", got)
	}
}

func TestCapabilityTable_Lookup(t *testing.T) {
	t.Parallel()

	table := llm.CapabilityTable{
		{Prefix: "gpt-4o-mini", Caps: llm.ModelCapabilities{ContextWindow: 1}},
		{Prefix: "gpt-4o", Caps: llm.ModelCapabilities{ContextWindow: 2}},
	}
	fallback := llm.ModelCapabilities{ContextWindow: 99}

	tests := map[string]int{
		"gpt-4o-mini-2024": 1,
		"GPT-4o":           2,
		"llama3":           99,
	}
	for model, want := range tests {
		if got := table.Lookup(model, fallback).ContextWindow; got != want {
			t.Errorf("Lookup(%q) = %d, want %d", model, got, want)
		}
	}
}
