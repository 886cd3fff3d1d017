package proxy

import "testing"

func TestClassify_KnownHost(t *testing.T) {
	c := NewClassifier(nil)
	body := []byte(`{"model":"claude-3-5-sonnet"}`)
	got := c.Classify("POST", "https", "api.anthropic.com", "/v1/messages", nil, body)
	if got.Kind != KindAI {
		t.Fatalf("Kind = %v, want ai", got.Kind)
	}
	if got.Provider != "anthropic" {
		t.Errorf("Provider = %q, want anthropic", got.Provider)
	}
	if got.Model != "claude-3-5-sonnet" {
		t.Errorf("Model = %q, want claude-3-5-sonnet", got.Model)
	}
}

func TestClassify_HostSubdomain(t *testing.T) {
	c := NewClassifier(nil)
	got := c.Classify("POST", "https", "eu.api.anthropic.com", "/v1/messages", nil, nil)
	if got.Provider != "anthropic" {
		t.Errorf("Provider = %q, want anthropic", got.Provider)
	}
}

func TestClassify_UnknownHostKnownModel(t *testing.T) {
	c := NewClassifier(nil)
	body := []byte(`{"model":"gpt-4o"}`)
	got := c.Classify("POST", "https", "my-gateway.internal", "/v1/chat/completions", nil, body)
	if got.Kind != KindAI {
		t.Fatalf("Kind = %v, want ai", got.Kind)
	}
	if got.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", got.Provider)
	}
}

func TestClassify_UnknownHostUnknownModelKnownPath(t *testing.T) {
	c := NewClassifier(nil)
	got := c.Classify("POST", "https", "my-gateway.internal", "/v1/chat/completions", nil, nil)
	if got.Kind != KindAI {
		t.Fatalf("Kind = %v, want ai", got.Kind)
	}
	if got.Provider != "unknown" {
		t.Errorf("Provider = %q, want unknown", got.Provider)
	}
}

func TestClassify_OtherTraffic(t *testing.T) {
	c := NewClassifier(nil)
	got := c.Classify("GET", "https", "example.com", "/health", nil, nil)
	if got.Kind != KindOther {
		t.Errorf("Kind = %v, want other", got.Kind)
	}
}

func TestClassify_ExtraHostsOverride(t *testing.T) {
	c := NewClassifier(map[string]string{"my.custom.ai": "custom"})
	got := c.Classify("POST", "https", "my.custom.ai", "/infer", nil, nil)
	if got.Provider != "custom" {
		t.Errorf("Provider = %q, want custom", got.Provider)
	}
}

func TestExtractModel_Empty(t *testing.T) {
	if m := extractModel(nil); m != "" {
		t.Errorf("extractModel(nil) = %q, want empty", m)
	}
}

func TestExtractModel_InvalidJSON(t *testing.T) {
	if m := extractModel([]byte("not json")); m != "" {
		t.Errorf("extractModel(invalid) = %q, want empty", m)
	}
}
