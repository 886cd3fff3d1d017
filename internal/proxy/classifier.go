package proxy

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Kind is the coarse classification of an intercepted request.
type Kind string

const (
	KindAI    Kind = "ai"
	KindOther Kind = "other"
)

// Classification is the result of classifying one intercepted request.
type Classification struct {
	Kind     Kind
	Provider string
	Model    string
}

// hostProvider maps a destination host suffix to a provider name. Evaluated
// in order; first match wins. Extending to a new provider is one row here.
var hostProvider = []struct {
	suffix   string
	provider string
}{
	{suffix: "api.openai.com", provider: "openai"},
	{suffix: "api.anthropic.com", provider: "anthropic"},
	{suffix: "generativelanguage.googleapis.com", provider: "gemini"},
	{suffix: "api.mistral.ai", provider: "mistral"},
	{suffix: "api.deepseek.com", provider: "deepseek"},
}

// modelPrefixProvider maps a model-name prefix to a provider, used when the
// destination host isn't a recognized first-party API endpoint (e.g. an
// OpenAI-compatible gateway or self-hosted relay) but the body still names a
// well-known model.
var modelPrefixProvider = []struct {
	prefix   string
	provider string
}{
	{prefix: "gpt-", provider: "openai"},
	{prefix: "o1-", provider: "openai"},
	{prefix: "o3-", provider: "openai"},
	{prefix: "o4-", provider: "openai"},
	{prefix: "chatgpt-", provider: "openai"},
	{prefix: "text-embedding-", provider: "openai"},
	{prefix: "dall-e-", provider: "openai"},
	{prefix: "whisper-", provider: "openai"},
	{prefix: "tts-", provider: "openai"},
	{prefix: "claude-", provider: "anthropic"},
	{prefix: "gemini-", provider: "gemini"},
	{prefix: "gemma-", provider: "gemini"},
	{prefix: "mistral-", provider: "mistral"},
	{prefix: "deepseek-", provider: "deepseek"},
}

// aiPathSuffixes are request paths that identify an AI inference call even
// on a host Classify doesn't otherwise recognize as a first-party provider.
var aiPathSuffixes = []string{
	"/chat/completions",
	"/completions",
	"/embeddings",
	"/messages",
	":generateContent",
	":streamGenerateContent",
	"/images/generations",
	"/audio/transcriptions",
	"/audio/speech",
	"/moderations",
}

// Classifier inspects intercepted requests and categorizes them as AI
// traffic (with provider/model identification) or other traffic.
type Classifier struct {
	extraHosts map[string]string
}

// NewClassifier builds a Classifier. extraHosts supplements hostProvider
// with operator-configured host-to-provider overrides (config's
// classifier_extra_hosts map, for providers not in the built-in table).
func NewClassifier(extraHosts map[string]string) *Classifier {
	return &Classifier{extraHosts: extraHosts}
}

// Classify implements the ProviderClassifier contract: given the request
// line and headers, determine whether this is AI traffic, and if so, which
// provider and model.
func (c *Classifier) Classify(method, scheme, host, path string, headers http.Header, body []byte) Classification {
	_ = method
	_ = scheme
	_ = headers
	hostLower := strings.ToLower(stripPort(host))

	if provider, ok := c.extraHosts[hostLower]; ok {
		return Classification{Kind: KindAI, Provider: provider, Model: extractModel(body)}
	}
	for _, hp := range hostProvider {
		if hostLower == hp.suffix || strings.HasSuffix(hostLower, "."+hp.suffix) {
			return Classification{Kind: KindAI, Provider: hp.provider, Model: extractModel(body)}
		}
	}

	// Host wasn't a recognized provider; fall back to path/model sniffing so
	// a gateway or relay hostname doesn't cause AI traffic to go unclassified.
	model := extractModel(body)
	if model != "" {
		if provider := providerForModel(model); provider != "" {
			return Classification{Kind: KindAI, Provider: provider, Model: model}
		}
	}
	for _, suffix := range aiPathSuffixes {
		if strings.HasSuffix(path, suffix) {
			return Classification{Kind: KindAI, Provider: "unknown", Model: model}
		}
	}

	return Classification{Kind: KindOther}
}

func providerForModel(model string) string {
	modelLower := strings.ToLower(model)
	for _, mapping := range modelPrefixProvider {
		if strings.HasPrefix(modelLower, mapping.prefix) {
			return mapping.provider
		}
	}
	return ""
}

type modelExtractionBody struct {
	Model string `json:"model"`
}

// extractModel attempts to read the "model" field from a JSON request body.
func extractModel(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var parsed modelExtractionBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Model
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 {
		if !strings.Contains(host[i+1:], "]") {
			return host[:i]
		}
	}
	return host
}
