package llm

import (
	"net/http"

	"github.com/teilomillet/gollm"
)

// AdapterOption configures a provider adapter.
type AdapterOption func(*adapterConfig)

type adapterConfig struct {
	apiKey      string
	model       string
	baseURL     string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	gollmOpts   []gollm.ConfigOption
}

func newAdapterConfig(opts []AdapterOption) *adapterConfig {
	cfg := &adapterConfig{
		maxTokens:   4096,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) AdapterOption {
	return func(c *adapterConfig) {
		c.apiKey = key
	}
}

// WithModel sets the model used when a request names none.
func WithModel(model string) AdapterOption {
	return func(c *adapterConfig) {
		c.model = model
	}
}

// WithBaseURL points the adapter at a compatible endpoint.
func WithBaseURL(url string) AdapterOption {
	return func(c *adapterConfig) {
		c.baseURL = url
	}
}

// WithMaxTokens sets the default output token limit.
func WithMaxTokens(n int) AdapterOption {
	return func(c *adapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) AdapterOption {
	return func(c *adapterConfig) {
		c.temperature = t
	}
}

// WithHTTPClient sets the HTTP client used by adapters that speak HTTP directly.
func WithHTTPClient(client *http.Client) AdapterOption {
	return func(c *adapterConfig) {
		c.httpClient = client
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) AdapterOption {
	return func(c *adapterConfig) {
		c.gollmOpts = append(c.gollmOpts, opts...)
	}
}
