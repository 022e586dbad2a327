package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Middleware wraps a Complete call. It receives the request and a next
// function that calls the downstream handler.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// StreamMiddleware wraps a Stream call.
type StreamMiddleware func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error)

// Client routes requests to registered backends and applies middleware.
// Client itself satisfies Backend, so it can be handed to the runtime.
type Client struct {
	providers       map[string]Backend
	defaultProvider string
	middleware      []Middleware
	streamMW        []StreamMiddleware
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a backend under name.
func WithProvider(name string, backend Backend) ClientOption {
	return func(c *Client) {
		c.providers[name] = backend
	}
}

// WithDefaultProvider sets the provider used when a request names none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware adds Complete middleware. The first registered runs first.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// WithStreamMiddleware adds Stream middleware.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) {
		c.streamMW = append(c.streamMW, mw...)
	}
}

// NewClient creates a Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]Backend),
	}
	for _, opt := range opts {
		opt(c)
	}
	// If no default and exactly one provider, use it.
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// Name identifies the router.
func (c *Client) Name() string { return "client" }

// RegisterProvider adds a backend after construction.
func (c *Client) RegisterProvider(name string, backend Backend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = backend
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// resolve picks the backend for req and strips a "provider:" prefix from
// the model reference when it names a registered provider.
func (c *Client) resolve(req Request) (Backend, Request, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if prefix, model, ok := strings.Cut(req.Model, ":"); ok {
		if _, registered := c.providers[prefix]; registered && (name == "" || name == prefix) {
			name = prefix
			req.Model = model
		}
	}
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, req, &ConfigurationError{BackendError: BackendError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	backend, ok := c.providers[name]
	if !ok {
		return nil, req, &ConfigurationError{BackendError: BackendError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	req.Provider = name
	return backend, req, nil
}

// Complete sends a blocking request through middleware to the resolved backend.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	backend, req, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, r Request) (*Response, error) {
		return backend.Complete(ctx, r)
	}
	// Apply in reverse so the first registered middleware runs first.
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := handler
		handler = func(ctx context.Context, r Request) (*Response, error) {
			return mw(ctx, r, next)
		}
	}
	return handler(ctx, req)
}

// Stream sends a streaming request through middleware to the resolved backend.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	backend, req, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
		return backend.Stream(ctx, r)
	}
	for i := len(c.streamMW) - 1; i >= 0; i-- {
		mw := c.streamMW[i]
		next := handler
		handler = func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
			return mw(ctx, r, next)
		}
	}
	return handler(ctx, req)
}

// Close releases resources held by registered backends.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, backend := range c.providers {
		if closer, ok := backend.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
