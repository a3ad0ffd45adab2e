// Package credentials resolves secrets from a templated credentials file.
// The file is a Go text/template whose output is YAML (or JSON, which is
// valid YAML); template functions pull values from the environment, files
// and registered secret providers.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

const (
	// maxInputSize is the maximum size of a credentials template file (1MB).
	maxInputSize = 1 << 20
	// maxOutputSize is the maximum size of rendered template output (1MB).
	maxOutputSize = 1 << 20
)

// Credentials holds all resolved credential values.
type Credentials struct {
	// AdminToken is the bearer token required on /admin routes.
	AdminToken string `yaml:"admin_token,omitempty"`

	// Upstreams lists tokens sent to private document hosts.
	Upstreams []UpstreamToken `yaml:"upstreams,omitempty"`
}

// UpstreamToken is a bearer token for one document host.
type UpstreamToken struct {
	Host  string `yaml:"host"`
	Token string `yaml:"token"`
}

// HostTokens returns the upstream tokens keyed by host. Later entries for
// the same host win.
func (c *Credentials) HostTokens() map[string]string {
	if len(c.Upstreams) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.Upstreams))
	for _, u := range c.Upstreams {
		out[strings.ToLower(u.Host)] = u.Token
	}
	return out
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver renders a credentials template and decodes the result.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a new credential resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	creds, err := r.ResolveReader(ctx, f)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("resolved credentials", "path", path, "upstreams", len(creds.Upstreams), "admin_token", creds.AdminToken != "")
	return creds, nil
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxInputSize)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcMap(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxOutputSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxOutputSize)
	}

	var creds Credentials
	dec := yaml.NewDecoder(&buf)
	dec.KnownFields(true)
	if err := dec.Decode(&creds); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding rendered credentials: %w", err)
	}
	for i, u := range creds.Upstreams {
		if u.Host == "" {
			return nil, fmt.Errorf("upstreams[%d]: host is required", i)
		}
	}
	return &creds, nil
}

// funcMap builds the template functions. Provider results are memoized for
// one render so each reference is resolved at most once.
func (r *Resolver) funcMap(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		// json quotes a value; a JSON string is also a valid YAML scalar.
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("encoding value: %w", err)
			}
			return string(b), nil
		},
	}

	memo := make(map[string]string)
	for name, provider := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if val, ok := memo[key]; ok {
				return val, nil
			}
			val, err := provider(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			memo[key] = val
			return val, nil
		}
	}
	return fm
}
