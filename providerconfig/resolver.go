// Package providerconfig resolves provider descriptors from three
// layered sources (runtime overrides, a JSON config file, and
// environment variables), adapted from the upstream agent framework's
// env-override-on-file config-loading idiom.
package providerconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/BaSui01/agentflow/types"
)

// FileRateLimit is the on-disk shape of a rate limit entry; the wire
// format spells the window field "unit" rather than "window".
type FileRateLimit struct {
	Limit int    `json:"limit"`
	Unit  string `json:"unit"`
}

// FileProvider is one provider entry in the config file.
type FileProvider struct {
	APIKey        string            `json:"api_key,omitempty"`
	BaseURL       string            `json:"base_url,omitempty"`
	Adapter       string            `json:"adapter,omitempty"`
	Models        []string          `json:"models"`
	Priority      int               `json:"priority"`
	EnvVarName    string            `json:"env_var_name,omitempty"`
	BaseURLEnvVar string            `json:"base_url_env_var,omitempty"`
	RateLimit     *FileRateLimit    `json:"rate_limit,omitempty"`
	MaxRetries    int               `json:"max_retries,omitempty"`
	TimeoutMs     int               `json:"timeout,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Options       map[string]any    `json:"options,omitempty"`
}

// File is the top-level shape of the provider config file.
type File struct {
	Providers map[string]FileProvider `json:"providers"`
}

// defaultAPIKeyEnvVars gives the well-known default environment
// variable name holding a provider's API key, consulted when the file
// doesn't set env_var_name.
var defaultAPIKeyEnvVars = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// defaultBaseURLEnvVars gives the well-known default environment
// variable name holding a provider's base URL, consulted when the
// file doesn't set base_url_env_var.
var defaultBaseURLEnvVars = map[string]string{
	"ollama": "OLLAMA_BASE_URL",
	"tgi":    "TGI_BASE_URL",
}

// RuntimeOverride is a per-provider override supplied at runtime via
// update_provider_config, taking priority over the file and
// environment.
type RuntimeOverride struct {
	APIKey  *string
	BaseURL *string
}

// Resolver merges runtime overrides, a parsed config file, and the
// environment into ProviderDescriptors. It is pure: the same file
// bytes, runtime overrides, and environment produce the same
// descriptors every time.
type Resolver struct {
	file      File
	runtime   map[string]RuntimeOverride
	getenv    func(string) string
}

// New creates a Resolver from raw JSON config bytes (the config file
// contents).
func New(configJSON []byte) (*Resolver, error) {
	var f File
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &f); err != nil {
			return nil, fmt.Errorf("providerconfig: invalid config file: %w", err)
		}
	}
	return &Resolver{file: f, runtime: make(map[string]RuntimeOverride), getenv: os.Getenv}, nil
}

// SetRuntimeOverride installs or replaces a provider's runtime
// override.
func (r *Resolver) SetRuntimeOverride(name string, override RuntimeOverride) {
	r.runtime[name] = override
}

// Reload replaces the file layer, preserving runtime overrides.
func (r *Resolver) Reload(configJSON []byte) error {
	var f File
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &f); err != nil {
			return fmt.Errorf("providerconfig: invalid config file: %w", err)
		}
	}
	r.file = f
	return nil
}

// Resolve produces every provider descriptor named in the config
// file, merging in runtime overrides and environment fallbacks.
func (r *Resolver) Resolve() ([]types.ProviderDescriptor, error) {
	out := make([]types.ProviderDescriptor, 0, len(r.file.Providers))
	for name, fp := range r.file.Providers {
		d, err := r.resolveOne(name, fp)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ResolveOne resolves a single provider's descriptor by name.
func (r *Resolver) ResolveOne(name string) (types.ProviderDescriptor, bool, error) {
	fp, ok := r.file.Providers[name]
	if !ok {
		return types.ProviderDescriptor{}, false, nil
	}
	d, err := r.resolveOne(name, fp)
	return d, true, err
}

func (r *Resolver) resolveOne(name string, fp FileProvider) (types.ProviderDescriptor, error) {
	adapter := fp.Adapter
	if adapter == "" {
		adapter = name
	}

	apiKey := r.resolveAPIKey(name, fp)
	baseURL := r.resolveBaseURL(name, fp)

	var rl *types.RateLimitConfig
	if fp.RateLimit != nil {
		rl = &types.RateLimitConfig{
			Limit:  fp.RateLimit.Limit,
			Window: types.RateLimitWindow(strings.ToLower(fp.RateLimit.Unit)),
		}
	}

	maxRetries := fp.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	d := types.ProviderDescriptor{
		Name:       name,
		Adapter:    adapter,
		APIKey:     apiKey,
		BaseURL:    baseURL,
		Models:     fp.Models,
		Priority:   fp.Priority,
		RateLimit:  rl,
		MaxRetries: maxRetries,
		TimeoutMs:  fp.TimeoutMs,
		Headers:    fp.Headers,
		Extra:      fp.Options,
	}
	if err := d.Validate(); err != nil {
		return types.ProviderDescriptor{}, err
	}
	return d, nil
}

func (r *Resolver) resolveAPIKey(name string, fp FileProvider) string {
	if o, ok := r.runtime[name]; ok && o.APIKey != nil {
		return *o.APIKey
	}
	if fp.APIKey != "" {
		return fp.APIKey
	}
	envVar := fp.EnvVarName
	if envVar == "" {
		envVar = defaultAPIKeyEnvVars[name]
	}
	if envVar == "" {
		return ""
	}
	return r.getenv(envVar)
}

func (r *Resolver) resolveBaseURL(name string, fp FileProvider) string {
	if o, ok := r.runtime[name]; ok && o.BaseURL != nil {
		return *o.BaseURL
	}
	if fp.BaseURL != "" {
		return fp.BaseURL
	}
	envVar := fp.BaseURLEnvVar
	if envVar == "" {
		envVar = defaultBaseURLEnvVars[name]
	}
	if envVar == "" {
		return ""
	}
	return r.getenv(envVar)
}
