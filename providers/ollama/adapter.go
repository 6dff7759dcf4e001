// Package ollama implements an adapter.Adapter for a local Ollama
// daemon, grounded on the pack's Sanix-Darker-prev
// internal/provider/compat module, which treats Ollama as one of
// several backends distinguished from OpenAI only by base URL and
// optional auth, over the OpenAI-compatible wire format. Rather than
// duplicating that module's hand-rolled wire types, this package
// embeds the providers/openai adapter pointed at Ollama's /v1
// endpoint — the same wire format — and layers on the daemon's native
// /api/tags endpoint for the adapter.Connector/HealthChecker lifecycle
// a stateless cloud vendor adapter has no use for. No ecosystem Ollama
// client was found anywhere in the pack, so the liveness probe is
// plain net/http (see DESIGN.md).
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/providers/openai"
	"github.com/BaSui01/agentflow/types"
)

const defaultBaseURL = "http://localhost:11434"

// placeholderAPIKey satisfies the embedded openai.Adapter's non-empty
// Authorization header requirement. Ollama's OpenAI-compatible
// endpoint ignores it entirely for an unauthenticated local daemon.
const placeholderAPIKey = "ollama"

// Adapter wraps an *openai.Adapter pointed at Ollama's /v1 endpoint,
// inheriting Execute, Stream, and Supports unchanged, and adds
// Connect/HealthCheck against the daemon's native /api/tags endpoint.
type Adapter struct {
	*openai.Adapter
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
}

// New builds an Adapter for one resolved provider descriptor.
// descriptor.BaseURL is the daemon's root address (defaulting to
// http://localhost:11434), not the /v1 path.
func New(descriptor types.ProviderDescriptor, logger *zap.Logger) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := descriptor.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	oaiDescriptor := descriptor
	oaiDescriptor.BaseURL = baseURL + "/v1"
	if oaiDescriptor.APIKey == "" {
		oaiDescriptor.APIKey = placeholderAPIKey
	}

	inner, err := openai.New(oaiDescriptor, logger)
	if err != nil {
		return nil, err
	}

	return &Adapter{
		Adapter:    inner,
		httpClient: &http.Client{Timeout: descriptor.Timeout()},
		baseURL:    baseURL,
		logger:     logger,
	}, nil
}

func (a *Adapter) Name() string { return "ollama" }

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Connect implements adapter.Connector: probes the daemon's /api/tags
// endpoint so the connection manager can distinguish "daemon not
// running" from "model not pulled" at connect time rather than on the
// first completion request.
func (a *Adapter) Connect(ctx context.Context, descriptor types.ProviderDescriptor) (any, error) {
	tags, err := a.fetchTags(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "ollama daemon unreachable").WithProvider(descriptor.Name).WithCause(err)
	}

	available := make(map[string]bool, len(tags.Models))
	for _, m := range tags.Models {
		available[m.Name] = true
	}
	for _, m := range descriptor.Models {
		if !available[m] {
			a.logger.Warn("ollama model not yet pulled", zap.String("provider", descriptor.Name), zap.String("model", m))
		}
	}
	return nil, nil
}

func (a *Adapter) Disconnect(_ context.Context, _ types.ProviderDescriptor, _ any) error {
	return nil
}

// HealthCheck implements adapter.HealthChecker against the same
// /api/tags endpoint used by Connect.
func (a *Adapter) HealthCheck(ctx context.Context, descriptor types.ProviderDescriptor, _ any) error {
	if _, err := a.fetchTags(ctx); err != nil {
		return types.NewError(types.ErrServiceUnavailable, "ollama daemon unreachable").WithProvider(descriptor.Name).WithCause(err)
	}
	return nil
}

func (a *Adapter) fetchTags(ctx context.Context) (*tagsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: /api/tags returned status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("ollama: decoding /api/tags response: %w", err)
	}
	return &tags, nil
}
