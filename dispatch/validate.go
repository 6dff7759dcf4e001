package dispatch

import (
	"fmt"

	"github.com/BaSui01/agentflow/types"
)

// validateOptions checks the caller-supplied request shape (§4.9.1
// step 0 / §6's required-field contract) before any provider
// resolution is attempted.
func validateOptions(opts types.ChatOptions) error {
	if opts.Model == "" {
		return types.NewError(types.ErrInvalidRequest, "model is required")
	}
	if len(opts.Messages) == 0 {
		return types.NewError(types.ErrInvalidRequest, "at least one message is required")
	}
	for i, m := range opts.Messages {
		switch m.Role {
		case types.RoleSystem, types.RoleUser, types.RoleAssistant, types.RoleTool:
		default:
			return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("messages[%d] has an invalid role %q", i, m.Role))
		}
	}
	if opts.Temperature != nil && (*opts.Temperature < 0 || *opts.Temperature > 2) {
		return types.NewError(types.ErrInvalidRequest, "temperature must be between 0 and 2")
	}
	if opts.MaxTokens < 0 {
		return types.NewError(types.ErrInvalidRequest, "max_tokens must not be negative")
	}
	switch opts.Priority {
	case "", types.PriorityHigh, types.PriorityNormal, types.PriorityLow:
	default:
		return types.NewError(types.ErrInvalidRequest, "priority must be high, normal, or low")
	}
	return nil
}

// resolveProvider determines which provider a request targets (§4.9.1
// step 1, §4.11). Precedence, in order:
//
//  1. An explicit opts.Provider, if it serves opts.Model.
//  2. A per-user pinned provider for this exact model, if UserPrefs is
//     configured and the caller left Provider blank.
//  3. The registry's first-registered-wins resolution for the model.
//
// This ordering is an explicit Open Question resolution (recorded in
// DESIGN.md): the spec requires opts.provider in the request shape but
// also describes preference-based resolution, which only has
// something to decide when the caller leaves it unset.
func (e *Engine) resolveProvider(opts types.ChatOptions) (string, error) {
	if opts.Provider != "" {
		d, exists := e.registry.Get(opts.Provider)
		if !exists {
			return "", types.NewError(types.ErrProviderNotConfigured, "unknown provider").WithProvider(opts.Provider)
		}
		if !d.HasModel(opts.Model) {
			return "", types.NewError(types.ErrModelNotAvailable, "provider does not serve the requested model").WithProvider(opts.Provider)
		}
		return opts.Provider, nil
	}

	if opts.UserID != "" && e.userPrefs != nil {
		if provider, model, ok := e.userPrefs.DefaultProviderAndModel(opts.UserID); ok && model == opts.Model {
			if d, exists := e.registry.Get(provider); exists && d.HasModel(opts.Model) {
				return provider, nil
			}
		}
	}

	if provider, ok := e.registry.ResolveModel(opts.Model); ok {
		return provider, nil
	}
	return "", types.NewError(types.ErrUnknownModel, "no provider serves the requested model")
}
