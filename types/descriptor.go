package types

import "time"

// RateLimitWindow names the refill window of a provider's token
// bucket.
type RateLimitWindow string

const (
	WindowSecond RateLimitWindow = "second"
	WindowMinute RateLimitWindow = "minute"
	WindowHour   RateLimitWindow = "hour"
)

// Duration returns the window's length as a time.Duration.
func (w RateLimitWindow) Duration() time.Duration {
	switch w {
	case WindowSecond:
		return time.Second
	case WindowHour:
		return time.Hour
	default:
		return time.Minute
	}
}

// RateLimitConfig configures a provider's token bucket: Limit permits
// refill every Window.
type RateLimitConfig struct {
	Limit  int             `json:"limit"`
	Window RateLimitWindow `json:"window"`
}

// ProviderDescriptor is the static configuration record for one
// provider, as resolved by the config resolver.
type ProviderDescriptor struct {
	Name       string            `json:"name"`
	Adapter    string            `json:"adapter"`
	APIKey     string            `json:"api_key,omitempty"`
	BaseURL    string            `json:"base_url,omitempty"`
	Models     []string          `json:"models"`
	Priority   int               `json:"priority"`
	RateLimit  *RateLimitConfig  `json:"rate_limit,omitempty"`
	MaxRetries int               `json:"max_retries"`
	TimeoutMs  int               `json:"timeout_ms"`
	Headers    map[string]string `json:"headers,omitempty"`
	Extra      map[string]any    `json:"extra_options,omitempty"`
}

// Timeout returns the descriptor's per-call timeout as a Duration,
// defaulting to 30s.
func (d ProviderDescriptor) Timeout() time.Duration {
	if d.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// HasModel reports whether the descriptor lists the given model.
func (d ProviderDescriptor) HasModel(model string) bool {
	for _, m := range d.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Validate checks the invariants required of a registerable
// descriptor (§4.2): name and adapter present, models are non-empty
// strings, rate limit (if any) has a positive limit and a permitted
// window, priority is non-negative.
func (d ProviderDescriptor) Validate() error {
	if d.Name == "" {
		return NewError(ErrInvalidRequest, "provider descriptor missing name")
	}
	if d.Adapter == "" {
		return NewError(ErrInvalidRequest, "provider descriptor missing adapter").WithProvider(d.Name)
	}
	for _, m := range d.Models {
		if m == "" {
			return NewError(ErrInvalidRequest, "provider descriptor has an empty model name").WithProvider(d.Name)
		}
	}
	if d.Priority < 0 {
		return NewError(ErrInvalidRequest, "provider descriptor priority must be >= 0").WithProvider(d.Name)
	}
	if d.RateLimit != nil {
		if d.RateLimit.Limit <= 0 {
			return NewError(ErrInvalidRequest, "provider descriptor rate_limit.limit must be positive").WithProvider(d.Name)
		}
		switch d.RateLimit.Window {
		case WindowSecond, WindowMinute, WindowHour:
		default:
			return NewError(ErrInvalidRequest, "provider descriptor rate_limit.window must be second, minute, or hour").WithProvider(d.Name)
		}
	}
	return nil
}

// CircuitState is the three-state circuit breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ConnectionState is the explicit per-provider lifecycle state tracked
// by the connection manager.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Unhealthy
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Unhealthy:
		return "unhealthy"
	case Disconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// HealthStatusKind summarizes a provider's aggregated health.
type HealthStatusKind string

const (
	HealthHealthy   HealthStatusKind = "healthy"
	HealthDegraded  HealthStatusKind = "degraded"
	HealthUnhealthy HealthStatusKind = "unhealthy"
	HealthUnknown   HealthStatusKind = "unknown"
)

// Model describes one model entry returned by ListModels.
type Model struct {
	Model     string `json:"model"`
	Provider  string `json:"provider"`
	Available bool   `json:"available"`
}

// ProviderRuntime is a snapshot of a provider's runtime state alongside
// its static descriptor. The dispatch engine assembles it on demand
// from its breaker, counters, connection manager and health tracker;
// a value is a copy and is not updated afterwards.
type ProviderRuntime struct {
	Descriptor ProviderDescriptor

	CircuitState        CircuitState
	ConsecutiveFailures int
	LastFailureAt       *time.Time
	HalfOpenProbes      int

	ActiveRequests int
	TotalRequests  int64
	TotalErrors    int64

	HealthStatus  HealthStatusKind
	HealthFailures int
	LastHealthAt  *time.Time

	ConnectionState   ConnectionState
	ConnectionPayload any
	Enabled           bool
	LastUsedAt        *time.Time
	ConnectedAt       *time.Time
}

// Snapshot copies the runtime record for safe handoff outside the
// owning goroutine.
func (r ProviderRuntime) Snapshot() ProviderRuntime {
	return r
}

// HealthRecord is one entry of a provider's append-only health log.
// Trackers keep records newest-first and cap the log at 100 entries.
type HealthRecord struct {
	Provider  string           `json:"provider"`
	Status    HealthStatusKind `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	LatencyMs *int64           `json:"latency_ms,omitempty"`
	Details   string           `json:"details,omitempty"`
}

// CostRecord is one entry of a provider's append-only cost log. Trackers
// keep records newest-first and cap the log at 1000 entries.
type CostRecord struct {
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	Timestamp        time.Time `json:"timestamp"`
}
