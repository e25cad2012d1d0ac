package settings

import (
	"fmt"
	"time"
)

const (
	DefaultModelID        = "claude-3-7-sonnet-20250219"
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 4096
	DefaultMaxRetries     = 3
	DefaultRequestTimeout = 60 * time.Second
)

// Settings is the per-conversation inference configuration. All fields are
// validated together against the model catalog, so a stored Settings value
// is always internally consistent. TopP zero means nucleus sampling is not
// requested and the parameter is omitted from model calls.
type Settings struct {
	ModelID        string        `json:"model_id"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
	TopP           float64       `json:"top_p,omitempty"`
	SystemPrompt   string        `json:"system_prompt,omitempty"`
	MaxRetries     int           `json:"max_retries"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

func Defaults() Settings {
	return Settings{
		ModelID:        DefaultModelID,
		Temperature:    DefaultTemperature,
		MaxTokens:      DefaultMaxTokens,
		MaxRetries:     DefaultMaxRetries,
		RequestTimeout: DefaultRequestTimeout,
	}
}

// Patch is a partial settings update. Nil fields are left unchanged; the
// merged result is validated as a whole before anything is applied.
type Patch struct {
	ModelID          *string  `json:"model_id,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	SystemPrompt     *string  `json:"system_prompt,omitempty"`
	MaxRetries       *int     `json:"max_retries,omitempty"`
	RequestTimeoutMS *int64   `json:"request_timeout_ms,omitempty"`
}

func (p Patch) apply(s Settings) Settings {
	if p.ModelID != nil {
		s.ModelID = *p.ModelID
	}
	if p.Temperature != nil {
		s.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil {
		s.MaxTokens = *p.MaxTokens
	}
	if p.TopP != nil {
		s.TopP = *p.TopP
	}
	if p.SystemPrompt != nil {
		s.SystemPrompt = *p.SystemPrompt
	}
	if p.MaxRetries != nil {
		s.MaxRetries = *p.MaxRetries
	}
	if p.RequestTimeoutMS != nil {
		s.RequestTimeout = time.Duration(*p.RequestTimeoutMS) * time.Millisecond
	}
	return s
}

// ValidationError reports the first field that failed validation. The
// carrying operation is rejected as a whole.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("settings: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the settings against the catalog. MaxTokens is bounded by
// the selected model's response ceiling, so model changes and token changes
// are judged together.
func (s Settings) Validate(catalog *Catalog) error {
	model, ok := catalog.Lookup(s.ModelID)
	if !ok {
		return invalid("model_id", "unknown model %q", s.ModelID)
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		return invalid("temperature", "%g out of range [0, 2]", s.Temperature)
	}
	if s.MaxTokens <= 0 {
		return invalid("max_tokens", "%d must be positive", s.MaxTokens)
	}
	if s.MaxTokens > model.MaxResponseTokens {
		return invalid("max_tokens", "%d exceeds %s limit of %d", s.MaxTokens, model.ID, model.MaxResponseTokens)
	}
	if s.TopP < 0 || s.TopP > 1 {
		return invalid("top_p", "%g out of range (0, 1]", s.TopP)
	}
	if s.MaxRetries < 0 {
		return invalid("max_retries", "%d must not be negative", s.MaxRetries)
	}
	if s.RequestTimeout <= 0 {
		return invalid("request_timeout", "%s must be positive", s.RequestTimeout)
	}
	return nil
}
