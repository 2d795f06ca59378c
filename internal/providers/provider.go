// Package providers implements the tool invoker the engine dispatches steps to.
// A Registry routes each (provider, action) call to a registered Provider and
// guards every action with a circuit breaker.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
)

// Provider is an external system adapter exposing named actions.
type Provider interface {
	Name() string
	Actions() []ActionInfo
	Invoke(ctx context.Context, action string, params map[string]any) (any, error)
}

// Starter is implemented by providers that must connect before first use.
type Starter interface {
	Start(ctx context.Context) error
}

// Closer is implemented by providers holding resources.
type Closer interface {
	Close() error
}

// ActionInfo describes one action of a provider.
type ActionInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ProviderInfo is a summary of a registered provider for listing.
type ProviderInfo struct {
	Name    string       `json:"name"`
	Actions []ActionInfo `json:"actions"`
}

// Param helpers shared by the builtin providers.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	return v
}

func headerParam(m map[string]any, key string) map[string]string {
	raw := mapParam(m, key)
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
