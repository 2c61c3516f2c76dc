// Package schema validates capability operation payloads against JSON
// Schemas before they reach a provider. Binding a schema per operation
// catches malformed payloads at the orchestrator boundary with an
// invalid_request provider error instead of an opaque provider failure.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/orchestra/runtime/provider"
)

// Registry holds compiled JSON Schemas keyed by operation name.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles the schema document and binds it to the operation.
// Registering an operation twice replaces the previous schema.
func (r *Registry) Register(operation string, schemaJSON []byte) error {
	if operation == "" {
		return fmt.Errorf("operation name is required")
	}
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return fmt.Errorf("unmarshal schema for %q: %w", operation, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(operation+".json", doc); err != nil {
		return fmt.Errorf("add schema resource for %q: %w", operation, err)
	}
	compiled, err := c.Compile(operation + ".json")
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", operation, err)
	}
	r.mu.Lock()
	r.schemas[operation] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks the payload against the operation's schema. Operations
// without a registered schema pass. A nil payload is validated as JSON null.
func (r *Registry) Validate(operation string, payload json.RawMessage) error {
	r.mu.RLock()
	compiled, ok := r.schemas[operation]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if payload == nil {
		payload = json.RawMessage("null")
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return compiled.Validate(doc)
}

// Middleware returns a provider middleware that rejects payloads failing
// the registry's schemas with an invalid_request provider error. The
// underlying provider is never invoked for a rejected payload.
func Middleware(name string, r *Registry) provider.Middleware {
	if name == "" {
		name = "provider"
	}
	return func(next provider.Provider) provider.Provider {
		if next == nil {
			return nil
		}
		return provider.Func(func(ctx context.Context, operation string, req provider.Request) (provider.Response, error) {
			if err := r.Validate(operation, req.Payload); err != nil {
				return provider.Response{}, provider.NewError(name, operation, req.Target,
					provider.ErrorKindInvalidRequest, err.Error(), false, err)
			}
			return next.Invoke(ctx, operation, req)
		})
	}
}
