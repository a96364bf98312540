/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package validator defines the plug-in contract for pre-execution step checks.
// Validators are external collaborators: the engine ships the registry and the
// result shape, while concrete checks (http_status, file_exists, service_running,
// port_open, disk_space, memory_usage) are registered by the embedding system.
package validator

import (
	"context"
	"fmt"
	"sync"
)

// Result is the outcome of a single validator invocation.
type Result struct {
	Valid   bool           `json:"valid"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Validator is a named pre-execution check. It receives the validator's
// config map from the step definition and a read-only view of the execution
// context (parameters and variables established so far).
type Validator interface {
	Validate(ctx context.Context, config map[string]any, execution map[string]any) Result
}

// Func adapts a plain function to the Validator interface.
type Func func(ctx context.Context, config map[string]any, execution map[string]any) Result

// Validate calls f.
func (f Func) Validate(ctx context.Context, config map[string]any, execution map[string]any) Result {
	return f(ctx, config, execution)
}

// Registry holds the validators available to an engine instance.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

// NewRegistry creates an empty validator registry.
func NewRegistry() *Registry {
	return &Registry{
		validators: make(map[string]Validator),
	}
}

// Register adds a validator under the given type name. Registering the same
// name twice replaces the earlier entry.
func (r *Registry) Register(name string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[name] = v
}

// Get looks up a validator by type name.
func (r *Registry) Get(name string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[name]
	return v, ok
}

// List returns all registered validator type names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.validators))
	for name := range r.validators {
		names = append(names, name)
	}
	return names
}

// Run resolves the validator named by config["type"] and invokes it.
// A missing or unregistered type fails closed: the step must not run on the
// strength of a check nobody performed.
func (r *Registry) Run(ctx context.Context, config map[string]any, execution map[string]any) Result {
	name, _ := config["type"].(string)
	if name == "" {
		return Result{Valid: false, Message: "validator config missing type"}
	}
	v, ok := r.Get(name)
	if !ok {
		return Result{
			Valid:   false,
			Message: fmt.Sprintf("validator %q not found in registry", name),
			Details: map[string]any{"type": name},
		}
	}
	return v.Validate(ctx, config, execution)
}
