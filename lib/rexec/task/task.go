// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package task defines the unit of work passed between a controller
// and its workers: a Descriptor naming a registered function and its
// arguments, and a Result carrying its return value or error.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownFunction = errors.New("unknown function")

// A Descriptor identifies a function in a Registry and the arguments
// to call it with. Both the controller and the worker must have the
// function registered under the same name.
type Descriptor struct {
	Function string          `json:"function"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// New returns a Descriptor that calls the named function with args
// (which are encoded as JSON).
func New(function string, args interface{}) (Descriptor, error) {
	buf, err := json.Marshal(args)
	if err != nil {
		return Descriptor{}, fmt.Errorf("encoding arguments for %s: %w", function, err)
	}
	return Descriptor{Function: function, Args: buf}, nil
}

// Marshal returns the payload written to a bundle's code file.
func (d Descriptor) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// Unmarshal decodes a code file payload.
func Unmarshal(buf []byte) (Descriptor, error) {
	var d Descriptor
	err := json.Unmarshal(buf, &d)
	if err == nil && d.Function == "" {
		err = errors.New("descriptor has no function name")
	}
	return d, err
}

// Func is a registered function. It receives its arguments as JSON
// and returns its result as JSON.
type Func func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Registry is a lookup table of functions that can be named in a
// Descriptor. The zero value is an empty registry ready to use.
type Registry struct {
	mtx   sync.RWMutex
	funcs map[string]Func
}

// Register adds fn to the registry. It panics if name is already
// registered.
func (reg *Registry) Register(name string, fn Func) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	if reg.funcs == nil {
		reg.funcs = map[string]Func{}
	}
	if _, dup := reg.funcs[name]; dup {
		panic("task: duplicate function name " + name)
	}
	reg.funcs[name] = fn
}

// Lookup returns the named function.
func (reg *Registry) Lookup(name string) (Func, error) {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	fn, ok := reg.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownFunction, name)
	}
	return fn, nil
}

// Names returns the registered function names, sorted.
func (reg *Registry) Names() []string {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	var names []string
	for name := range reg.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds a function with typed arguments and return value to
// reg. Arguments and results are converted to/from JSON.
func Register[A, R any](reg *Registry, name string, fn func(context.Context, A) (R, error)) {
	reg.Register(name, func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var args A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decoding arguments: %w", err)
			}
		}
		ret, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return json.Marshal(ret)
	})
}

// Call looks up and runs the function named by desc. An error
// returned by the function itself is wrapped in *Error; lookup
// failures are returned as is.
func (reg *Registry) Call(ctx context.Context, desc Descriptor) (json.RawMessage, error) {
	fn, err := reg.Lookup(desc.Function)
	if err != nil {
		return nil, err
	}
	ret, err := callRecover(ctx, fn, desc.Args)
	if err != nil {
		return nil, NewError(desc.Function, err)
	}
	return ret, nil
}

func callRecover(ctx context.Context, fn Func, args json.RawMessage) (ret json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, args)
}
