// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package task

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error is an error returned by a task function, possibly on another
// machine. Type is the Go type of the original error value.
type Error struct {
	Function string `json:"function"`
	Type     string `json:"type"`
	Message  string `json:"message"`
}

// NewError returns err as an *Error. If err already is (or wraps) an
// *Error, that one is returned.
func NewError(function string, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{
		Function: function,
		Type:     fmt.Sprintf("%T", err),
		Message:  err.Error(),
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Function, e.Message)
}

// Result is the content of a bundle's result file: either the
// function's return value, or the error it returned.
type Result struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

func (r Result) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalResult decodes a result file. A decoding error means the
// file is damaged or incomplete; a task failure is reported in the
// returned Result, not as an error.
func UnmarshalResult(buf []byte) (Result, error) {
	var r Result
	err := json.Unmarshal(buf, &r)
	if err != nil {
		return Result{}, fmt.Errorf("decoding result: %w", err)
	}
	return r, nil
}

// Err returns the task's error, or nil if it succeeded.
func (r Result) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}
