// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package task

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"time"

	"git.arvados.org/rexec.git/sdk/go/ctxlog"
)

// SleepArgs are the arguments to the "sleep" builtin.
type SleepArgs struct {
	Seconds float64 `json:"seconds"`
	Message string  `json:"message"`
}

// HashArgs are the arguments to the "sha256" builtin.
type HashArgs struct {
	Data   string `json:"data"`
	Rounds int    `json:"rounds"`
}

// RegisterBuiltins adds a few functions that are useful for checking
// a worker pool end to end:
//
//	echo      returns its arguments
//	hostname  returns the worker's hostname
//	sleep     waits, then returns a message
//	sha256    hashes data repeatedly (CPU load)
//	fail      returns an error with the given message
func RegisterBuiltins(reg *Registry) {
	Register(reg, "echo", func(ctx context.Context, args interface{}) (interface{}, error) {
		return args, nil
	})
	Register(reg, "hostname", func(context.Context, struct{}) (string, error) {
		return os.Hostname()
	})
	Register(reg, "sleep", func(ctx context.Context, args SleepArgs) (string, error) {
		ctxlog.FromContext(ctx).WithField("Seconds", args.Seconds).Debug("sleeping")
		select {
		case <-time.After(time.Duration(args.Seconds * float64(time.Second))):
			return args.Message, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	Register(reg, "sha256", func(ctx context.Context, args HashArgs) (string, error) {
		sum := sha256.Sum256([]byte(args.Data))
		for i := 1; i < args.Rounds; i++ {
			if i%1000 == 0 && ctx.Err() != nil {
				return "", ctx.Err()
			}
			sum = sha256.Sum256(sum[:])
		}
		return fmt.Sprintf("%x", sum), nil
	})
	Register(reg, "fail", func(ctx context.Context, msg string) (interface{}, error) {
		return nil, errors.New(msg)
	})
}
