// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves token-protected health checks, and protects
// other management endpoints with the same token.
package health

import (
	"encoding/json"
	"net/http"
	"path"

	"github.com/julienschmidt/httprouter"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
//
// The check name is taken from the httprouter parameter "check" if
// there is one (e.g., route "/_health/:check"), otherwise from the
// last element of the request path. A "ping" check that always
// succeeds is provided unless Routes has its own.
type Handler struct {
	// Authentication token. If empty, all requests will return 404.
	Token string

	Routes Routes

	// If non-nil, Log is called after handling each request. The
	// error argument is nil if the request was successfully
	// authenticated and served, even if the health check itself
	// failed.
	Log func(*http.Request, error)
}

var healthyBody = []byte(`{"health":"OK"}` + "\n")

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var err error
	defer func() {
		if h.Log != nil {
			h.Log(r, err)
		}
	}()
	if err = checkToken(h.Token, r); err != nil {
		http.Error(w, err.Error(), err.(*authError).code)
		return
	}
	name := httprouter.ParamsFromContext(r.Context()).ByName("check")
	if name == "" {
		name = path.Base(r.URL.Path)
	}
	fn, ok := h.Routes[name]
	if !ok && name == "ping" {
		fn, ok = func() error { return nil }, true
	}
	if !ok {
		err = &authError{code: http.StatusNotFound, msg: "no such health check"}
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if checkErr := fn(); checkErr == nil {
		w.Write(healthyBody)
	} else {
		err = json.NewEncoder(w).Encode(map[string]string{
			"health": "ERROR",
			"error":  checkErr.Error(),
		})
	}
}

// RequireToken returns a handler that passes requests to next only if
// they carry "Authorization: Bearer {token}". If token is empty, all
// requests return 404.
func RequireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := checkToken(token, r); err != nil {
			http.Error(w, err.Error(), err.(*authError).code)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type authError struct {
	code int
	msg  string
}

func (e *authError) Error() string {
	return e.msg
}

// checkToken returns nil or an *authError.
func checkToken(token string, r *http.Request) error {
	if token == "" {
		return &authError{code: http.StatusNotFound, msg: "disabled"}
	} else if ah := r.Header.Get("Authorization"); ah == "" {
		return &authError{code: http.StatusUnauthorized, msg: "authorization required"}
	} else if ah != "Bearer "+token {
		return &authError{code: http.StatusForbidden, msg: "authorization error"}
	}
	return nil
}
