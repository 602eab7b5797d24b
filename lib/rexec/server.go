// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rexec

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"git.arvados.org/rexec.git/lib/rexec/executor"
	"git.arvados.org/rexec.git/sdk/go/health"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var errNoRemoteExecutor = errors.New("remote executor is not running")

// managementHandler returns the handler for the management
// endpoints: /metrics, /_health/{check}, and /status.
//
// status returns the remote executor's status, or nil if there is
// none.
func managementHandler(token string, reg *prometheus.Registry, status func() *executor.Status, logger logrus.FieldLogger) http.Handler {
	rtr := httprouter.New()
	rtr.Handler("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: logger,
	}))
	rtr.Handler("GET", "/_health/:check", &health.Handler{
		Token: token,
		Routes: health.Routes{
			"executor": func() error {
				if status() == nil {
					return errNoRemoteExecutor
				}
				return nil
			},
		},
		Log: func(r *http.Request, err error) {
			if err != nil {
				logger.WithError(err).WithField("RemoteAddr", r.RemoteAddr).Info("health check failed")
			}
		},
	})
	rtr.Handler("GET", "/status", health.RequireToken(token, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := status()
		if st == nil {
			http.Error(w, errNoRemoteExecutor.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err := enc.Encode(st.Snapshot())
		if err != nil {
			logger.WithError(err).Warn("error writing status response")
		}
	})))
	return rtr
}

// managementServer serves the management endpoints until ctx is done.
type managementServer struct {
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

func startManagementServer(ctx context.Context, addr string, handler http.Handler, logger logrus.FieldLogger) (*managementServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	ms := &managementServer{
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		},
		ln:   ln,
		done: make(chan struct{}),
	}
	logger.WithField("Listen", ln.Addr().String()).Info("serving management endpoints")
	go func() {
		defer close(ms.done)
		err := ms.srv.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("management server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		ms.Close()
	}()
	return ms, nil
}

// Addr returns the address the server is listening on.
func (ms *managementServer) Addr() string {
	return ms.ln.Addr().String()
}

// Close stops the server and waits for it to exit.
func (ms *managementServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ms.srv.Shutdown(ctx)
	<-ms.done
}
