// Copyright 2021 Ilia Frenkel. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE.txt file.

// Package web implements the HTTP front-end of the go-haste application.
// It translates HTTP requests into Service calls and Service errors into
// HTTP status codes.
package web

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/iliafrenkel/go-haste/src/notify"
	"github.com/iliafrenkel/go-haste/src/service"
)

// ServerOptions defines various parameters needed to run the WebServer
type ServerOptions struct {
	Addr         string        // address to listen on, see http.Server docs for details
	ReadTimeout  time.Duration // maximum duration for reading the entire request.
	WriteTimeout time.Duration // maximum duration before timing out writes of the response
	IdleTimeout  time.Duration // maximum amount of time to wait for the next request
	LogFile      string        // if not empty, will write access logs to the file
	LogMode      string        // can be either "debug" or "production"
	Assets       string        // location of the static files folder, empty to disable
	MaxBodySize  int64         // maximum size for request's body
	Version      string        // app version, comes from build
}

// Server encapsulates a router and a server.
// Normally, you'd create a new instance by calling New which configures the
// router and then call ListenAndServe to start serving incoming requests.
type Server struct {
	router   *mux.Router
	server   *http.Server
	options  ServerOptions
	log      lgr.L
	service  *service.Service
	notifier *notify.Notifier
	metrics  *metrics
}

var dbgLogFormatter handlers.LogFormatter = func(writer io.Writer, params handlers.LogFormatterParams) {
	const (
		green   = "\033[97;42m"
		white   = "\033[90;47m"
		yellow  = "\033[90;43m"
		red     = "\033[97;41m"
		blue    = "\033[97;44m"
		magenta = "\033[97;45m"
		cyan    = "\033[97;46m"
		reset   = "\033[0m"
	)

	code := params.StatusCode
	cclr := ""
	switch {
	case code >= http.StatusOK && code < http.StatusMultipleChoices:
		cclr = green
	case code >= http.StatusMultipleChoices && code < http.StatusBadRequest:
		cclr = white
	case code >= http.StatusBadRequest && code < http.StatusInternalServerError:
		cclr = yellow
	default:
		cclr = red
	}

	method := params.Request.Method
	mclr := ""
	switch method {
	case http.MethodGet:
		mclr = blue
	case http.MethodPost:
		mclr = cyan
	case http.MethodDelete:
		mclr = red
	case http.MethodHead:
		mclr = magenta
	default:
		mclr = reset
	}

	host, _, err := net.SplitHostPort(params.Request.RemoteAddr)
	if err != nil {
		host = params.Request.RemoteAddr
	}

	fmt.Fprintf(writer, "|%s %3d %s| %15s |%s %-7s %s| %8d | %s \n",
		cclr, code, reset,
		host,
		mclr, method, reset,
		params.Size,
		params.URL.RequestURI(),
	)
}

// Handler returns the router wrapped with the access log and the request
// metrics.
func (h *Server) Handler(w io.Writer) http.Handler {
	hdlr := h.metrics.instrument(h.router)
	if h.options.LogMode == "debug" {
		return handlers.CustomLoggingHandler(w, hdlr, dbgLogFormatter)
	}
	return handlers.CombinedLoggingHandler(w, hdlr)
}

// ListenAndServe starts an HTTP server and binds it to the provided address.
// You have to call New() first to initialise the WebServer.
func (h *Server) ListenAndServe() error {
	var w io.Writer
	if h.options.LogFile == "" {
		w = lgr.ToWriter(h.log, "")
	} else {
		f, err := os.OpenFile(h.options.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("WebServer.ListenAndServer: cannot open log file: [%s]: %w", h.options.LogFile, err)
		}
		defer f.Close()
		w = f
	}
	h.server = &http.Server{
		Addr:         h.options.Addr,
		WriteTimeout: h.options.WriteTimeout,
		ReadTimeout:  h.options.ReadTimeout,
		IdleTimeout:  h.options.IdleTimeout,
		Handler:      h.Handler(w),
	}

	h.log.Logf("INFO listening on %s", h.options.Addr)
	return h.server.ListenAndServe()
}

// Shutdown gracefully shutdown the server with the givem context.
func (h *Server) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// New returns an instance of the WebServer with initialised middleware and
// routes. You can call ListenAndServe on a newly created instance to
// initialise the HTTP server and start handling incoming requests.
// The notifier may be nil, notification requests are then answered with
// 503 Service Unavailable.
func New(l lgr.L, svc *service.Service, n *notify.Notifier, opts ServerOptions) *Server {
	if l == nil {
		l = lgr.NoOp
	}
	handler := Server{
		log:      l,
		options:  opts,
		service:  svc,
		notifier: n,
		metrics:  newMetrics(opts.Version),
	}

	// Initialise the router
	handler.router = mux.NewRouter()

	// Static files
	if opts.Assets != "" {
		handler.router.PathPrefix("/assets/").Handler(http.StripPrefix("/assets/", http.FileServer(http.Dir(opts.Assets))))
	}

	// Define routes
	handler.router.HandleFunc("/docs", handler.handlePostDocument).Methods("POST")
	handler.router.HandleFunc("/docs/{id}", handler.handleGetDocument).Methods("GET", "HEAD")
	handler.router.HandleFunc("/docs/{id}", handler.handleDeleteDocument).Methods("DELETE")
	handler.router.HandleFunc("/recent", handler.handleGetRecent).Methods("GET")
	handler.router.HandleFunc("/keys/{ids}", handler.handleGetKeys).Methods("GET")
	handler.router.HandleFunc("/irc/privmsg/{chan}/{id}", handler.handleNotify).Methods("GET")
	handler.router.Handle("/metrics", handler.metrics.handler()).Methods("GET")

	// Common error routes
	handler.router.NotFoundHandler = http.HandlerFunc(handler.notFound)
	handler.router.MethodNotAllowedHandler = http.HandlerFunc(handler.methodNotAllowed)

	return &handler
}
