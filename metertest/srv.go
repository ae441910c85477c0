// Package metertest provides an in-process fake httpmeter server for
// tests: a settable register map served as key=value lines on
// GET /status.
package metertest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/juju/httprequest"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Addr string
	lis  net.Listener

	// mu guards the fields below it.
	mu     sync.Mutex
	fields map[string]string
	broken bool
}

var reqServer = &httprequest.Server{}

// NewServer starts a fake meter server listening on addr
// (use ":0" for an ephemeral port).
func NewServer(addr string) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &Server{
		Addr:   lis.Addr().String(),
		lis:    lis,
		fields: make(map[string]string),
	}
	router := httprouter.New()
	for _, h := range reqServer.Handlers(srv.handler) {
		router.Handle(h.Method, h.Path, h.Handle)
	}
	go http.Serve(lis, router)
	return srv, nil
}

// SetField sets an integer register value.
func (srv *Server) SetField(key string, value int) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.fields[key] = fmt.Sprint(value)
}

// SetRawField sets a register to arbitrary text, so tests can serve
// undecodable values.
func (srv *Server) SetRawField(key, value string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.fields[key] = value
}

// SetBroken makes the server answer /status with an error status,
// simulating a meter that has gone away.
func (srv *Server) SetBroken(broken bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.broken = broken
}

func (srv *Server) Close() {
	srv.lis.Close()
}

func (srv *Server) handler(p httprequest.Params) (handler, context.Context, error) {
	return handler{srv}, p.Context, nil
}

type handler struct {
	srv *Server
}

type statusReq struct {
	httprequest.Route `httprequest:"GET /status"`
}

func (h handler) Status(p httprequest.Params, req *statusReq) {
	h.srv.mu.Lock()
	defer h.srv.mu.Unlock()
	if h.srv.broken {
		http.Error(p.Response, "meter gone", http.StatusServiceUnavailable)
		return
	}
	keys := make([]string, 0, len(h.srv.fields))
	for key := range h.srv.fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	p.Response.Header().Set("Content-Type", "text/plain")
	for _, key := range keys {
		fmt.Fprintf(p.Response, "%s=%s\n", key, h.srv.fields[key])
	}
}
