// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package local contains a loopback HTTP server that receives the authorization redirect
// of an interactive sign-in.
package local

import (
	"context"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	okPage = template.Must(template.New("ok").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8" /><title>Sign-in Complete</title></head>
<body><p>Sign-in complete. You can close this tab and return to the application.</p></body>
</html>
`))
	failPage = template.Must(template.New("fail").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8" /><title>Sign-in Failed</title></head>
<body>
<p>Sign-in failed. You can close this tab and return to the application.</p>
<p>Error: {{.ErrorCode}} {{.ErrorDescription}}</p>
</body>
</html>
`))
)

// Result is the result from the redirect.
type Result struct {
	// Code is the authorization code sent by the authority.
	Code string
	// ErrorCode and ErrorDescription are the OAuth2 "error" and "error_description"
	// values when the authority redirected with an error.
	ErrorCode        string
	ErrorDescription string
	// Err is set if the redirect didn't carry an authorization code.
	Err error
}

// Server is an HTTP server listening on the loopback interface.
type Server struct {
	// Addr is the redirect URI served, such as "http://localhost:51234/".
	Addr     string
	path     string
	reqState string
	resultCh chan Result
	s        *http.Server
}

// New starts a server for the redirect of the request with state reqState. A port of 0
// picks a free port. path is the redirect URI path, "/" when empty.
func New(reqState string, port int, path string) (*Server, error) {
	l, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return nil, fmt.Errorf("couldn't listen for the redirect on port %d: %w", port, err)
	}
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	serv := &Server{
		Addr:     fmt.Sprintf("http://localhost:%d%s", l.Addr().(*net.TCPAddr).Port, path),
		path:     path,
		reqState: reqState,
		resultCh: make(chan Result, 1),
	}
	serv.s = &http.Server{Handler: http.HandlerFunc(serv.handler), ReadHeaderTimeout: time.Second}

	go func() {
		if err := serv.s.Serve(l); err != nil && err != http.ErrServerClosed {
			serv.putResult(Result{Err: err})
		}
	}()
	return serv, nil
}

// Result waits for the redirect. Only the first redirect is reported. ctx deadline will be
// honored.
func (s *Server) Result(ctx context.Context) Result {
	select {
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case r := <-s.resultCh:
		return r
	}
}

// Shutdown shuts down the server.
func (s *Server) Shutdown() {
	// can't be deferred in handler(), Shutdown waits for active requests
	_ = s.s.Shutdown(context.Background())
}

func (s *Server) putResult(r Result) {
	select {
	case s.resultCh <- r:
	default:
	}
}

func (s *Server) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.path {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		res := Result{
			ErrorCode:        errCode,
			ErrorDescription: q.Get("error_description"),
		}
		res.Err = fmt.Errorf("authority redirected with error %s: %s", res.ErrorCode, res.ErrorDescription)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		// html/template escapes the values
		_ = failPage.Execute(w, res)
		s.putResult(res)
		return
	}

	switch respState := q.Get("state"); respState {
	case s.reqState:
	case "":
		s.error(w, "server didn't send OAuth state")
		return
	default:
		s.error(w, "mismatched OAuth state, req(%s), resp(%s)", s.reqState, respState)
		return
	}

	code := q.Get("code")
	if code == "" {
		s.error(w, "authorization code missing in query string")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = okPage.Execute(w, nil)
	s.putResult(Result{Code: code})
}

func (s *Server) error(w http.ResponseWriter, format string, args ...any) {
	err := fmt.Errorf(format, args...)
	http.Error(w, err.Error(), http.StatusInternalServerError)
	s.putResult(Result{Err: err})
}
