// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package errors holds the error values returned by this module. Outcomes a caller is
// expected to recover from are sentinels checked with errors.Is; provider failures carry
// the protocol error code in a *ProviderError.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kylelemons/godebug/pretty"
)

var prettyConf = &pretty.Config{IncludeUnexported: false, SkipZeroFields: true, TrackCycles: true}

var (
	// ErrInteractionRequired is returned when a token can't be acquired without user
	// interaction, for example because the cache holds no usable refresh token.
	ErrInteractionRequired = errors.New("user interaction is required")

	// ErrUserCancelled is returned when the user dismisses an interactive sign-in.
	ErrUserCancelled = errors.New("sign-in was cancelled by the user")
)

type verboser interface {
	Verbose() string
}

// Verbose prints the most verbose error that the error message has.
func Verbose(err error) string {
	var v verboser
	if errors.As(err, &v) {
		return v.Verbose()
	}
	return err.Error()
}

// New is equivalent to errors.New().
func New(text string) error {
	return errors.New(text)
}

// Is is equivalent to errors.Is().
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is equivalent to errors.As().
func As(err error, target any) bool {
	return errors.As(err, target)
}

// ProviderError is an error reported by the identity provider, or by the client while
// talking to it. Code holds the OAuth2 error code when the provider sent one.
type ProviderError struct {
	// Op is the operation that failed, such as "refresh" or "interactive".
	Op string
	// Code is the OAuth2 "error" value, such as "invalid_client".
	Code string
	// Description is the OAuth2 "error_description" value.
	Description string
	// Err is the underlying error, if any.
	Err error
}

func (e *ProviderError) Error() string {
	msg := e.Op
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ErrorCode returns the provider error code found in err's chain, or "" if there is none.
func ErrorCode(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// CallErr represents an HTTP call error. Has a Verbose() method that allows getting the
// http.Request and Response objects. Implements error.
type CallErr struct {
	Req *http.Request
	// Resp contains response body
	Resp *http.Response
	Err  error
}

// Error implements error.Error().
func (e CallErr) Error() string {
	return e.Err.Error()
}

func (e CallErr) Unwrap() error {
	return e.Err
}

// Verbose prints a versbose error message with the request or response.
func (e CallErr) Verbose() string {
	var resp *http.Response
	if e.Resp != nil {
		r := *e.Resp
		// the request and TLS state repeat what Req already shows
		r.Request = nil
		r.TLS = nil
		resp = &r
	}
	return fmt.Sprintf("%s:\nRequest:\n%s\nResponse:\n%s", e.Err, prettyConf.Sprint(e.Req), prettyConf.Sprint(resp))
}
