// Package api terminates long-lived subscriber streams and serves
// submission requests, per spec.md §4.5. It depends only on the
// storage.Engine and doubleecho.DoubleEcho contracts; grpc's codes and
// status packages provide the error-code mapping for the RPC surface
// described in spec.md §6 without requiring generated service stubs.
package api

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error kinds, spec.md §7 "API / stream" domain.
var (
	ErrHandshakeFailed           = errors.New("api: handshake failed")
	ErrInvalidCommand            = errors.New("api: invalid command")
	ErrMalformedTargetCheckpoint = errors.New("api: malformed target checkpoint")
	ErrTransport                 = errors.New("api: transport error")
	ErrStreamClosed              = errors.New("api: stream closed")
	ErrTimeout                   = errors.New("api: timeout")
	ErrUnknownSubnet             = errors.New("api: unknown subnet")
	ErrUnableToGetSourceHead     = errors.New("api: unable to get source head")
	ErrInvalidCertificate        = errors.New("api: invalid certificate")
	ErrStorageUnavailable        = errors.New("api: storage unavailable")
)

// GRPCStatus maps an internal error to a grpc status, so handlers can do
// status.Convert(GRPCStatus(err)).Err() at the transport edge without
// teaching every package about grpc error codes.
func GRPCStatus(err error) *status.Status {
	switch {
	case err == nil:
		return status.New(codes.OK, "")
	case errors.Is(err, ErrMalformedTargetCheckpoint), errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrInvalidCertificate):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrUnknownSubnet):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, ErrTimeout):
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, ErrStreamClosed):
		return status.New(codes.Canceled, err.Error())
	case errors.Is(err, ErrHandshakeFailed), errors.Is(err, ErrTransport):
		return status.New(codes.Unavailable, err.Error())
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrUnableToGetSourceHead):
		return status.New(codes.Unavailable, err.Error())
	default:
		return status.New(codes.Internal, err.Error())
	}
}
