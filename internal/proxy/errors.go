package proxy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/irisgate/irisgate/internal/iris"
	"github.com/irisgate/irisgate/internal/pgwire"
	"github.com/irisgate/irisgate/internal/pool"
	"github.com/irisgate/irisgate/internal/translate"
)

// errShutdown is raised into sessions during graceful shutdown.
var errShutdown = errors.New("the gateway is shutting down")

// sqlstateFor classifies an error into the SQLSTATE reported to the
// client.
func sqlstateFor(err error) string {
	var malformed *translate.MalformedError
	var withState *sessionError
	switch {
	case errors.As(err, &withState):
		return withState.code
	case errors.Is(err, errFailedTx):
		return pgerrcode.InFailedSQLTransaction
	case errors.Is(err, errCopyFail):
		return pgerrcode.QueryCanceled
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return pgerrcode.QueryCanceled
	case errors.As(err, &malformed):
		return pgerrcode.SyntaxError
	case errors.Is(err, translate.ErrUnsupported):
		return pgerrcode.FeatureNotSupported
	case errors.Is(err, errAuthFailed):
		return pgerrcode.InvalidPassword
	case errors.Is(err, errShutdown):
		return pgerrcode.AdminShutdown
	case errors.Is(err, pool.ErrExhausted):
		return pgerrcode.TooManyConnections
	case errors.Is(err, pool.ErrClosed):
		return pgerrcode.CannotConnectNow
	case errors.Is(err, pgwire.ErrFrameTooLarge):
		return pgerrcode.ProtocolViolation
	default:
		return iris.SQLState(err)
	}
}

// errorResponse renders err as a wire ErrorResponse. Internal errors are
// logged in full and reach the client with a correlation id only.
func errorResponse(err error) *pgproto3.ErrorResponse {
	code := sqlstateFor(err)

	resp := &pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     code,
		Message:  err.Error(),
	}

	var malformed *translate.MalformedError
	if errors.As(err, &malformed) {
		resp.Position = int32(malformed.Position + 1)
	}

	if code == pgerrcode.InternalError {
		id := uuid.NewString()
		slog.Error("internal error", "correlation_id", id, "err", err)
		resp.Message = "internal error (correlation id " + id + ")"
	}
	return resp
}

// fatalResponse is errorResponse with FATAL severity, for errors that
// terminate the session.
func fatalResponse(err error) *pgproto3.ErrorResponse {
	resp := errorResponse(err)
	resp.Severity = "FATAL"
	return resp
}
