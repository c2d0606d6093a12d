package httpapi

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gpgkd906/auth9-sub008/internal/exchange"
	"github.com/gpgkd906/auth9-sub008/internal/rbac"
	"github.com/gpgkd906/auth9-sub008/internal/store/pg"
)

// statusFromError maps domain errors onto the grpc code taxonomy. The
// interesting property is the flattening: a caller probing with bad
// credentials cannot distinguish "no such tenant" from "not a member",
// both read as a generic denial.
func statusFromError(err error) *status.Status {
	switch {
	case errors.Is(err, exchange.ErrInvalidArgument), errors.Is(err, rbac.ErrInvalidInput):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, exchange.ErrUnauthenticated):
		return status.New(codes.Unauthenticated, "invalid credentials")
	case errors.Is(err, exchange.ErrUnauthorized), errors.Is(err, exchange.ErrNotFound), errors.Is(err, rbac.ErrNotFound):
		return status.New(codes.PermissionDenied, "access denied")
	case errors.Is(err, rbac.ErrCycle), errors.Is(err, pg.ErrConflict):
		return status.New(codes.Aborted, err.Error())
	case errors.Is(err, exchange.ErrUnavailable):
		return status.New(codes.Unavailable, "service temporarily unavailable")
	default:
		return status.New(codes.Internal, "internal error")
	}
}

func httpStatusFromCode(c codes.Code) int {
	switch c {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Aborted, codes.AlreadyExists:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondStatus(w http.ResponseWriter, err error) {
	st := statusFromError(err)
	respondError(w, httpStatusFromCode(st.Code()), st.Message())
}

func respondError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}
