package api

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vagusguard/vagusguard/internal/types"
)

// toGRPCError maps the closed types.Code taxonomy onto gRPC status codes,
// preserving the original Code string in the status message so a client
// can still branch on it without parsing a generic Unknown error.
func toGRPCError(err error) error {
	verr, ok := err.(*types.Error)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}

	var c codes.Code
	switch verr.Code() {
	case types.CodeUnauthorized, types.CodeUnauthorizedAttestor, types.CodeUnauthorizedRevoke:
		c = codes.PermissionDenied
	case types.CodeInvalidToneValue, types.CodeInvalidInput, types.CodeInvalidEvidenceFmt, types.CodeInvalidPreState, types.CodeStateMismatch, types.CodeCBORHashMismatch:
		c = codes.InvalidArgument
	case types.CodeTokenNotFound:
		c = codes.NotFound
	case types.CodeTokenAlreadyRevoked, types.CodeNonceAlreadyUsed:
		c = codes.AlreadyExists
	case types.CodeANSBlocked, types.CodeANSLimitExceeded, types.CodeStateChangeTooFreq, types.CodeIntentExpired, types.CodeTTLExpired, types.CodeContractPaused:
		c = codes.FailedPrecondition
	case types.CodeRateLimited, types.CodeCircuitBreakerOpen:
		c = codes.ResourceExhausted
	default:
		c = codes.Unknown
	}
	return status.Error(c, err.Error())
}
