package api

import (
	"context"
	"errors"

	"github.com/matheus3301/conversa/internal/backend"
	"github.com/matheus3301/conversa/internal/composer"
	"github.com/matheus3301/conversa/internal/conversation"
	"github.com/matheus3301/conversa/internal/engine"
	"github.com/matheus3301/conversa/internal/transport"
	"github.com/matheus3301/conversa/internal/upload"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps domain errors to gRPC status codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return grpcstatus.FromContextError(err).Err()
	}

	var (
		validation *composer.ValidationError
		tooLarge   *upload.TooLargeError
		target     *upload.TargetError
		failed     *upload.FailedError
		te         *transport.TransportError
	)
	code := codes.Internal
	switch {
	case errors.As(err, &validation), errors.As(err, &tooLarge):
		code = codes.InvalidArgument
	case errors.Is(err, conversation.ErrNoActiveUser):
		code = codes.Unauthenticated
	case errors.Is(err, conversation.ErrNoActiveConversation):
		code = codes.FailedPrecondition
	case errors.Is(err, conversation.ErrUnknownMessage), errors.Is(err, conversation.ErrUnknownSend):
		code = codes.NotFound
	case errors.Is(err, engine.ErrStopped):
		code = codes.Unavailable
	case errors.As(err, &target), errors.As(err, &failed):
		code = codes.Unavailable
	case errors.As(err, &te):
		switch {
		case te.Unauthorized():
			code = codes.Unauthenticated
		case te.Status >= 400 && te.Status < 500:
			code = codes.InvalidArgument
		default:
			code = codes.Unavailable
		}
	case errors.Is(err, backend.ErrMissingToken):
		code = codes.Unavailable
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
