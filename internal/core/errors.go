package core

import (
	"fmt"

	"github.com/pkg/errors"

	"gwi.com/artifact-chat/internal/artifact"
	"gwi.com/artifact-chat/internal/store"
)

// Errors returned by the services. Handlers map them to status codes; use
// errors.Is since they are usually wrapped.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrBadRequest         = errors.New("bad request")
	ErrConflict           = errors.New("conflict")
	ErrUpstreamFailure    = errors.New("upstream failure")
	ErrPersistenceFailure = errors.New("persistence failure")
)

// persistenceError classifies a gateway error. Missing rows become
// ErrNotFound, everything else ErrPersistenceFailure.
func persistenceError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, artifact.ErrDocumentNotFound) {
		return errors.Wrapf(ErrNotFound, format, args...)
	}
	return errors.Wrapf(ErrPersistenceFailure, "%s: %v", fmt.Sprintf(format, args...), err)
}

// documentError maps engine errors onto the service taxonomy.
func documentError(err error, documentID string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, artifact.ErrDocumentNotFound):
		return errors.Wrapf(ErrNotFound, "document %s", documentID)
	case errors.Is(err, artifact.ErrEditWhileStreaming):
		return errors.Wrapf(ErrConflict, "document %s is being generated", documentID)
	case errors.Is(err, artifact.ErrUnsupportedKind), errors.Is(err, artifact.ErrUnknownNavigation):
		return errors.Wrapf(ErrBadRequest, "%v", err)
	default:
		return errors.Wrapf(ErrPersistenceFailure, "document %s: %v", documentID, err)
	}
}
