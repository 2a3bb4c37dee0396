package models

import (
	"errors"
	"fmt"
)

// Failures returned by the realtime core. All of them are recoverable and leave
// every registry exactly as it was before the call.
var (
	ErrInvalidChannelName = errors.New("invalid channel name")
	ErrInvalidUserID      = errors.New("invalid user id")
	ErrSessionNotFound    = errors.New("session not found")
	ErrLockHeld           = errors.New("document lock held by another session")
	ErrLockTokenInvalid   = errors.New("lock token invalid")
	ErrVersionConflict    = errors.New("document version conflict")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrInvalidSample      = errors.New("invalid health sample")
)

// VersionConflictError reports the version the caller must re-read before retrying.
type VersionConflictError struct {
	DocumentID      string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on document %s: expected %d, current %d",
		e.DocumentID, e.ExpectedVersion, e.CurrentVersion)
}

// Is makes errors.Is(err, ErrVersionConflict) hold for *VersionConflictError.
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}
