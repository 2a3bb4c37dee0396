package constants

import "time"

const (
	// DefaultLockTTL is how long an edit lock survives without renewal.
	DefaultLockTTL = 60 * time.Second

	// InitialDocumentVersion is the version assigned on create.
	InitialDocumentVersion int64 = 1
)

// Document type tags used by the workspace manager. The store accepts any tag.
const (
	DocumentTypeDesign = "design"
	DocumentTypeText   = "text"
	DocumentTypeCode   = "code"
)
