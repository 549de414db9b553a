// Package errs defines the closed set of error kinds surfaced at the
// library's boundary, plus the Context that every non-recovered
// failure carries. Sentinel errors are compared with errors.Is;
// Context is recovered with errors.As through its Unwrap.
package errs

import "errors"

// Common error kinds, shared across services.
var (
	ErrAmbiguousTimeout      = errors.New("ambiguous timeout")
	ErrUnambiguousTimeout    = errors.New("unambiguous timeout")
	ErrRequestCanceled       = errors.New("request canceled")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrServiceNotAvailable   = errors.New("service not available")
	ErrInternalServerFailure = errors.New("internal server failure")
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrTemporaryFailure      = errors.New("temporary failure")
	ErrParsingFailure        = errors.New("parsing failure")
	ErrCasMismatch           = errors.New("cas mismatch")
	ErrBucketNotFound        = errors.New("bucket not found")
	ErrScopeNotFound         = errors.New("scope not found")
	ErrCollectionNotFound    = errors.New("collection not found")
	ErrIndexNotFound         = errors.New("index not found")
	ErrIndexExists           = errors.New("index exists")
	ErrRateLimited           = errors.New("rate limited")
	ErrQuotaLimited          = errors.New("quota limited")
	ErrUnsupportedOperation  = errors.New("unsupported operation")
	ErrFeatureNotAvailable   = errors.New("feature not available")
)

// Key-value error kinds.
var (
	ErrDocumentNotFound            = errors.New("document not found")
	ErrDocumentExists              = errors.New("document exists")
	ErrDocumentLocked              = errors.New("document locked")
	ErrValueTooLarge               = errors.New("value too large")
	ErrDurabilityLevelNotAvailable = errors.New("durability level not available")
	ErrDurabilityImpossible        = errors.New("durability impossible")
	ErrDurabilityAmbiguous         = errors.New("durability ambiguous")
	ErrSyncWriteInProgress         = errors.New("sync write in progress")
	ErrSyncWriteReCommitInProgress = errors.New("sync write re-commit in progress")
	ErrPathNotFound                = errors.New("path not found")
	ErrPathExists                  = errors.New("path exists")
	ErrPathMismatch                = errors.New("path mismatch")
	ErrPathInvalid                 = errors.New("path invalid")
	ErrPathTooBig                  = errors.New("path too big")
	ErrXattrInvalidKeyCombo        = errors.New("xattr invalid key combo")
	ErrXattrCannotModifyVattr      = errors.New("xattr cannot modify virtual attribute")
)

// Query error kinds.
var (
	ErrPlanningFailure          = errors.New("planning failure")
	ErrIndexFailure             = errors.New("index failure")
	ErrPreparedStatementFailure = errors.New("prepared statement failure")
	ErrDMLFailure               = errors.New("dml failure")
)

// Analytics error kinds.
var (
	ErrCompilationFailure = errors.New("compilation failure")
	ErrJobQueueFull       = errors.New("job queue full")
	ErrDatasetNotFound    = errors.New("dataset not found")
	ErrDataverseNotFound  = errors.New("dataverse not found")
	ErrDatasetExists      = errors.New("dataset exists")
	ErrDataverseExists    = errors.New("dataverse exists")
	ErrLinkNotFound       = errors.New("link not found")
	ErrLinkExists         = errors.New("link exists")
)

// Search error kinds.
var (
	ErrIndexNotReady = errors.New("index not ready")
)

// Management error kinds.
var (
	ErrBucketNotFlushable          = errors.New("bucket not flushable")
	ErrEventingFunctionNotFound    = errors.New("eventing function not found")
	ErrEventingFunctionNotDeployed = errors.New("eventing function not deployed")
)

// Context carries the diagnostic envelope attached to a surfaced
// error: retry history, dispatch target, and (for HTTP) the request
// shape. Key-value operations additionally set KVStatus/Opaque.
//
// Context implements error's Unwrap so errors.Is/errors.As reach the
// wrapped sentinel.
type Context struct {
	// Cause is the sentinel error kind this context decorates.
	Cause error

	RetryAttempts int
	RetryReasons  []string

	LastDispatchedTo   string
	LastDispatchedFrom string

	ClientContextID string

	// HTTP-only fields.
	Method     string
	Path       string
	HTTPStatus int
	HTTPBody   string

	// KV-only fields.
	KVStatus uint16
	Opaque   uint32
}

func (c *Context) Error() string {
	if c == nil || c.Cause == nil {
		return "gocbcore: unknown error"
	}
	return c.Cause.Error()
}

// Unwrap exposes the underlying sentinel so errors.Is(err, errs.ErrDocumentNotFound)
// works on a *Context the way it would on the bare sentinel.
func (c *Context) Unwrap() error {
	if c == nil {
		return nil
	}
	return c.Cause
}

// WithReason appends a retry reason to the context's history,
// deduplicating consecutive repeats.
func (c *Context) WithReason(reason string) *Context {
	if c == nil {
		return nil
	}
	if len(c.RetryReasons) == 0 || c.RetryReasons[len(c.RetryReasons)-1] != reason {
		c.RetryReasons = append(c.RetryReasons, reason)
	}
	return c
}

// New builds a Context wrapping cause.
func New(cause error) *Context {
	return &Context{Cause: cause}
}
