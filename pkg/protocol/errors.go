package protocol

// Error codes carried in ResponseFrame.Error.Code.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrUnauthorized   = "UNAUTHORIZED"
	ErrUnavailable    = "UNAVAILABLE"
	ErrNotLinked      = "NOT_LINKED"
	ErrNotFound       = "NOT_FOUND"
	ErrInternal       = "INTERNAL"
)
