package httpserver

const (
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrBadBody          = "bad request body"
	ErrBadQuery         = "bad query parameter"
	ErrInvalidSignature = "invalid signature"
	ErrUnknownCommand   = "unknown command"
)
