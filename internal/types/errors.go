package types

// ErrorKind classifies domain errors so transports can map them uniformly.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindNotFound      ErrorKind = "not_found"
	KindState         ErrorKind = "state"
	KindCollaborator  ErrorKind = "collaborator"
	KindPaused        ErrorKind = "paused"
	KindReentrancy    ErrorKind = "reentrancy"
)

// Error is a classified domain error. Packages declare them as sentinels and
// callers match with errors.Is; wrapping with %w keeps the classification.
type Error struct {
	Code    string
	Kind    ErrorKind
	Message string
}

func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

func (e *Error) Error() string {
	return e.Message
}
