package errs

type Error string

func (e Error) Error() string { return string(e) }

const (
	// Durable log read/write failed; live broadcast carries on regardless.
	ErrStorageUnavailable = Error("storage unavailable")
	// Malformed or out-of-state event; only that event is rejected.
	ErrInvalidEvent = Error("invalid event")
	// Returned by direct lookups only. Join paths create instead.
	ErrRoomNotFound = Error("room not found")

	ErrInvalidRequestBody = Error("invalid request body")
	ErrRoomIDRequired     = Error("room id is required")
	ErrUnknownDriver      = Error("unknown storage driver")
	ErrWriterStopped      = Error("writer stopped")
)
