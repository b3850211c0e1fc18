package wire

// ErrorKind is the stable machine-readable code carried by every :error
// payload. Clients branch on the kind, never on the human message.
type ErrorKind string

const (
	// ErrInvalidFormat rejects a pairing code that does not match
	// XXX-XXX-XXX before any store lookup happens.
	ErrInvalidFormat ErrorKind = "INVALID_FORMAT"
	// ErrCodeNotFound means the code has no active registration.
	ErrCodeNotFound ErrorKind = "CODE_NOT_FOUND"
	// ErrCodeExpired means the code existed but outlived its window.
	ErrCodeExpired ErrorKind = "CODE_EXPIRED"
	// ErrDuplicateCode rejects a runner-supplied code already claimed by a
	// different Runner.
	ErrDuplicateCode ErrorKind = "DUPLICATE_CODE"
	// ErrRunnerOffline fails a pair attempt whose target Runner has no
	// fresh heartbeat.
	ErrRunnerOffline ErrorKind = "RUNNER_OFFLINE"
	// ErrInvalidSecret rejects a Runner whose shared secret check failed.
	ErrInvalidSecret ErrorKind = "INVALID_SECRET"
	// ErrRateLimited bans further pair attempts for the remaining ban
	// window, reported in RemainingBanSeconds.
	ErrRateLimited ErrorKind = "RATE_LIMITED"
	// ErrNotPaired gates terminal bridging on an existing binding.
	ErrNotPaired ErrorKind = "NOT_PAIRED"
	// ErrNotAuthenticated rejects any App event sent before app:auth
	// succeeded.
	ErrNotAuthenticated ErrorKind = "NOT_AUTHENTICATED"
	// ErrRegistrationExhausted means the broker could not allocate an
	// unclaimed code after its retry budget.
	ErrRegistrationExhausted ErrorKind = "REGISTRATION_EXHAUSTED"
	// ErrNetwork covers transport-level failures surfaced to a client.
	ErrNetwork ErrorKind = "NETWORK_ERROR"
)

// ErrorPayload is the data shape of every :error event.
// RemainingBanSeconds is present only on RATE_LIMITED.
type ErrorPayload struct {
	Code                ErrorKind `json:"code"`
	Message             string    `json:"message"`
	RemainingBanSeconds int64     `json:"remainingBanSeconds,omitempty"`
}

// NewError builds an :error envelope for the given event name.
func NewError(event string, kind ErrorKind, message string) *Message {
	return MustMessage(event, ErrorPayload{Code: kind, Message: message})
}

// NewRateLimited builds the RATE_LIMITED error with the remaining ban
// window attached.
func NewRateLimited(event string, remaining int64) *Message {
	return MustMessage(event, ErrorPayload{
		Code:                ErrRateLimited,
		Message:             "too many failed attempts",
		RemainingBanSeconds: remaining,
	})
}
