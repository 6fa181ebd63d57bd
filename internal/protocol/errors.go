package protocol

const (
	// Request validation.
	ErrValidation = "E_VALIDATION"

	// Payment challenge.
	ErrPaymentRequired = "E_PAYMENT_REQUIRED"
	ErrPaymentInvalid  = "E_PAYMENT_INVALID"

	// Lookup/auth.
	ErrNotFound     = "E_NOT_FOUND"
	ErrUnauthorized = "E_UNAUTHORIZED"
	ErrConflict     = "E_CONFLICT"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrValidation:      {},
	ErrPaymentRequired: {},
	ErrPaymentInvalid:  {},
	ErrNotFound:        {},
	ErrUnauthorized:    {},
	ErrConflict:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// ErrorBody is the JSON body of every non-2xx API response.
type ErrorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}
