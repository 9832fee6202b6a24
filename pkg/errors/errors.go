package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation error")

	// Telephony adapter failures.
	ErrTransientProvider   = errors.New("transient provider error")
	ErrPermanentValidation = errors.New("permanent validation error")
	ErrWebhookParse        = errors.New("webhook parse error")

	// LLM gateway failures.
	ErrLLMTimeout   = errors.New("llm timeout")
	ErrLLMRateLimit = errors.New("llm rate limited")
	ErrLLMAuth      = errors.New("llm authentication failed")
	ErrLLMProvider  = errors.New("llm provider error")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}
