package models

import "errors"

// Error taxonomy shared by the scanner, executor and monitor. Callers wrap
// these with fmt.Errorf("...: %w") and classify with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation error")
	ErrQuotaExceeded       = errors.New("weekly quota exceeded")
	ErrBudgetExceeded      = errors.New("budget exceeded")
	ErrExchangeTransient   = errors.New("exchange transient error")
	ErrExchangePermanent   = errors.New("exchange permanent error")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrDataStale           = errors.New("stale market data")
)

// Reason classes persisted on signals and positions.
const (
	ReasonValidation        = "ValidationError"
	ReasonQuotaExceeded     = "QuotaExceeded"
	ReasonBudgetExceeded    = "BudgetExceeded"
	ReasonExchangeTransient = "ExchangeTransient"
	ReasonExchangePermanent = "ExchangePermanent"
	ReasonConcurrency       = "ConcurrencyConflict"
	ReasonDataStale         = "DataStale"
	ReasonInternal          = "InternalError"
)

// Classify maps err to its reason class.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return ReasonValidation
	case errors.Is(err, ErrQuotaExceeded):
		return ReasonQuotaExceeded
	case errors.Is(err, ErrBudgetExceeded):
		return ReasonBudgetExceeded
	case errors.Is(err, ErrExchangeTransient):
		return ReasonExchangeTransient
	case errors.Is(err, ErrExchangePermanent):
		return ReasonExchangePermanent
	case errors.Is(err, ErrConcurrencyConflict):
		return ReasonConcurrency
	case errors.Is(err, ErrDataStale):
		return ReasonDataStale
	}
	return ReasonInternal
}

// ReasonFor returns the human-readable reason stored with a record: the
// class alone for the quota and budget sentinels, class plus detail otherwise.
func ReasonFor(err error) string {
	class := Classify(err)
	if err == nil || err == ErrQuotaExceeded || err == ErrBudgetExceeded {
		return class
	}
	return class + ": " + err.Error()
}

// IsTransient reports whether retrying the same call may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrExchangeTransient) || errors.Is(err, ErrDataStale)
}
