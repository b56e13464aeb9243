package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// Kind classifies a rejected marketplace or registry operation.
type Kind int

const (
	KindUnknown       Kind = iota
	KindValidation         // Non-positive or malformed price
	KindNotFound           // Unallocated listing id, unminted asset, unknown registry
	KindState              // Operation on an already-sold listing
	KindPayment            // Payment below the quoted total
	KindAuthorization      // Caller lacks ownership or transfer authority
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindNotFound:
		return "NOT_FOUND"
	case KindState:
		return "STATE"
	case KindPayment:
		return "PAYMENT"
	case KindAuthorization:
		return "AUTHORIZATION"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrValidation matches every KindValidation error via errors.Is.
	ErrValidation = errors.New("validation error")

	// ErrNotFound matches every KindNotFound error via errors.Is.
	ErrNotFound = errors.New("not found")

	// ErrState matches every KindState error via errors.Is.
	ErrState = errors.New("invalid state")

	// ErrPayment matches every KindPayment error via errors.Is.
	ErrPayment = errors.New("payment error")

	// ErrAuthorization matches every KindAuthorization error via errors.Is.
	ErrAuthorization = errors.New("not authorized")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindState:
		return ErrState
	case KindPayment:
		return ErrPayment
	case KindAuthorization:
		return ErrAuthorization
	default:
		return nil
	}
}

// MarketError is the error returned for every rejected operation.
// The operation had no effect when this error is returned.
type MarketError struct {
	Kind   Kind
	Op     string // Operation that failed (e.g., "list", "purchase", "transfer")
	Reason string // Stable, human readable reason
}

func (e *MarketError) Error() string {
	if e.Op == "" {
		return e.Reason
	}
	return e.Op + ": " + e.Reason
}

// Is makes errors.Is(err, ErrPayment) and friends work.
func (e *MarketError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

// IsRetriable is always false: a rejected operation fails the same way until
// the caller changes something.
func (e *MarketError) IsRetriable() bool {
	return false
}

// KindOf returns the Kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var me *MarketError
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}

func NewValidationError(op, reason string) *MarketError {
	return &MarketError{Kind: KindValidation, Op: op, Reason: reason}
}

func NewNotFoundError(op, reason string) *MarketError {
	return &MarketError{Kind: KindNotFound, Op: op, Reason: reason}
}

func NewStateError(op, reason string) *MarketError {
	return &MarketError{Kind: KindState, Op: op, Reason: reason}
}

func NewPaymentError(op, reason string) *MarketError {
	return &MarketError{Kind: KindPayment, Op: op, Reason: reason}
}

func NewAuthorizationError(op, reason string) *MarketError {
	return &MarketError{Kind: KindAuthorization, Op: op, Reason: reason}
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "fetch", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
