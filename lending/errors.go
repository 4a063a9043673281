package lending

import "errors"

var (
	ErrNotConfigured          = errors.New("lending engine: state not configured")
	ErrInvalidAmount          = errors.New("lending engine: amount must be positive")
	ErrInvalidAccount         = errors.New("lending engine: invalid account address")
	ErrInvalidParams          = errors.New("lending engine: invalid risk parameters")
	ErrInvalidRate            = errors.New("lending engine: interest rate exceeds ceiling")
	ErrInsufficientCollateral = errors.New("lending engine: insufficient collateral")
	ErrNoCollateral           = errors.New("lending engine: no collateral deposited")
	ErrNoDebt                 = errors.New("lending engine: no outstanding debt to repay")
	ErrExceedsBorrowLimit     = errors.New("lending engine: amount exceeds borrow limit")
	ErrUnhealthyPosition      = errors.New("lending engine: position health factor below 1")
	ErrNotLiquidatable        = errors.New("lending engine: borrower not eligible for liquidation")
	ErrUnauthorized           = errors.New("lending engine: caller is not the administrator")
	ErrPaused                 = errors.New("lending engine: protocol paused")
	ErrReentrantCall          = errors.New("lending engine: operation already in progress")
	ErrOraclePrice            = errors.New("lending engine: oracle returned invalid price")
)

// Reason codes classify engine failures for callers that need a
// machine-checkable category rather than a sentinel comparison.
const (
	ReasonValidation    = "validation"
	ReasonState         = "state"
	ReasonRisk          = "risk"
	ReasonAuthorization = "authorization"
	ReasonPaused        = "paused"
	ReasonExternal      = "external"
)

// Reason maps an engine error to its taxonomy category. Unknown errors are
// classified as external failures: the engine only ever surfaces its own
// sentinels or wrapped collaborator errors.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidAccount),
		errors.Is(err, ErrInvalidParams),
		errors.Is(err, ErrInvalidRate):
		return ReasonValidation
	case errors.Is(err, ErrInsufficientCollateral),
		errors.Is(err, ErrNoCollateral),
		errors.Is(err, ErrNoDebt),
		errors.Is(err, ErrExceedsBorrowLimit),
		errors.Is(err, ErrReentrantCall),
		errors.Is(err, ErrNotConfigured):
		return ReasonState
	case errors.Is(err, ErrUnhealthyPosition),
		errors.Is(err, ErrNotLiquidatable):
		return ReasonRisk
	case errors.Is(err, ErrUnauthorized):
		return ReasonAuthorization
	case errors.Is(err, ErrPaused):
		return ReasonPaused
	default:
		return ReasonExternal
	}
}
