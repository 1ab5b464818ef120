package lending

import "errors"

var (
	errNilState    = errors.New("lending: state not configured")
	errNilRegistry = errors.New("lending: registry not configured")

	// ErrInvalidAmount rejects zero or negative mutation amounts before any
	// state is touched.
	ErrInvalidAmount = errors.New("lending: amount must be positive")
	// ErrAssetNotCollateral rejects deposits of assets the registry does not
	// allow as collateral.
	ErrAssetNotCollateral = errors.New("lending: asset not eligible as collateral")
	// ErrAssetNotBorrowable rejects borrows of assets the registry does not
	// allow to be borrowed.
	ErrAssetNotBorrowable = errors.New("lending: asset not borrowable")
	// ErrInsufficientCollateral rejects withdrawals exceeding the balance.
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral")
	// ErrHealthFactorViolation rejects withdrawals that would push the
	// position's health factor below 1.
	ErrHealthFactorViolation = errors.New("lending: health factor below minimum")
	// ErrExceedsBorrowCapacity rejects borrows beyond the LTV capacity or the
	// minimum health factor.
	ErrExceedsBorrowCapacity = errors.New("lending: exceeds borrow capacity")
	// ErrOverRepayment rejects repayments above the outstanding debt. The
	// caller must resubmit the exact outstanding amount.
	ErrOverRepayment = errors.New("lending: repayment exceeds outstanding debt")
	// ErrNoDebt is returned when a liquidation targets a debt-free asset.
	ErrNoDebt = errors.New("lending: no outstanding debt")

	// ErrPositionHealthy is returned when a liquidation is attempted against
	// a position above the critical health threshold.
	ErrPositionHealthy = errors.New("lending: position not eligible for liquidation")
	// ErrStaleEvaluation is returned when too much time elapsed between
	// evaluation and execution of a liquidation.
	ErrStaleEvaluation = errors.New("lending: liquidation evaluation expired")
	// ErrExceedsCloseFactor rejects liquidations repaying more than the close
	// factor allows in a single call.
	ErrExceedsCloseFactor = errors.New("lending: repayment exceeds close factor limit")

	// ErrUnknownRequest rejects randomness responses that do not correlate
	// with a pending selection request.
	ErrUnknownRequest = errors.New("lending: unknown selection request")
	// ErrRequestFulfilled rejects a second randomness response for the same
	// selection request.
	ErrRequestFulfilled = errors.New("lending: selection request already fulfilled")
	// ErrSelectionExpired rejects randomness responses arriving after the
	// request's bounded wait elapsed.
	ErrSelectionExpired = errors.New("lending: selection request expired")
	// ErrNoCandidates rejects selection requests without eligible liquidators.
	ErrNoCandidates = errors.New("lending: no candidate liquidators")
)
