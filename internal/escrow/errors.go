package escrow

import (
	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/types"
)

type Error = types.Error

var (
	ErrInvalidCounterparty = types.NewError(types.KindValidation, "INVALID_COUNTERPARTY", "buyer and seller must be distinct non-zero addresses")
	ErrInvalidAmount       = types.NewError(types.KindValidation, "INVALID_AMOUNT", "payment amount must be positive")
	ErrInvalidDeadline     = types.NewError(types.KindValidation, "INVALID_DEADLINE", "deadline outside the allowed trade window")
	ErrWrongPaymentAmount  = types.NewError(types.KindValidation, "WRONG_PAYMENT_AMOUNT", "deposit does not match payment amount plus buyer fee")
	ErrInvalidFees         = types.NewError(types.KindValidation, "INVALID_FEES", "fee basis points out of range")
	ErrInvalidTimeouts     = types.NewError(types.KindValidation, "INVALID_TIMEOUTS", "timeout windows out of range")
	ErrInvalidAsset        = types.NewError(types.KindValidation, "INVALID_ASSET", "unknown asset contract or empty asset id")
	ErrUnknownStatus       = types.NewError(types.KindValidation, "UNKNOWN_STATUS", "unknown trade status")
	ErrInvalidConfidence   = types.NewError(types.KindValidation, "INVALID_CONFIDENCE", "minimum oracle confidence must be between 0 and 100")

	ErrNotBuyer      = types.NewError(types.KindAuthorization, "NOT_BUYER", "caller is not the buyer")
	ErrNotSeller     = types.NewError(types.KindAuthorization, "NOT_SELLER", "caller is not the seller")
	ErrNotTradeParty = types.NewError(types.KindAuthorization, "NOT_TRADE_PARTY", "caller is not a party to the trade")
	ErrUnauthorized  = auth.ErrUnauthorized

	ErrTradeNotFound        = types.NewError(types.KindNotFound, "TRADE_NOT_FOUND", "trade not found")
	ErrAlreadyDeposited     = types.NewError(types.KindState, "ALREADY_DEPOSITED", "leg already deposited")
	ErrNotReady             = types.NewError(types.KindState, "NOT_READY", "trade is not ready for execution")
	ErrTradeExpired         = types.NewError(types.KindState, "TRADE_EXPIRED", "trade deadline has passed")
	ErrNotExpired           = types.NewError(types.KindState, "NOT_EXPIRED", "trade deadline has not passed")
	ErrInvalidStatus        = types.NewError(types.KindState, "INVALID_STATUS", "operation not allowed in the current trade status")
	ErrDisputeAlreadyRaised = types.NewError(types.KindState, "DISPUTE_ALREADY_RAISED", "a dispute was already raised for this trade")
	ErrEngineBusy           = types.NewError(types.KindState, "ENGINE_BUSY", "another escrow operation is still in flight")

	ErrBuyerNotVerified      = types.NewError(types.KindCollaborator, "BUYER_NOT_VERIFIED", "buyer failed compliance verification")
	ErrSellerNotVerified     = types.NewError(types.KindCollaborator, "SELLER_NOT_VERIFIED", "seller failed compliance verification")
	ErrAssetNotOwnedBySeller = types.NewError(types.KindCollaborator, "ASSET_NOT_OWNED_BY_SELLER", "seller does not hold the asset")
	ErrAssetNotTradable      = types.NewError(types.KindCollaborator, "ASSET_NOT_TRADABLE", "asset certification is invalid or the asset is redeemed")
	ErrComplianceNotApproved = types.NewError(types.KindCollaborator, "COMPLIANCE_NOT_APPROVED", "trade is not compliance approved")
	ErrOracleNotVerified     = types.NewError(types.KindCollaborator, "ORACLE_NOT_VERIFIED", "price oracle verification has not succeeded")

	ErrPaused        = types.NewError(types.KindPaused, "PAUSED", "escrow engine is paused")
	ErrReentrantCall = types.NewError(types.KindReentrancy, "REENTRANT_CALL", "escrow engine re-entered during an operation")
)
