package types

type Side string

type Product string

type InstrumentType string

type SquareOffStatus string

type ErrorCode string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

const (
	// ProductDelivery (CNC) settles at full order value with no leverage.
	ProductDelivery Product = "cnc"
	// ProductIntraday (MIS) is margin-funded and force-closed at market close.
	ProductIntraday Product = "mis"
)

const (
	InstrumentEquity InstrumentType = "EQ"
	InstrumentFuture InstrumentType = "FUT"
	InstrumentCall   InstrumentType = "CE"
	InstrumentPut    InstrumentType = "PE"
)

const (
	SquareOffPending    SquareOffStatus = "pending"
	SquareOffInProgress SquareOffStatus = "in_progress"
	SquareOffCompleted  SquareOffStatus = "completed"
	SquareOffFailed     SquareOffStatus = "failed"
)

const (
	CodeValidation           ErrorCode = "VALIDATION_ERROR"
	CodeInsufficientFunds    ErrorCode = "INSUFFICIENT_FUNDS"
	CodeInsufficientQuantity ErrorCode = "INSUFFICIENT_QUANTITY"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeExecution            ErrorCode = "EXECUTION_ERROR"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

func (p Product) Valid() bool {
	return p == ProductDelivery || p == ProductIntraday
}
