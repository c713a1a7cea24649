package formula

import (
	"github.com/spacemonkeygo/errors"
)

// Error groups every failure raised by this package. do not instantiate.
var Error *errors.ErrorClass = errors.NewClass("FormulaError", errors.NoCaptureStack())

/*
	Raised when formula text cannot be turned into an expression tree.
	Parse errors surface to whoever assigns the formula and keep the
	field out of the dependency graph until fixed.
*/
var ParseError *errors.ErrorClass = Error.NewClass("ParseError")

// UnknownFunctionError is a parse error naming a function the registry lacks.
var UnknownFunctionError *errors.ErrorClass = ParseError.NewClass("UnknownFunction")

/*
	Groups failures while walking an expression tree. An evaluation error
	is recorded on the owning field; it never aborts a recompute pass.
*/
var EvalError *errors.ErrorClass = Error.NewClass("EvalError")

var (
	TypeMismatchError   *errors.ErrorClass = EvalError.NewClass("TypeMismatch")
	UnknownFieldError   *errors.ErrorClass = EvalError.NewClass("UnknownField")
	ArityMismatchError  *errors.ErrorClass = EvalError.NewClass("ArityMismatch")
	DivideByZeroError   *errors.ErrorClass = EvalError.NewClass("DivideByZero")
	BudgetExceededError *errors.ErrorClass = EvalError.NewClass("BudgetExceeded")
)

// CyclicDependencyError marks every formula field caught in a reference cycle.
var CyclicDependencyError *errors.ErrorClass = Error.NewClass("CyclicDependency")

/*
	Gate failures reported by the schema validator. The engine refuses
	to attach to a document while one of these is outstanding.
*/
var SchemaError *errors.ErrorClass = Error.NewClass("SchemaError")

var (
	SchemaValidationError *errors.ErrorClass = SchemaError.NewClass("SchemaValidationError")
	SchemaVersionError    *errors.ErrorClass = SchemaError.NewClass("SchemaVersionError")
)

// AppError groups misuse of the engine API, as opposed to formula failures.
// the children mirror the gRPC-style codes callers switch on.
var AppError *errors.ErrorClass = Error.NewClass("AppError")

var (
	InvalidArgumentError    *errors.ErrorClass = AppError.NewClass("InvalidArgument")
	NotFoundError           *errors.ErrorClass = AppError.NewClass("NotFound")
	FailedPreconditionError *errors.ErrorClass = AppError.NewClass("FailedPrecondition")
	OutOfRangeError         *errors.ErrorClass = AppError.NewClass("OutOfRange")
)

var (
	spanKey    = errors.GenSym()
	codeKey    = errors.GenSym()
	detailsKey = errors.GenSym()
)

// gate codes carried by schema errors
const (
	CodeSchemaValidation = "ERROR_SCHEMA_VALIDATION"
	CodeSchemaVersion    = "ERROR_SCHEMA_VERSION"
)

// WithSpan attaches the offending source span to an error.
func WithSpan(span Span) errors.ErrorOption {
	return errors.SetData(spanKey, span)
}

// WithCode attaches a gate error code.
func WithCode(code string) errors.ErrorOption {
	return errors.SetData(codeKey, code)
}

// WithDetails attaches gate details.
func WithDetails(details GateDetails) errors.ErrorOption {
	return errors.SetData(detailsKey, details)
}

// SpanOf returns the source span attached to err, if any.
func SpanOf(err error) (Span, bool) {
	span, ok := errors.GetData(err, spanKey).(Span)
	return span, ok
}

// CodeOf returns the gate code attached to err, or "".
func CodeOf(err error) string {
	code, _ := errors.GetData(err, codeKey).(string)
	return code
}

// DetailsOf returns the gate details attached to err.
func DetailsOf(err error) (GateDetails, bool) {
	details, ok := errors.GetData(err, detailsKey).(GateDetails)
	return details, ok
}

// Is reports whether err belongs to class or one of its children.
func Is(err error, class *errors.ErrorClass) bool {
	if err == nil {
		return false
	}
	return errors.GetClass(err).Is(class)
}

// Message returns the error text without the class prefix.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if msg := errors.GetMessage(err); msg != "" {
		return msg
	}
	return err.Error()
}

// spanned rebuilds err with span attached, unless it already carries one.
func spanned(err error, span Span) error {
	if err == nil {
		return nil
	}
	if _, ok := SpanOf(err); ok {
		return err
	}
	class := errors.GetClass(err)
	if class == nil || !class.Is(Error) {
		return EvalError.Wrap(err, WithSpan(span))
	}
	return class.NewWith(errors.GetMessage(err), WithSpan(span))
}
