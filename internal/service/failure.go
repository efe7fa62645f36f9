package service

import (
	"errors"
	"fmt"
	"strings"

	"purchase-service/internal/port"
)

// Stage names one step of the order pipeline
type Stage string

const (
	StageValidateRequest Stage = "validate_request"
	StageResolveUser     Stage = "resolve_user"
	StageResolveProducts Stage = "resolve_products"
	StageCheckOwnership  Stage = "check_ownership"
	StageCheckBalance    Stage = "check_balance"
	StageCommit          Stage = "commit"
)

// FailureKind is the machine-readable reason an order was not created
type FailureKind string

const (
	KindEmptyRequest        FailureKind = "EMPTY_REQUEST"
	KindMalformedRequest    FailureKind = "MALFORMED_REQUEST"
	KindDuplicateInRequest  FailureKind = "DUPLICATE_IN_REQUEST"
	KindUserNotFound        FailureKind = "USER_NOT_FOUND"
	KindProductsNotFound    FailureKind = "PRODUCTS_NOT_FOUND"
	KindAlreadyOwned        FailureKind = "ALREADY_OWNED"
	KindInsufficientBalance FailureKind = "INSUFFICIENT_BALANCE"
	KindPersistenceFailure  FailureKind = "PERSISTENCE_FAILURE"
)

// Failure is returned by CreateOrder whenever no order was created.
// Every failure is attributed to exactly one stage.
type Failure struct {
	Stage Stage
	Kind  FailureKind

	// ProductIDs lists the offending ids for duplicate, missing and owned products.
	// It is empty when the ownership constraint rejects the commit, since the
	// database does not report which pair collided.
	ProductIDs []int64

	// Err is the underlying storage error for persistence failures.
	Err error
}

func newFailure(stage Stage, kind FailureKind, err error) *Failure {
	return &Failure{Stage: stage, Kind: kind, Err: err}
}

func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "order %s failed: %s", f.Stage, f.Kind)
	if len(f.ProductIDs) > 0 {
		fmt.Fprintf(&b, " %v", f.ProductIDs)
	}
	if f.Err != nil {
		fmt.Fprintf(&b, ": %v", f.Err)
	}
	return b.String()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable reports whether the attempt lost to a concurrent transaction and
// may succeed if repeated
func (f *Failure) Retryable() bool {
	return f.Kind == KindPersistenceFailure && errors.Is(f.Err, port.ErrConcurrentUpdate)
}

// ClientError reports whether the failure was caused by the request rather than by storage
func (f *Failure) ClientError() bool {
	return f.Kind != KindPersistenceFailure
}
