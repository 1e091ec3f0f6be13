package domain

import "errors"

// Error taxonomy for the conversion pipeline. Callers match with errors.Is.
var (
	// ErrUpstreamMissing marks a source file that does not exist in the
	// forecast archive.
	ErrUpstreamMissing = errors.New("upstream file missing")

	// ErrToolFailed marks a non-zero exit from an external tool.
	ErrToolFailed = errors.New("external tool failed")

	// ErrSchemaMismatch marks a loaded dataset that lacks the expected
	// variable or dimensionality after structural correction.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrShapeMismatch marks a region write whose array does not match the
	// declared chunk shape.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrStoreExists is returned when a store is created over an existing
	// path without overwrite.
	ErrStoreExists = errors.New("store already exists")

	// ErrInvalidExpr marks an operator expression that fails validation.
	ErrInvalidExpr = errors.New("invalid expression")

	// ErrCoverage marks a manifest whose regions overlap or leave gaps.
	ErrCoverage = errors.New("manifest coverage violated")
)
