// Package engerr defines the engine's error taxonomy.
//
// Every surfaced error wraps one of the sentinel Kinds below using
// fmt.Errorf("%s: %w", op, Err*). Callers classify with Of, never with
// errors.Is against an internal detail.
package engerr

import (
	"errors"
	"fmt"
)

// Kind is a stable, surface-visible error classification (spec §7).
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindAlreadyExists
	KindDuplicateKey
	KindUniqueViolation
	KindRevConflict
	KindSchemaFail
	KindImmutable
	KindParse
	KindType
	KindBindMissing
	KindTimeout
	KindConflictAbort
	KindTransient
	KindCorruptLog
	KindCorruptStore
	KindNotActive
	KindTooManyActive
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindDuplicateKey:
		return "DuplicateKey"
	case KindUniqueViolation:
		return "UniqueViolation"
	case KindRevConflict:
		return "RevConflict"
	case KindSchemaFail:
		return "SchemaFail"
	case KindImmutable:
		return "Immutable"
	case KindParse:
		return "Parse"
	case KindType:
		return "Type"
	case KindBindMissing:
		return "BindMissing"
	case KindTimeout:
		return "Timeout"
	case KindConflictAbort:
		return "ConflictAbort"
	case KindTransient:
		return "Transient"
	case KindCorruptLog:
		return "CorruptLog"
	case KindCorruptStore:
		return "CorruptStore"
	case KindNotActive:
		return "NotActive"
	case KindTooManyActive:
		return "TooManyActive"
	case KindUnauthorized:
		return "Unauthorized"
	default:
		return "Internal"
	}
}

// Sentinel errors, one per Kind. Wrap with fmt.Errorf("%s: %w", op, ErrX).
var (
	ErrInternal        = errors.New("internal error")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrUniqueViolation = errors.New("unique constraint violation")
	ErrRevConflict     = errors.New("revision conflict")
	ErrSchemaFail      = errors.New("schema validation failed")
	ErrImmutable       = errors.New("collection is immutable")
	ErrParse           = errors.New("parse error")
	ErrType            = errors.New("type error")
	ErrBindMissing     = errors.New("unresolved bind parameter")
	ErrTimeout         = errors.New("deadline exceeded")
	ErrConflictAbort   = errors.New("serialization conflict")
	ErrTransient       = errors.New("transient error")
	ErrCorruptLog      = errors.New("corrupt write-ahead log")
	ErrCorruptStore    = errors.New("corrupt store")
	ErrNotActive       = errors.New("transaction not active")
	ErrTooManyActive   = errors.New("too many active transactions")
	ErrUnauthorized    = errors.New("invalid credentials")
)

var sentinels = map[Kind]error{
	KindInternal:        ErrInternal,
	KindNotFound:        ErrNotFound,
	KindAlreadyExists:   ErrAlreadyExists,
	KindDuplicateKey:    ErrDuplicateKey,
	KindUniqueViolation: ErrUniqueViolation,
	KindRevConflict:     ErrRevConflict,
	KindSchemaFail:      ErrSchemaFail,
	KindImmutable:       ErrImmutable,
	KindParse:           ErrParse,
	KindType:            ErrType,
	KindBindMissing:     ErrBindMissing,
	KindTimeout:         ErrTimeout,
	KindConflictAbort:   ErrConflictAbort,
	KindTransient:       ErrTransient,
	KindCorruptLog:      ErrCorruptLog,
	KindCorruptStore:    ErrCorruptStore,
	KindNotActive:       ErrNotActive,
	KindTooManyActive:   ErrTooManyActive,
	KindUnauthorized:    ErrUnauthorized,
}

// Wrap annotates err with op context, keeping it unwrappable to its Kind.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// New builds a fresh error of the given kind with a formatted message,
// still classifiable by Of.
func New(kind Kind, format string, args ...any) error {
	sentinel := sentinels[kind]
	if sentinel == nil {
		sentinel = ErrInternal
	}
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		return sentinel
	}
	return fmt.Errorf("%s: %w", msg, sentinel)
}

// Of classifies err against the known sentinels. Unrecognized errors
// classify as KindInternal so callers always get a stable tag.
func Of(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindInternal
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
