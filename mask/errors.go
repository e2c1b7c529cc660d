package mask

import (
	"errors"
	"log"
	"os"
	"runtime/debug"

	retry "github.com/avast/retry-go/v4"
)

// Category is the fixed error taxonomy of the pipeline.  Recovery dispatch is
// a plain map keyed by Category.
type Category string

const (
	CategoryInput      Category = "input"
	CategoryDissector  Category = "dissector"
	CategoryPacket     Category = "packet"
	CategoryOutput     Category = "output"
	CategoryMemory     Category = "memory"
	CategoryValidation Category = "validation"
)

// Fatal reports whether errors of this category abort file processing.
// Packet, dissector, memory and validation errors are non-fatal; input and
// output errors are fatal.
func (c Category) Fatal() bool {
	return c == CategoryInput || c == CategoryOutput
}

// ProcessingError extends error with a category and detail for metrics, and a
// return code for callers.
type ProcessingError interface {
	Category() Category
	Detail() string
	Code() int
	error
}

type processingError struct {
	category Category
	detail   string
	code     int
	error
}

func (pe processingError) Category() Category { return pe.category }
func (pe processingError) Detail() string     { return pe.detail }
func (pe processingError) Code() int          { return pe.code }
func (pe processingError) Unwrap() error      { return pe.error }

// NewError creates a new ProcessingError.
func NewError(c Category, detail string, code int, err error) ProcessingError {
	return processingError{c, detail, code, err}
}

// RecoveryFunc attempts to recover from an error of its category and reports
// whether retrying is worthwhile.
type RecoveryFunc func(err error) bool

// Recovery holds at most one registered handler per category.  One Recovery
// instance belongs to one Masker or Task run; never a process-global.
type Recovery struct {
	handlers map[Category]RecoveryFunc
	attempts uint
	counts   map[Category]int
}

// NewRecovery returns a Recovery with the default handlers registered: a GC
// pass on memory errors, and a file re-stat on input errors.
func NewRecovery(cfg *Config) *Recovery {
	r := &Recovery{
		handlers: make(map[Category]RecoveryFunc),
		attempts: cfg.RetryAttempts,
		counts:   make(map[Category]int),
	}
	r.Register(CategoryMemory, func(error) bool {
		debug.FreeOSMemory()
		return true
	})
	r.Register(CategoryInput, func(err error) bool {
		var pe ProcessingError
		if errors.As(err, &pe) && pe.Detail() != "" {
			if _, statErr := os.Stat(pe.Detail()); statErr != nil {
				return false
			}
		}
		return true
	})
	return r
}

// Register installs the handler for a category, replacing any previous one.
func (r *Recovery) Register(c Category, fn RecoveryFunc) {
	r.handlers[c] = fn
}

// Handle runs the registered handler, if any, and reports whether the
// operation should be retried.
func (r *Recovery) Handle(c Category, err error) bool {
	r.counts[c]++
	fn, ok := r.handlers[c]
	if !ok {
		return false
	}
	return fn(err)
}

// Counts returns the number of handled errors per category.
func (r *Recovery) Counts() map[Category]int {
	out := make(map[Category]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// categoryOf extracts the failing error's own category; fallback applies to
// plain errors that carry none.
func categoryOf(err error, fallback Category) Category {
	var pe ProcessingError
	if errors.As(err, &pe) {
		return pe.Category()
	}
	return fallback
}

// Retry runs op with bounded attempts and exponential backoff.  Between
// attempts the handler for the failing error's own category runs (c is the
// fallback for plain errors); if it reports the error unrecoverable, retrying
// stops early.  This matters when op spans several error categories: a memory
// error inside an output-phase op still dispatches the memory handler.
func (r *Recovery) Retry(c Category, cfg *Config, op func() error) error {
	return retry.Do(
		func() error {
			err := op()
			if err != nil {
				log.Printf("%s error (will consult recovery): %v", categoryOf(err, c), err)
			}
			return err
		},
		retry.Attempts(r.attempts),
		retry.Delay(cfg.RetryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return r.Handle(categoryOf(err, c), err)
		}),
	)
}
