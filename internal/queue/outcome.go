package queue

import (
	"fmt"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
)

// Kind discriminates the three possible results of a processing callback.
type Kind int

const (
	KindSuccess Kind = iota
	KindRetryable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Failure is the reason attached to a non-successful outcome.
type Failure struct {
	Code entity.ErrorCode
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Code)
	}
	return fmt.Sprintf("%s: %v", f.Code, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) Message() string {
	if f.Err == nil {
		return string(f.Code)
	}
	return f.Err.Error()
}

// Outcome is a closed variant: build it with Success, Retryable or Fatal.
type Outcome struct {
	kind    Kind
	failure *Failure
}

func Success() Outcome {
	return Outcome{kind: KindSuccess}
}

func Retryable(code entity.ErrorCode, err error) Outcome {
	return Outcome{kind: KindRetryable, failure: &Failure{Code: code, Err: err}}
}

func Fatal(code entity.ErrorCode, err error) Outcome {
	return Outcome{kind: KindFatal, failure: &Failure{Code: code, Err: err}}
}

func (o Outcome) Kind() Kind { return o.kind }

// Failure is nil for successful outcomes.
func (o Outcome) Failure() *Failure { return o.failure }
