package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrRateLimited is returned by Outcome.Err when rate-limit waits were exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient is returned by Outcome.Err when network-level retries were exhausted.
	ErrTransient = errors.New("transient failure")
	// ErrPermanent is returned by Outcome.Err for non-2xx, non-429 responses.
	ErrPermanent = errors.New("permanent failure")
)

// Kind tags the terminal result of a fetch.
type Kind int

const (
	KindSuccess Kind = iota
	KindRateLimited
	KindTransient
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient_failure"
	case KindPermanent:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of Fetcher.Fetch. Which fields are meaningful depends on Kind:
//
//	Success          StatusCode, Body
//	RateLimited      RetryAfter
//	TransientFailure Cause
//	PermanentFailure StatusCode, Body
//
// Calls is the number of HTTP calls issued and is always set.
type Outcome struct {
	Kind       Kind
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
	Cause      error
	Calls      int
}

func success(status int, body []byte) Outcome {
	return Outcome{Kind: KindSuccess, StatusCode: status, Body: body}
}

func rateLimited(retryAfter time.Duration) Outcome {
	return Outcome{Kind: KindRateLimited, StatusCode: http.StatusTooManyRequests, RetryAfter: retryAfter}
}

func transient(cause error) Outcome {
	return Outcome{Kind: KindTransient, Cause: cause}
}

func permanent(status int, body []byte) Outcome {
	return Outcome{Kind: KindPermanent, StatusCode: status, Body: body}
}

// OK reports whether the outcome is a Success.
func (o Outcome) OK() bool {
	return o.Kind == KindSuccess
}

// Err converts a non-success outcome into an error wrapping one of the package sentinels.
// It returns nil for Success.
func (o Outcome) Err() error {
	switch o.Kind {
	case KindSuccess:
		return nil
	case KindRateLimited:
		return fmt.Errorf("%w: retry after %s", ErrRateLimited, o.RetryAfter)
	case KindTransient:
		if o.Cause == nil {
			return ErrTransient
		}
		return fmt.Errorf("%w: %w", ErrTransient, o.Cause)
	case KindPermanent:
		return fmt.Errorf("%w: status %d", ErrPermanent, o.StatusCode)
	default:
		return fmt.Errorf("unknown outcome kind %d", o.Kind)
	}
}
