package exec

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
)

// Class is the retry category of an outbound call outcome.
type Class string

const (
	ClassNone       Class = ""
	ClassNetwork    Class = "network"
	ClassServer     Class = "server"
	ClassRateLimit  Class = "rate_limit"
	ClassAuth       Class = "auth"
	ClassValidation Class = "validation"
	ClassUnknown    Class = "unknown"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrRejected       = errors.New("request rejected")
)

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// Classify maps an error onto its retry class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var coded StatusCoder
	if errors.As(err, &coded) {
		if class := classifyStatus(coded.StatusCode()); class != ClassUnknown {
			return class
		}
	}
	switch {
	case errors.Is(err, ErrAuthentication):
		return ClassAuth
	case errors.Is(err, ErrRejected):
		return ClassValidation
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return ClassNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}
	return ClassUnknown
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ClassAuth
	case code >= 500:
		return ClassServer
	case code >= 400:
		return ClassValidation
	}
	return ClassUnknown
}
