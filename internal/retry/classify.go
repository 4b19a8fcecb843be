package retry

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
)

// Kind classifies a failure for retry-policy purposes.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindValidation Kind = "validation"
	KindServer     Kind = "server"
	KindTimeout    Kind = "timeout"
	KindUnknown    Kind = "unknown"
)

var statusCodeRe = regexp.MustCompile(`\b([45]\d\d)\b`)

// Classify maps a raw error into a Kind using type and message heuristics.
// HTTP-ish failures classify by the first embedded status code: 4xx is
// validation, 5xx is server.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"), strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "network"):
		return KindNetwork
	}

	if m := statusCodeRe.FindStringSubmatch(err.Error()); m != nil {
		if strings.HasPrefix(m[1], "4") {
			return KindValidation
		}
		return KindServer
	}
	return KindUnknown
}

// recoverableByDefault reports whether a kind is worth retrying: transient
// failures yes, validation and unknown no (retrying cannot change the
// outcome).
func recoverableByDefault(kind Kind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

// messageFor renders the user-facing message for a failure kind.
func messageFor(kind Kind, err error) string {
	switch kind {
	case KindNetwork:
		return "Network error. Check your connection and try again."
	case KindTimeout:
		return "The operation timed out. Please try again."
	case KindServer:
		return "The server hit a problem. Retrying shortly."
	case KindValidation:
		if err != nil {
			return "Invalid request: " + err.Error()
		}
		return "Invalid request."
	default:
		return "Something went wrong."
	}
}
