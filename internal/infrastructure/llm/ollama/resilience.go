package ollama

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/evidence-router/internal/core/domain"
	"github.com/kirillkom/evidence-router/internal/infrastructure/resilience"
)

// Operations name the breaker guarding each model.
const (
	opClassifyIntent = "classify_intent"
	opEmbedQuery     = "embed_query"
)

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "ollama status error"
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		return fmt.Sprintf("ollama %s: %s: %s", e.Operation, e.Status, body)
	}
	return fmt.Sprintf("ollama %s: %s", e.Operation, e.Status)
}

type failureKind int

const (
	failureNone failureKind = iota
	// failureTransient covers network faults, 408/429/5xx and open breakers.
	failureTransient
	// failureModelMissing is a 404 from a model that was never pulled.
	failureModelMissing
	failureRejected
	failureMalformed
)

func failureKindOf(err error) failureKind {
	switch {
	case err == nil, resilience.IsContextError(err):
		return failureNone
	case resilience.IsCircuitOpen(err):
		return failureTransient
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusNotFound:
			return failureModelMissing
		case statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= http.StatusInternalServerError:
			return failureTransient
		default:
			return failureRejected
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return failureTransient
	}
	return failureMalformed
}

// errorPolicy is per operation: intent classification never retries since
// the router falls back on any failure, query embedding retries transient
// faults.
type errorPolicy struct {
	retryTransient bool
}

var policies = map[string]errorPolicy{
	opClassifyIntent: {retryTransient: false},
	opEmbedQuery:     {retryTransient: true},
}

func classifierFor(operation string) resilience.ErrorClassifier {
	policy := policies[operation]
	return func(err error) resilience.ErrorClassification {
		switch failureKindOf(err) {
		case failureTransient:
			return resilience.ErrorClassification{Retryable: policy.retryTransient, RecordFailure: true}
		case failureModelMissing, failureMalformed:
			return resilience.ErrorClassification{RecordFailure: true}
		default:
			return resilience.ErrorClassification{}
		}
	}
}

// wrapModelError maps model failures onto domain kinds: transient faults are
// temporary, a missing model makes the source unavailable.
func wrapModelError(operation string, err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) || domain.IsKind(err, domain.ErrSourceUnavailable) {
		return err
	}
	switch failureKindOf(err) {
	case failureTransient:
		return domain.WrapError(domain.ErrTemporary, "ollama "+operation, err)
	case failureModelMissing:
		return domain.WrapError(domain.ErrSourceUnavailable, "ollama "+operation, err)
	default:
		return err
	}
}
