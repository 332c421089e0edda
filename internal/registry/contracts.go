package registry

//go:generate mockgen -source=contracts.go -destination=../mocks/registry/mock_registry.go -package=registry_mock

import (
	"context"
	"fmt"

	"github.com/joseph-ayodele/vat-checker/internal/lookupkey"
)

// Registry is the upstream VAT registry.
type Registry interface {
	// Check validates one identifier.
	Check(ctx context.Context, key lookupkey.Key) (*CheckResult, error)
	// Status returns the registry's self-reported per-jurisdiction availability.
	Status(ctx context.Context) (*StatusSnapshot, error)
}

// CheckResult is the verdict for one identifier. It is also the cached payload.
type CheckResult struct {
	CountryCode       string `json:"countryCode"`
	VATNumber         string `json:"vatNumber"`
	Valid             bool   `json:"valid"`
	Name              string `json:"name,omitempty"`
	Address           string `json:"address,omitempty"`
	RequestDate       string `json:"requestDate,omitempty"`
	RequestIdentifier string `json:"requestIdentifier,omitempty"`
}

// AvailabilityAvailable is the only status the gate treats as up.
const AvailabilityAvailable = "Available"

// StatusSnapshot maps jurisdiction code to reported availability
// ("Available", "Unavailable", "Monitoring Disabled", ...).
type StatusSnapshot struct {
	Countries map[string]string
}

// Error is a structured upstream failure.
type Error struct {
	Code       string
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}
