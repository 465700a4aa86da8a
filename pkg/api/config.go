package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/visionspark/backend/pkg/billing"
	"github.com/visionspark/backend/pkg/entitlement"
)

// Submitter is the opaque image provider: submit a request, get a result or
// an error. The accounting engine only cares which of the two happened.
type Submitter interface {
	Submit(ctx context.Context, kind entitlement.Kind, payload json.RawMessage) (json.RawMessage, error)
}

// Config wires the HTTP handlers to the domain components.
type Config struct {
	// GetUserID extracts the authenticated user id from a request. Empty
	// means unauthenticated. Required.
	GetUserID func(r *http.Request) string

	// GetTimezone extracts the caller's auth-metadata timezone, used as a
	// fallback behind the profile-stored zone. Optional.
	GetTimezone func(r *http.Request) string

	// Engine handles usage accounting. Required.
	Engine *entitlement.Engine

	// Reconciler handles purchase validation. Required for validate-purchase.
	Reconciler *billing.Reconciler

	// Submitter is the image provider. Required for consume-unit.
	Submitter Submitter

	// Logger is optional; nil means no-op.
	Logger entitlement.Logger
}

func (c *Config) validate() error {
	if c.GetUserID == nil {
		return errMissingUserIDExtractor
	}
	if c.Engine == nil {
		return errMissingEngine
	}
	return nil
}
