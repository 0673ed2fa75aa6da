package service

import (
	"context"

	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ex-approvals/internal/repository"
)

// DefaultStatuses is the documented display name of every status code, used
// when the catalog table lacks a record.
var DefaultStatuses = map[string]repository.StatusRecord{
	repository.DocumentDraft:     {Code: repository.DocumentDraft, Name: "Draft", ActionName: "Save draft"},
	repository.DocumentSubmitted: {Code: repository.DocumentSubmitted, Name: "Submitted", ActionName: "Submit"},
	repository.DocumentInReview:  {Code: repository.DocumentInReview, Name: "In review", ActionName: "Approve"},
	repository.DocumentRejected:  {Code: repository.DocumentRejected, Name: "Rejected", ActionName: "Reject"},
	repository.DocumentReturned:  {Code: repository.DocumentReturned, Name: "Returned", ActionName: "Return"},
	repository.DocumentCancelled: {Code: repository.DocumentCancelled, Name: "Withdrawn", ActionName: "Cancel"},
	repository.DocumentFinalized: {Code: repository.DocumentFinalized, Name: "Approved", ActionName: "Approve"},
}

// StatusCatalog resolves status codes to display records.
type StatusCatalog struct {
	store repository.Store
	log   *logger.Logger
}

// NewStatusCatalog creates a StatusCatalog.
func NewStatusCatalog(store repository.Store, log *logger.Logger) *StatusCatalog {
	return &StatusCatalog{store: store, log: log}
}

// Lookup returns the record for code, inserting the default record when the
// table does not have one yet. Codes outside the vocabulary are NotFound.
func (c *StatusCatalog) Lookup(ctx context.Context, code string) (*repository.StatusRecord, error) {
	def, known := DefaultStatuses[code]
	if !known {
		return nil, errors.NotFound("status", code)
	}

	statuses := c.store.Repositories().Statuses
	rec, err := statuses.Get(ctx, code)
	if err == nil {
		return rec, nil
	}
	if !errors.IsCode(err, errors.ErrCodeNotFound) {
		return nil, err
	}

	if err := statuses.Insert(ctx, &def); err != nil {
		return nil, err
	}
	c.log.Info().Str("code", code).Str("name", def.Name).Msg("Status record materialized with default name")
	return &def, nil
}

// DisplayName is Lookup degraded to the raw code on failure.
func (c *StatusCatalog) DisplayName(ctx context.Context, code string) string {
	rec, err := c.Lookup(ctx, code)
	if err != nil {
		c.log.Warn().Err(err).Str("code", code).Msg("Status lookup failed; using code")
		return code
	}
	return rec.Name
}
