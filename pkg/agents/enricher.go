package agents

import (
	"context"
	"time"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/fallback"
	"github.com/rizome-dev/quill/pkg/lifecycle"
	"github.com/rizome-dev/quill/pkg/logging"
	"github.com/rizome-dev/quill/pkg/memory"
	"github.com/rizome-dev/quill/pkg/provider"
	"github.com/rizome-dev/quill/pkg/types"
)

const enrichOp = "enrich"

// defaultCacheAge bounds how long a cached candidate is trusted before
// the providers are asked again
const defaultCacheAge = 24 * time.Hour

// EnrichedMetadata is the enricher's result document
type EnrichedMetadata struct {
	DocumentID string              `json:"document_id"`
	Candidate  *provider.Candidate `json:"candidate"`
	FromCache  bool                `json:"from_cache,omitempty"`
}

// MetadataEnricher resolves bibliographic metadata for a document. A
// DOI lookup on the primary provider is tried first; the fallback is a
// title search on the secondary provider. Resolved candidates are
// cached, and completed documents are recorded in the enriched set via
// the lifecycle completion hook.
type MetadataEnricher struct {
	primary   provider.Metadata
	secondary provider.Metadata
	memory    *memory.Store
	logger    *logging.Logger
	cacheAge  time.Duration
}

// NewMetadataEnricher creates an enricher over two metadata providers
func NewMetadataEnricher(primary, secondary provider.Metadata, mem *memory.Store, logger *logging.Logger) *MetadataEnricher {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &MetadataEnricher{
		primary:   primary,
		secondary: secondary,
		memory:    mem,
		logger:    logger.WithComponent("metadata-enricher"),
		cacheAge:  defaultCacheAge,
	}
}

// Kind returns the agent kind identifier
func (e *MetadataEnricher) Kind() string {
	return KindMetadataEnricher
}

// Execute resolves metadata for the task's document
func (e *MetadataEnricher) Execute(ctx context.Context, task *types.Task) (*types.Payload, error) {
	doc, err := decodeDocument(task)
	if err != nil {
		return nil, err
	}
	if doc.DOI == "" && doc.Title == "" {
		return nil, &qerrors.ValidationError{Field: "input.data", Message: "document needs a doi or a title"}
	}

	var cached provider.Candidate
	hit, err := e.memory.GetCache(ctx, KindMetadataEnricher, enrichOp, doc.ID, e.cacheAge, &cached)
	if err != nil {
		return nil, err
	}
	if hit {
		return newPayload(MetadataSchema, EnrichedMetadata{
			DocumentID: doc.ID,
			Candidate:  &cached,
			FromCache:  true,
		})
	}

	candidate, err := e.resolve(ctx, doc)
	if err != nil {
		return nil, err
	}

	if err := e.memory.PutCache(ctx, KindMetadataEnricher, enrichOp, doc.ID, candidate); err != nil {
		e.logger.WithTask(task.ID).WithError(err).Warn("failed to cache candidate for document %s", doc.ID)
	}

	return newPayload(MetadataSchema, EnrichedMetadata{
		DocumentID: doc.ID,
		Candidate:  candidate,
	})
}

// resolve runs the two-attempt lookup. When the document has no DOI the
// primary attempt is already a title search.
func (e *MetadataEnricher) resolve(ctx context.Context, doc *Document) (*provider.Candidate, error) {
	var candidate *provider.Candidate

	primary := func(ctx context.Context) (*types.Payload, error) {
		var err error
		if doc.DOI != "" {
			candidate, err = e.primary.LookupDOI(ctx, doc.DOI)
		} else {
			candidate, err = e.primary.SearchTitle(ctx, doc.Title)
		}
		return nil, err
	}

	var fb fallback.Invoker
	if doc.Title != "" {
		fb = func(ctx context.Context) (*types.Payload, error) {
			var err error
			candidate, err = e.secondary.SearchTitle(ctx, doc.Title)
			return nil, err
		}
	}

	if _, err := fallback.Invoke(ctx, e.logger, primary, fb); err != nil {
		return nil, err
	}
	return candidate, nil
}

// CompletionHook returns the post-completion hook marking enriched
// documents in the processed set
func (e *MetadataEnricher) CompletionHook() lifecycle.CompletionHook {
	return func(ctx context.Context, task *types.Task) error {
		doc, err := decodeDocument(task)
		if err != nil {
			return err
		}
		return e.memory.AddMember(ctx, EnrichedSet, doc.ID)
	}
}
