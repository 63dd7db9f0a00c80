package outbound

import (
	"context"

	"github.com/archon-research/liquidator/internal/domain/entity"
)

// OutcomeRecorder durably stores what each dispatched batch did.
type OutcomeRecorder interface {
	// RecordBatch persists the batch, its per-instruction results and swap outcomes.
	RecordBatch(ctx context.Context, report *entity.BatchReport) error
}

// ReportArchive stores the full batch report as a document.
type ReportArchive interface {
	Archive(ctx context.Context, report *entity.BatchReport) error
}
