package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

var (
	_ outbound.OutcomeRecorder = (*ReportStore)(nil)
	_ outbound.ReportArchive   = (*ReportStore)(nil)
)

// ReportStore keeps batch reports by id. It serves as both the outcome
// recorder and the archive when no database or bucket is configured.
type ReportStore struct {
	mu      sync.RWMutex
	order   []uuid.UUID
	reports map[uuid.UUID]*entity.BatchReport
	limit   int
}

// NewReportStore keeps at most limit reports, evicting the oldest. limit <= 0 keeps all.
func NewReportStore(limit int) *ReportStore {
	return &ReportStore{reports: make(map[uuid.UUID]*entity.BatchReport), limit: limit}
}

// RecordBatch stores report, replacing an earlier version with the same id.
func (s *ReportStore) RecordBatch(ctx context.Context, report *entity.BatchReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[report.ID]; !ok {
		s.order = append(s.order, report.ID)
	}
	s.reports[report.ID] = report
	for s.limit > 0 && len(s.order) > s.limit {
		delete(s.reports, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

// Archive is RecordBatch.
func (s *ReportStore) Archive(ctx context.Context, report *entity.BatchReport) error {
	return s.RecordBatch(ctx, report)
}

// Get returns the report with id.
func (s *ReportStore) Get(id uuid.UUID) (*entity.BatchReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	return r, ok
}

// Reports returns stored reports oldest first.
func (s *ReportStore) Reports() []*entity.BatchReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entity.BatchReport, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.reports[id])
	}
	return out
}
