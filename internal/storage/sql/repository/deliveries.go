package repository

import (
	"context"

	"github.com/ratchetd/ratchet/internal/domain"
)

const deliveryColumns = `id, job_id, execution_id, destination_type,
	destination_id, success, delivery_time_ms, size_bytes, response_info,
	error_message, created_at`

// RecordDelivery appends one terminal delivery outcome.
func (s *Store) RecordDelivery(ctx context.Context, d *domain.DeliveryResult) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = nowUTC()
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO delivery_results (job_id, execution_id, destination_type,
			destination_id, success, delivery_time_ms, size_bytes, response_info,
			error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.JobID, d.ExecutionID, d.DestinationType, d.DestinationID, d.Success,
		d.DeliveryTimeMS, d.SizeBytes, strArg(d.ResponseInfo), strArg(d.ErrorMessage),
		d.CreatedAt)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to record delivery result")
	}
	if id, err := res.LastInsertId(); err == nil {
		d.ID = id
	}
	return nil
}

// FindDeliveriesByJobID lists delivery outcomes for one job, oldest first.
func (s *Store) FindDeliveriesByJobID(ctx context.Context, jobID int64) ([]*domain.DeliveryResult, error) {
	return s.findDeliveries(ctx, "job_id = ?", jobID)
}

// FindDeliveriesByExecutionID lists delivery outcomes for one execution.
func (s *Store) FindDeliveriesByExecutionID(ctx context.Context, executionID int64) ([]*domain.DeliveryResult, error) {
	return s.findDeliveries(ctx, "execution_id = ?", executionID)
}

func (s *Store) findDeliveries(ctx context.Context, cond string, arg any) ([]*domain.DeliveryResult, error) {
	var rows []deliveryRow
	err := s.db.SelectContext(ctx, &rows,
		s.q("SELECT "+deliveryColumns+" FROM delivery_results WHERE "+cond+" ORDER BY id"), arg)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "failed to list delivery results")
	}
	out := make([]*domain.DeliveryResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
