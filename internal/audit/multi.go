package audit

import (
	"context"
	"errors"

	"iomt-ars/internal/models"
)

// Sink приемник записей аудита
type Sink interface {
	Record(ctx context.Context, rec models.AuditRecord) error
}

// Multi пишет запись во все приемники по очереди. Ошибка одного приемника
// не мешает записи в остальные.
type Multi []Sink

// Record записывает во все приемники и объединяет ошибки
func (m Multi) Record(ctx context.Context, rec models.AuditRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
