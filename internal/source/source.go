// Package source содержит источники событий для конвейера.
// Источник отдает события по одному; io.EOF означает конец потока.
package source

import (
	"context"
	"io"

	"iomt-ars/internal/models"
)

// Source поставщик событий
type Source interface {
	Next(ctx context.Context) (models.Event, error)
}

// Slice отдает события из заранее заданного списка
type Slice struct {
	events []models.Event
	pos    int
}

// NewSlice создает источник из списка событий
func NewSlice(events []models.Event) *Slice {
	return &Slice{events: events}
}

// Next возвращает следующее событие или io.EOF
func (s *Slice) Next(ctx context.Context) (models.Event, error) {
	if err := ctx.Err(); err != nil {
		return models.Event{}, err
	}
	if s.pos >= len(s.events) {
		return models.Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

// Len количество событий в списке
func (s *Slice) Len() int {
	return len(s.events)
}

func scenario(ip string, hr, spo2, score float64, logText string) models.Event {
	return models.Event{
		DeviceIP: ip,
		Features: map[string]any{
			models.FeatureHeartRate:    hr,
			models.FeatureSpO2:         spo2,
			models.FeatureAnomalyScore: score,
		},
		LogText: logText,
	}
}

// Simulation демонстрационный сценарий: ложное срабатывание с откатом,
// эскалация до карантина с игнорированием дальнейших данных и лог с PHI.
func Simulation() *Slice {
	return NewSlice([]models.Event{
		scenario("192.168.1.50", 75, 98, 0.1, "Patient P-123 stable."),
		scenario("192.168.1.50", 78, 97, 0.95, "Patient ID P-123. Unauthorized process detected on port 22."),
		scenario("192.168.1.50", 76, 98, 0.05, "System scan complete. No threats."),

		scenario("192.168.1.99", 120, 85, 0.99, "Ransomware detected."),
		scenario("192.168.1.99", 122, 84, 0.99, "Encryption process active."),
		scenario("192.168.1.99", 0, 0, 0.0, "Trying to reconnect..."),

		scenario("10.0.0.5", 60, 99, 0.0, "TEST: Patient John Doe (ID P-999) transfer request."),
	})
}
