// Package pipeline содержит единственный цикл чтения событий: источник,
// проверка PHI, оценка телеметрии, пауза и передача в трекер.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"iomt-ars/internal/analytics"
	"iomt-ars/internal/metrics"
	"iomt-ars/internal/models"
	"iomt-ars/internal/phi"
	"iomt-ars/internal/source"
)

// Processor потребитель событий
type Processor interface {
	Process(ctx context.Context, event models.Event) models.Outcome
}

// Enricher дополняет событие оценкой аномалии
type Enricher interface {
	Enrich(ev models.Event) (models.Event, *analytics.AnalysisResult)
}

// Pipeline цикл обработки потока событий
type Pipeline struct {
	tracker Processor
	scorer  Enricher
	pace    time.Duration
	backoff time.Duration
	now     func() time.Time
	logger  *log.Logger

	pulled    atomic.Int64
	phiAlerts atomic.Int64
}

// Option настройка конвейера
type Option func(*Pipeline)

// WithScorer включает оценку телеметрии для событий без anomaly_score
func WithScorer(e Enricher) Option {
	return func(p *Pipeline) { p.scorer = e }
}

// WithPace задает паузу перед обработкой каждого события
func WithPace(d time.Duration) Option {
	return func(p *Pipeline) { p.pace = d }
}

// WithBackoff задает паузу после ошибки источника
func WithBackoff(d time.Duration) Option {
	return func(p *Pipeline) { p.backoff = d }
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger задает логгер
func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New создает конвейер поверх трекера
func New(tracker Processor, opts ...Option) *Pipeline {
	p := &Pipeline{
		tracker: tracker,
		backoff: time.Second,
		now:     time.Now,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run читает источник до io.EOF или отмены ctx. Текущее событие всегда
// обрабатывается до конца. Прочие ошибки источника логируются, чтение
// продолжается после паузы. События с device_ip не в виде IP пропускаются.
func (p *Pipeline) Run(ctx context.Context, src source.Source) error {
	for {
		ev, err := src.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			p.logger.Printf("Event stream finished, %d events pulled", p.pulled.Load())
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			p.logger.Printf("Event source error: %v", err)
			if !sleep(ctx, p.backoff) {
				return nil
			}
			continue
		}

		p.pulled.Add(1)
		ev = p.prepare(ev)
		if ev.DeviceIP != "" && !models.ValidDeviceIP(ev.DeviceIP) {
			metrics.EventsSkipped.WithLabelValues("invalid_device_ip").Inc()
			p.logger.Printf("WARN: skipping event with non-IP device_ip %q", ev.DeviceIP)
			continue
		}

		if !sleep(ctx, p.pace) {
			return nil
		}
		p.process(ctx, ev)
	}
}

// Pulled количество событий, прочитанных из источника
func (p *Pipeline) Pulled() int64 {
	return p.pulled.Load()
}

// PHIAlerts количество событий, в логах которых нашлись персональные данные
func (p *Pipeline) PHIAlerts() int64 {
	return p.phiAlerts.Load()
}

// prepare нормализует событие. Исходный текст лога дальше не передается.
func (p *Pipeline) prepare(ev models.Event) models.Event {
	ev.DeviceIP = strings.TrimSpace(ev.DeviceIP)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}

	if ev.LogText != "" {
		redacted := phi.Redact(ev.LogText)
		if kinds := phi.Detect(ev.LogText); len(kinds) > 0 {
			p.phiAlerts.Add(1)
			metrics.PHIDetections.Inc()
			p.logger.Printf("[DLP] PRIVACY ALERT: PHI detected in logs from %s %v. REDACTED LOG: %s", ev.DeviceIP, kinds, redacted)
		}
		ev.LogText = redacted
	}

	if p.scorer != nil {
		if enriched, res := p.scorer.Enrich(ev); res != nil {
			ev = enriched
			if res.IsAnomaly {
				p.logger.Printf("ANOMALY DETECTED: Device=%s, Type=%s, Score=%.2f, HR=%.2f, Latency=%.2f",
					res.DeviceIP, res.AnomalyType, res.AnomalyScore, res.RollingAvgHR, res.RollingAvgLatency)
			}
		}
	}
	return ev
}

func (p *Pipeline) process(ctx context.Context, ev models.Event) {
	p.logger.Printf("[INGEST] RECEIVED DATA: IP=%s | Score=%.2f", ev.DeviceIP, ev.Score())
	p.tracker.Process(ctx, ev)
}

// sleep ждет d или отмену ctx. false означает отмену.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
