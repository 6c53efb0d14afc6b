package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"iomt-ars/internal/metrics"
	"iomt-ars/internal/models"
)

// числовые колонки набора данных
var csvNumeric = []string{
	models.FeatureHeartRate,
	models.FeatureSpO2,
	models.FeatureSysBP,
	models.FeatureNetworkLatency,
	models.FeaturePacketSize,
	models.FeatureAnomalyScore,
}

// CSV воспроизводит набор данных построчно. Первая строка заголовок.
// Колонки device_ip и timestamp необязательны: без адреса устройство
// назначается по номеру строки в подсети 192.168.1.50-200.
type CSV struct {
	file   io.Closer
	reader *csv.Reader
	header map[string]int
	row    int
	logger *log.Logger
}

// OpenCSV открывает файл набора данных
func OpenCSV(path string, logger *log.Logger) (*CSV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv: %w", err)
	}
	src, err := NewCSV(f, logger)
	if err != nil {
		f.Close()
		return nil, err
	}
	src.file = f
	return src, nil
}

// NewCSV читает заголовок из r
func NewCSV(r io.Reader, logger *log.Logger) (*CSV, error) {
	if logger == nil {
		logger = log.Default()
	}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	head, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	header := make(map[string]int, len(head))
	for i, name := range head {
		header[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := header[models.FeatureAnomalyScore]; !ok {
		return nil, fmt.Errorf("csv header has no %s column", models.FeatureAnomalyScore)
	}
	return &CSV{reader: reader, header: header, logger: logger}, nil
}

// Next возвращает следующую корректную строку. Битые строки пропускаются.
func (c *CSV) Next(ctx context.Context) (models.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Event{}, err
		}
		record, err := c.reader.Read()
		if err == io.EOF {
			return models.Event{}, io.EOF
		}
		c.row++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				c.skip("parse error: %v", err)
				continue
			}
			return models.Event{}, fmt.Errorf("failed to read csv: %w", err)
		}

		ev, err := c.parse(record)
		if err != nil {
			c.skip("%v", err)
			continue
		}
		metrics.EventsReceived.WithLabelValues("csv").Inc()
		return ev, nil
	}
}

// Close закрывает файл
func (c *CSV) Close() error {
	if c.file == nil {
		return nil
	}
	return c.file.Close()
}

func (c *CSV) parse(record []string) (models.Event, error) {
	ev := models.Event{Features: make(map[string]any, len(csvNumeric))}

	for _, name := range csvNumeric {
		raw, ok := c.field(record, name)
		if !ok {
			continue
		}
		v, ok := models.ToFloat(raw)
		if !ok {
			return ev, fmt.Errorf("column %s: %q is not a finite number", name, raw)
		}
		ev.Features[name] = v
	}
	if _, ok := ev.Features[models.FeatureAnomalyScore]; !ok {
		return ev, fmt.Errorf("missing %s", models.FeatureAnomalyScore)
	}

	if ip, ok := c.field(record, "device_ip"); ok {
		if !models.ValidDeviceIP(ip) {
			return ev, fmt.Errorf("column device_ip: %q is not an IP address", ip)
		}
		ev.DeviceIP = ip
	} else {
		ev.DeviceIP = fmt.Sprintf("192.168.1.%d", 50+(c.row-1)%151)
	}

	if raw, ok := c.field(record, "timestamp"); ok {
		ts, err := models.ParseTimestamp(raw)
		if err != nil {
			return ev, fmt.Errorf("column timestamp: %w", err)
		}
		ev.Timestamp = ts
	}

	if text, ok := c.field(record, "log"); ok {
		ev.LogText = text
	} else {
		ev.LogText = fmt.Sprintf("Vitals Monitor: HR=%v SPO2=%v SYS_BP=%v",
			ev.Features[models.FeatureHeartRate], ev.Features[models.FeatureSpO2], ev.Features[models.FeatureSysBP])
	}
	return ev, nil
}

func (c *CSV) field(record []string, name string) (string, bool) {
	i, ok := c.header[name]
	if !ok || i >= len(record) {
		return "", false
	}
	v := strings.TrimSpace(record[i])
	return v, v != ""
}

func (c *CSV) skip(format string, args ...any) {
	metrics.EventsSkipped.WithLabelValues("csv_row").Inc()
	c.logger.Printf("Skipping csv row %d: %s", c.row, fmt.Sprintf(format, args...))
}
