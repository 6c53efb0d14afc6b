package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"iomt-ars/internal/metrics"
	"iomt-ars/internal/models"
)

const (
	table = "audit_log"

	FieldID           = "id"
	FieldAppName      = "app_name"
	FieldTimestamp    = "ts"
	FieldEventType    = "event_type"
	FieldLevel        = "level"
	FieldOutcome      = "outcome"
	FieldDecision     = "decision"
	FieldDeviceIP     = "src_ip"
	FieldAnomalyScore = "anomaly_score"
	FieldStateBefore  = "state_before"
	FieldStateAfter   = "state_after"
	FieldOracleFailed = "oracle_failed"
	FieldDetails      = "details"
)

var columns = FieldID + "," + FieldAppName + "," + FieldTimestamp + "," + FieldEventType + "," +
	FieldLevel + "," + FieldOutcome + "," + FieldDecision + "," + FieldDeviceIP + "," +
	FieldAnomalyScore + "," + FieldStateBefore + "," + FieldStateAfter + "," +
	FieldOracleFailed + "," + FieldDetails

// SQLiteSink журнал аудита в таблице SQLite
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink открывает базу и создает таблицу журнала
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// один писатель, иначе sqlite отвечает database is locked
	db.SetMaxOpenConns(1)

	schema := "CREATE TABLE IF NOT EXISTS " + table + " (" +
		"seq INTEGER PRIMARY KEY AUTOINCREMENT," +
		FieldID + " TEXT NOT NULL UNIQUE," +
		FieldAppName + " TEXT NOT NULL," +
		FieldTimestamp + " INTEGER NOT NULL," +
		FieldEventType + " TEXT NOT NULL," +
		FieldLevel + " TEXT NOT NULL," +
		FieldOutcome + " TEXT NOT NULL," +
		FieldDecision + " TEXT NOT NULL," +
		FieldDeviceIP + " TEXT NOT NULL," +
		FieldAnomalyScore + " REAL NOT NULL," +
		FieldStateBefore + " TEXT NOT NULL," +
		FieldStateAfter + " TEXT NOT NULL," +
		FieldOracleFailed + " INTEGER NOT NULL," +
		FieldDetails + " TEXT NOT NULL);" +
		"CREATE INDEX IF NOT EXISTS idx_" + table + "_ip ON " + table + " (" + FieldDeviceIP + ", seq);"

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Record вставляет запись в таблицу
func (s *SQLiteSink) Record(ctx context.Context, rec models.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO "+table+" ("+columns+") VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)",
		rec.ID, rec.AppName, rec.Timestamp.UnixNano(), string(rec.EventType), string(rec.Level),
		string(rec.Outcome), string(rec.Decision), rec.DeviceIP, rec.AnomalyScore,
		string(rec.StateBefore), string(rec.StateAfter), rec.OracleFailed, rec.Details)
	if err != nil {
		metrics.AuditWrites.WithLabelValues("sqlite", "error").Inc()
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	metrics.AuditWrites.WithLabelValues("sqlite", "success").Inc()
	return nil
}

// History возвращает последние записи, новые первыми
func (s *SQLiteSink) History(ctx context.Context, deviceIP string, limit int) ([]models.AuditRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	query := "SELECT " + columns + " FROM " + table
	args := []any{}
	if deviceIP != "" {
		query += " WHERE " + FieldDeviceIP + " = ?"
		args = append(args, deviceIP)
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []models.AuditRecord
	for rows.Next() {
		var (
			rec                                 models.AuditRecord
			ts                                  int64
			eventType, level, outcome, decision string
			stateBefore, stateAfter             string
		)
		if err := rows.Scan(&rec.ID, &rec.AppName, &ts, &eventType, &level, &outcome, &decision,
			&rec.DeviceIP, &rec.AnomalyScore, &stateBefore, &stateAfter, &rec.OracleFailed, &rec.Details); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.EventType = models.AuditEventType(eventType)
		rec.Level = models.AuditLevel(level)
		rec.Outcome = models.Outcome(outcome)
		rec.Decision = models.Decision(decision)
		rec.StateBefore = models.ContainmentState(stateBefore)
		rec.StateAfter = models.ContainmentState(stateAfter)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByEventType количество записей по типам событий
func (s *SQLiteSink) CountByEventType(ctx context.Context) (map[models.AuditEventType]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+FieldEventType+", COUNT(*) FROM "+table+" GROUP BY "+FieldEventType)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit records: %w", err)
	}
	defer rows.Close()

	out := make(map[models.AuditEventType]int64)
	for rows.Next() {
		var (
			eventType string
			n         int64
		)
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		out[models.AuditEventType(eventType)] = n
	}
	return out, rows.Err()
}

// Close закрывает базу
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
