package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"iomt-ars/internal/models"
)

func record(id, ip string, level models.AuditLevel) models.AuditRecord {
	return models.AuditRecord{
		ID:           id,
		AppName:      models.AppName,
		Timestamp:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		EventType:    models.AuditThreatResponse,
		Level:        level,
		Outcome:      models.OutcomeActionTaken,
		Decision:     models.DecisionIsolate,
		DeviceIP:     ip,
		AnomalyScore: 0.91,
		StateBefore:  models.StateNormal,
		StateAfter:   models.StateIsolated,
		Details:      "device isolated",
	}
}

func TestFileSinkHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "ars_events.json")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	sink.Record(ctx, record("1", "10.0.0.1", models.LevelWarning))
	sink.Record(ctx, record("2", "10.0.0.2", models.LevelWarning))
	sink.Record(ctx, record("3", "10.0.0.1", models.LevelCritical))

	got, err := sink.History(ctx, "10.0.0.1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 2 || got[0].ID != "3" || got[1].ID != "1" {
		t.Fatalf("history = %+v", got)
	}

	all, _ := sink.History(ctx, "", 2)
	if len(all) != 2 || all[0].ID != "3" || all[1].ID != "2" {
		t.Fatalf("limited history = %+v", all)
	}

	data, _ := os.ReadFile(path)
	if lines := strings.Count(string(data), "\n"); lines != 3 {
		t.Fatalf("file has %d lines, want 3", lines)
	}
	if !strings.Contains(string(data), `"src_ip":"10.0.0.2"`) {
		t.Fatalf("unexpected file contents: %s", data)
	}
}

func TestFileSinkSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.json")
	os.WriteFile(path, []byte("{not json\n\n"), 0o644)

	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer sink.Close()

	sink.Record(context.Background(), record("ok", "10.0.0.1", models.LevelInfo))
	got, err := sink.History(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 1 || got[0].ID != "ok" {
		t.Fatalf("history = %+v", got)
	}
}

func TestSQLiteSink(t *testing.T) {
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	want := record("a", "10.0.0.1", models.LevelWarning)
	want.OracleFailed = true
	if err := sink.Record(ctx, want); err != nil {
		t.Fatalf("Record: %v", err)
	}
	esc := record("b", "10.0.0.1", models.LevelCritical)
	esc.EventType = models.AuditThreatEscalation
	sink.Record(ctx, esc)
	sink.Record(ctx, record("c", "10.0.0.2", models.LevelWarning))

	if err := sink.Record(ctx, want); err == nil {
		t.Fatal("expected duplicate id error")
	}

	got, err := sink.History(ctx, "10.0.0.1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" {
		t.Fatalf("history = %+v", got)
	}
	if !got[1].Timestamp.Equal(want.Timestamp) {
		t.Fatalf("timestamp = %v, want %v", got[1].Timestamp, want.Timestamp)
	}
	got[1].Timestamp = want.Timestamp
	if got[1] != want {
		t.Fatalf("round trip = %+v, want %+v", got[1], want)
	}

	counts, err := sink.CountByEventType(ctx)
	if err != nil {
		t.Fatalf("CountByEventType: %v", err)
	}
	if counts[models.AuditThreatResponse] != 2 || counts[models.AuditThreatEscalation] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestDiscordNotifierForwardsOnlySevere(t *testing.T) {
	var sent []*discordgo.MessageEmbed
	n := NewDiscordNotifierWithSender("chan-1", func(ch string, e *discordgo.MessageEmbed) error {
		if ch != "chan-1" {
			t.Fatalf("channel = %s", ch)
		}
		sent = append(sent, e)
		return nil
	})

	ctx := context.Background()
	n.Record(ctx, record("1", "10.0.0.1", models.LevelWarning))
	n.Record(ctx, record("2", "10.0.0.1", models.LevelInfo))
	n.Record(ctx, record("3", "10.0.0.1", models.LevelCritical))
	n.Record(ctx, record("4", "10.0.0.1", models.LevelError))

	if len(sent) != 2 {
		t.Fatalf("sent %d embeds, want 2", len(sent))
	}
	if !strings.Contains(sent[1].Title, "Enforcement Failed") {
		t.Fatalf("title = %q", sent[1].Title)
	}
}

func TestMultiContinuesAfterError(t *testing.T) {
	failing := NewDiscordNotifierWithSender("c", func(string, *discordgo.MessageEmbed) error {
		return errors.New("discord down")
	})
	file, err := NewFileSink(filepath.Join(t.TempDir(), "audit.json"))
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer file.Close()

	m := Multi{failing, file}
	if err := m.Record(context.Background(), record("x", "10.0.0.1", models.LevelCritical)); err == nil {
		t.Fatal("expected joined error")
	}
	got, _ := file.History(context.Background(), "", 0)
	if len(got) != 1 {
		t.Fatalf("file sink got %d records", len(got))
	}
}
