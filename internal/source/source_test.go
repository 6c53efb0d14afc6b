package source

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"iomt-ars/internal/cache"
	"iomt-ars/internal/models"
)

var quiet = log.New(io.Discard, "", 0)

func drain(t *testing.T, src Source) []models.Event {
	t.Helper()
	var out []models.Event
	for {
		ev, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, ev)
	}
}

func TestSimulation(t *testing.T) {
	events := drain(t, Simulation())
	if len(events) != 7 {
		t.Fatalf("got %d events, want 7", len(events))
	}
	if events[1].DeviceIP != "192.168.1.50" || events[1].Score() != 0.95 {
		t.Fatalf("event 2 = %+v", events[1])
	}
	if !strings.Contains(events[6].LogText, "John Doe") {
		t.Fatalf("last event log = %q", events[6].LogText)
	}
}

func TestSliceHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Simulation().Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

const dataset = `heart_rate,spo2,sys_bp,network_latency,packet_size,anomaly_score
75,98,120,20,500,0.1
80,abc,120,20,500,0.2
120,85,150,900,60000,0.99
70,97,118,25,480,
"broken,99,1,1,1,0.5
`

func TestCSVSkipsMalformedRows(t *testing.T) {
	src, err := NewCSV(strings.NewReader(dataset), quiet)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	events := drain(t, src)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}

	first := events[0]
	if first.DeviceIP != "192.168.1.50" {
		t.Fatalf("device ip = %q", first.DeviceIP)
	}
	if v, _ := first.Float(models.FeatureSysBP); v != 120 {
		t.Fatalf("sys_bp = %v", v)
	}
	if !strings.HasPrefix(first.LogText, "Vitals Monitor: HR=75") {
		t.Fatalf("log = %q", first.LogText)
	}
	if events[1].DeviceIP != "192.168.1.52" || events[1].Score() != 0.99 {
		t.Fatalf("second event = %+v", events[1])
	}
}

func TestCSVExplicitColumns(t *testing.T) {
	data := "device_ip,timestamp,anomaly_score,log\n10.0.0.7,2026-03-01T12:00:00Z,0.9,Patient P-100 alarm\n"
	src, err := NewCSV(strings.NewReader(data), quiet)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	events := drain(t, src)
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	ev := events[0]
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if ev.DeviceIP != "10.0.0.7" || !ev.Timestamp.Equal(want) || ev.LogText != "Patient P-100 alarm" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestCSVSkipsInvalidDeviceIP(t *testing.T) {
	data := "device_ip,anomaly_score\ninfusion-pump-7,0.95\n10.0.0.8,NaN\n10.0.0.9,0.2\n"
	src, err := NewCSV(strings.NewReader(data), quiet)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	events := drain(t, src)
	if len(events) != 1 || events[0].DeviceIP != "10.0.0.9" {
		t.Fatalf("events = %+v", events)
	}
}

func TestCSVRequiresScoreColumn(t *testing.T) {
	if _, err := NewCSV(strings.NewReader("heart_rate,spo2\n70,98\n"), quiet); err == nil {
		t.Fatal("expected header error")
	}
}

func TestQueue(t *testing.T) {
	q := NewQueue(2)
	a := models.Event{DeviceIP: "10.0.0.1"}
	b := models.Event{DeviceIP: "10.0.0.2"}

	if err := q.Push(a); err != nil {
		t.Fatalf("Push: %v", err)
	}
	q.Push(b)
	if err := q.Push(a); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("full push err = %v", err)
	}

	q.Close()
	if err := q.Push(a); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed push err = %v", err)
	}

	events := drain(t, q)
	if len(events) != 2 || events[0].DeviceIP != "10.0.0.1" || events[1].DeviceIP != "10.0.0.2" {
		t.Fatalf("events = %+v", events)
	}
}

func TestQueueNextCancelled(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	store := cache.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	defer store.Close()

	ctx := context.Background()
	store.PushEvent(ctx, "ars:events", models.Event{DeviceIP: "10.0.0.3", Features: map[string]any{"anomaly_score": 0.4}})

	src := NewRedisQueue(store, "ars:events", time.Second)
	ev, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.DeviceIP != "10.0.0.3" || ev.Score() != 0.4 {
		t.Fatalf("event = %+v", ev)
	}

	cctx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if _, err := src.Next(cctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}
