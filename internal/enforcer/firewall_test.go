package enforcer

import (
	"context"
	"errors"
	"io"
	"log"
	"reflect"
	"strings"
	"testing"
)

type recordingRunner struct {
	calls [][]string
	err   error
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) error {
	r.calls = append(r.calls, append([]string{name}, args...))
	return r.err
}

var quiet = log.New(io.Discard, "", 0)

func TestFirewallLinuxCommands(t *testing.T) {
	runner := &recordingRunner{}
	fw, err := NewFirewall(OSLinux, false, runner, quiet)
	if err != nil {
		t.Fatalf("NewFirewall: %v", err)
	}
	ctx := context.Background()

	if err := fw.Isolate(ctx, "192.168.1.50"); err != nil {
		t.Fatalf("Isolate: %v", err)
	}
	if err := fw.Isolate(ctx, "192.168.1.50"); err != nil {
		t.Fatalf("second Isolate: %v", err)
	}
	if !fw.IsBlocked("192.168.1.50") {
		t.Fatal("ip not marked blocked")
	}
	if err := fw.Rollback(ctx, "192.168.1.50"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := fw.Rollback(ctx, "192.168.1.50"); err != nil {
		t.Fatalf("second Rollback: %v", err)
	}

	want := [][]string{
		{"iptables", "-A", "INPUT", "-s", "192.168.1.50", "-j", "DROP"},
		{"iptables", "-D", "INPUT", "-s", "192.168.1.50", "-j", "DROP"},
	}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("calls = %v, want %v", runner.calls, want)
	}
}

func TestFirewallWindowsCommands(t *testing.T) {
	runner := &recordingRunner{}
	fw, err := NewFirewall(OSWindows, false, runner, quiet)
	if err != nil {
		t.Fatalf("NewFirewall: %v", err)
	}
	fw.Isolate(context.Background(), "10.0.0.5")
	fw.Rollback(context.Background(), "10.0.0.5")

	if len(runner.calls) != 2 {
		t.Fatalf("calls = %v", runner.calls)
	}
	add := strings.Join(runner.calls[0], " ")
	if !strings.Contains(add, "add rule name=ARS_BLOCK_10.0.0.5") || !strings.Contains(add, "remoteip=10.0.0.5") {
		t.Fatalf("add command = %q", add)
	}
	del := strings.Join(runner.calls[1], " ")
	if !strings.Contains(del, "delete rule name=ARS_BLOCK_10.0.0.5") {
		t.Fatalf("delete command = %q", del)
	}
}

func TestFirewallFailureKeepsState(t *testing.T) {
	runner := &recordingRunner{err: errors.New("exit status 4")}
	fw, _ := NewFirewall(OSLinux, false, runner, quiet)

	if err := fw.Isolate(context.Background(), "10.0.0.9"); err == nil {
		t.Fatal("expected isolate error")
	}
	if fw.IsBlocked("10.0.0.9") {
		t.Fatal("failed isolate marked ip blocked")
	}

	runner.err = nil
	if err := fw.Isolate(context.Background(), "10.0.0.9"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	runner.err = errors.New("exit status 1")
	if err := fw.Rollback(context.Background(), "10.0.0.9"); err == nil {
		t.Fatal("expected rollback error")
	}
	if !fw.IsBlocked("10.0.0.9") {
		t.Fatal("failed rollback cleared block")
	}
}

func TestFirewallDryRun(t *testing.T) {
	runner := &recordingRunner{}
	fw, err := NewFirewall("plan9", true, runner, quiet)
	if err != nil {
		t.Fatalf("NewFirewall: %v", err)
	}
	if err := fw.Isolate(context.Background(), "10.0.0.1"); err != nil {
		t.Fatalf("Isolate: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("dry run executed %v", runner.calls)
	}
	if fw.Blocked() != 1 {
		t.Fatalf("Blocked() = %d, want 1", fw.Blocked())
	}

	if _, err := NewFirewall("plan9", false, runner, quiet); err == nil {
		t.Fatal("expected error for real enforcement on unsupported os")
	}
}

func TestFirewallRejectsInvalidIP(t *testing.T) {
	runner := &recordingRunner{}
	fw, _ := NewFirewall(OSLinux, false, runner, quiet)
	for _, ip := range []string{"", "10.0.0.1; rm -rf /", "device-7"} {
		if err := fw.Isolate(context.Background(), ip); err == nil {
			t.Fatalf("Isolate(%q) accepted", ip)
		}
	}
	if len(runner.calls) != 0 {
		t.Fatalf("runner called with %v", runner.calls)
	}
}
