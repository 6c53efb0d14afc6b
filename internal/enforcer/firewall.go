// Package enforcer выполняет сетевую изоляцию устройств через firewall ОС.
package enforcer

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// Runner запускает внешнюю команду
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner запускает команды через os/exec
type ExecRunner struct{}

// Run выполняет команду и возвращает ошибку вместе с ее выводом
func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Поддерживаемые ОС
const (
	OSLinux   = "linux"
	OSWindows = "windows"
)

// Firewall исполнитель на iptables (linux) или netsh (windows).
// В режиме dry-run команды только логируются.
type Firewall struct {
	os      string
	dryRun  bool
	runner  Runner
	logger  *log.Logger
	mu      sync.Mutex
	blocked map[string]struct{}
}

// NewFirewall создает исполнитель. Пустой osName означает текущую ОС.
func NewFirewall(osName string, dryRun bool, runner Runner, logger *log.Logger) (*Firewall, error) {
	if osName == "" {
		osName = runtime.GOOS
	}
	if osName != OSLinux && osName != OSWindows {
		if !dryRun {
			return nil, fmt.Errorf("real enforcement is not supported on %s", osName)
		}
		osName = OSLinux
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Firewall{
		os:      osName,
		dryRun:  dryRun,
		runner:  runner,
		logger:  logger,
		blocked: make(map[string]struct{}),
	}, nil
}

// Isolate блокирует входящий трафик от ip. Повторный вызов ничего не делает.
func (f *Firewall) Isolate(ctx context.Context, ip string) error {
	if err := validateIP(ip); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.blocked[ip]; ok {
		return nil
	}
	if err := f.exec(ctx, f.blockCommand(ip)); err != nil {
		return fmt.Errorf("isolate %s: %w", ip, err)
	}
	f.blocked[ip] = struct{}{}
	return nil
}

// Rollback снимает блокировку. Для незаблокированного ip ничего не делает.
func (f *Firewall) Rollback(ctx context.Context, ip string) error {
	if err := validateIP(ip); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.blocked[ip]; !ok {
		return nil
	}
	if err := f.exec(ctx, f.unblockCommand(ip)); err != nil {
		return fmt.Errorf("rollback %s: %w", ip, err)
	}
	delete(f.blocked, ip)
	return nil
}

// IsBlocked сообщает, заблокирован ли ip
func (f *Firewall) IsBlocked(ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blocked[ip]
	return ok
}

// Blocked возвращает число заблокированных адресов
func (f *Firewall) Blocked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blocked)
}

func (f *Firewall) exec(ctx context.Context, cmd []string) error {
	if f.dryRun {
		f.logger.Printf("[SIMULATION] Would execute: %s", strings.Join(cmd, " "))
		return nil
	}
	f.logger.Printf("[ACTIVE DEFENSE] Executing: %s", strings.Join(cmd, " "))
	return f.runner.Run(ctx, cmd[0], cmd[1:]...)
}

func (f *Firewall) blockCommand(ip string) []string {
	if f.os == OSWindows {
		return []string{"netsh", "advfirewall", "firewall", "add", "rule",
			"name=" + ruleName(ip), "dir=in", "action=block", "remoteip=" + ip}
	}
	return []string{"iptables", "-A", "INPUT", "-s", ip, "-j", "DROP"}
}

func (f *Firewall) unblockCommand(ip string) []string {
	if f.os == OSWindows {
		return []string{"netsh", "advfirewall", "firewall", "delete", "rule", "name=" + ruleName(ip)}
	}
	return []string{"iptables", "-D", "INPUT", "-s", ip, "-j", "DROP"}
}

func ruleName(ip string) string {
	return "ARS_BLOCK_" + ip
}

// validateIP не пропускает в команду ничего, кроме адреса
func validateIP(ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid device ip %q", ip)
	}
	return nil
}
