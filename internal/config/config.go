// Package config загружает конфигурацию сервиса из environment и файла политики.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"iomt-ars/internal/containment"
	"iomt-ars/internal/models"
	"iomt-ars/internal/oracle"
)

// Источники событий
const (
	SourceSimulation = "simulation"
	SourceCSV        = "csv"
	SourceRedis      = "redis"
	SourceHTTP       = "http"
)

// Оракулы
const (
	OracleRules  = "rules"
	OracleThreat = "threat"
	OracleForest = "forest"
)

// Журналы аудита
const (
	AuditFile   = "file"
	AuditSQLite = "sqlite"
	AuditRedis  = "redis"
)

// Config конфигурация приложения
type Config struct {
	ServerPort string

	EventSource string
	CSVPath     string
	QueueSize   int
	Pace        time.Duration

	Oracle        string
	ModelPath     string
	Rules         oracle.RuleConfig
	ThreatActions map[string]models.Decision
	MinConfidence float64

	DryRun     bool
	FirewallOS string

	AuditBackend   string
	AuditLogPath   string
	SQLitePath     string
	AuditRetention time.Duration
	DiscordToken   string
	DiscordChannel string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisQueueKey string

	Policy           containment.Policy
	WindowSize       int
	AnomalyThreshold float64
}

// PolicyFile содержимое YAML файла политики. Пустые поля не меняют значения по умолчанию.
type PolicyFile struct {
	MinDwell          *time.Duration     `yaml:"min_dwell"`
	HighRiskThreshold *float64           `yaml:"high_risk_threshold"`
	Rules             *oracle.RuleConfig `yaml:"rules"`
	Threat            struct {
		MinConfidence *float64          `yaml:"min_confidence"`
		Actions       map[string]string `yaml:"actions"`
	} `yaml:"threat"`
}

// Load собирает конфигурацию: значения по умолчанию, затем файл POLICY_FILE,
// затем переменные окружения
func Load() (Config, error) {
	cfg := Config{
		Policy:        containment.DefaultPolicy(),
		Rules:         oracle.DefaultRuleConfig(),
		MinConfidence: 0.5,
	}

	if path := getEnv("POLICY_FILE", ""); path != "" {
		if err := cfg.applyPolicyFile(path); err != nil {
			return cfg, err
		}
	}

	cfg.ServerPort = getEnv("SERVER_PORT", "8080")
	cfg.EventSource = getEnv("EVENT_SOURCE", SourceSimulation)
	cfg.CSVPath = getEnv("CSV_PATH", "data/ars_high_fidelity_training.csv")
	cfg.QueueSize = getEnvAsInt("QUEUE_SIZE", 1000)
	cfg.Pace = time.Duration(getEnvAsInt("PACE_MS", 1000)) * time.Millisecond

	cfg.Oracle = getEnv("ORACLE", OracleRules)
	cfg.ModelPath = getEnv("MODEL_PATH", "models/ars_forest.json")

	cfg.DryRun = getEnv("ENFORCER_MODE", "dry-run") != "real"
	cfg.FirewallOS = getEnv("FIREWALL_OS", "")

	cfg.AuditBackend = getEnv("AUDIT_BACKEND", AuditFile)
	cfg.AuditLogPath = getEnv("AUDIT_LOG_PATH", "logs/ars_events.json")
	cfg.SQLitePath = getEnv("SQLITE_PATH", "ars_audit.db")
	cfg.AuditRetention = time.Duration(getEnvAsInt("AUDIT_RETENTION_HOURS", 24*7)) * time.Hour
	cfg.DiscordToken = getEnv("DISCORD_TOKEN", "")
	cfg.DiscordChannel = getEnv("DISCORD_CHANNEL_ID", "")

	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvAsInt("REDIS_DB", 0)
	cfg.RedisQueueKey = getEnv("REDIS_QUEUE_KEY", "ars:events")

	if secs := getEnvAsInt("MIN_DWELL_SECONDS", -1); secs >= 0 {
		cfg.Policy.MinDwell = time.Duration(secs) * time.Second
	}
	cfg.Policy.HighRiskThreshold = getEnvAsFloat("HIGH_RISK_THRESHOLD", cfg.Policy.HighRiskThreshold)
	cfg.WindowSize = getEnvAsInt("WINDOW_SIZE", 50)
	cfg.AnomalyThreshold = getEnvAsFloat("ZSCORE_THRESHOLD", 2.0)

	return cfg, cfg.Validate()
}

// Validate проверяет согласованность настроек
func (c Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	switch c.EventSource {
	case SourceSimulation, SourceCSV, SourceRedis, SourceHTTP:
	default:
		return fmt.Errorf("unknown EVENT_SOURCE %q", c.EventSource)
	}
	switch c.Oracle {
	case OracleRules, OracleThreat, OracleForest:
	default:
		return fmt.Errorf("unknown ORACLE %q", c.Oracle)
	}
	switch c.AuditBackend {
	case AuditFile, AuditSQLite, AuditRedis:
	default:
		return fmt.Errorf("unknown AUDIT_BACKEND %q", c.AuditBackend)
	}
	if c.Pace < 0 {
		return fmt.Errorf("PACE_MS must not be negative")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive, got %d", c.QueueSize)
	}
	if (c.DiscordToken == "") != (c.DiscordChannel == "") {
		return fmt.Errorf("DISCORD_TOKEN and DISCORD_CHANNEL_ID must be set together")
	}
	return nil
}

// NeedsRedis сообщает, нужен ли сервису Redis
func (c Config) NeedsRedis() bool {
	return c.EventSource == SourceRedis || c.AuditBackend == AuditRedis
}

func (c *Config) applyPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}
	// незаданные в файле пороги правил сохраняют значения по умолчанию
	rules := c.Rules
	pf := PolicyFile{Rules: &rules}
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}

	if pf.MinDwell != nil {
		c.Policy.MinDwell = *pf.MinDwell
	}
	if pf.HighRiskThreshold != nil {
		c.Policy.HighRiskThreshold = *pf.HighRiskThreshold
	}
	c.Rules = rules
	if pf.Threat.MinConfidence != nil {
		c.MinConfidence = *pf.Threat.MinConfidence
	}
	if len(pf.Threat.Actions) > 0 {
		c.ThreatActions = make(map[string]models.Decision, len(pf.Threat.Actions))
		for threat, action := range pf.Threat.Actions {
			d := models.Decision(action)
			if !d.Valid() {
				return fmt.Errorf("policy file: unknown action %q for threat %q", action, threat)
			}
			c.ThreatActions[threat] = d
		}
	}
	return nil
}

// getEnv получает environment variable или возвращает default
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt получает environment variable как int
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat получает environment variable как float64
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var value float64
	if _, err := fmt.Sscanf(valueStr, "%f", &value); err != nil {
		return defaultValue
	}
	return value
}
