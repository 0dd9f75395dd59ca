package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"strategy-executor/internal/circuit"
	"strategy-executor/internal/logging"
	"strategy-executor/internal/notification"
)

// ErrInvalidConfig is returned when the loaded configuration cannot start
// the executor.
var ErrInvalidConfig = errors.New("invalid configuration")

// Advisory modes.
const (
	AdvisoryOff     = "off"
	AdvisoryObserve = "observe"
	AdvisoryEnforce = "enforce"
)

const minTickInterval = 5 * time.Second

type Config struct {
	Executor       ExecutorConfig      `json:"executor" yaml:"executor"`
	Broker         BrokerConfig        `json:"broker" yaml:"broker"`
	Server         ServerConfig        `json:"server" yaml:"server"`
	Logging        logging.Config      `json:"logging" yaml:"logging"`
	Database       DatabaseConfig      `json:"database" yaml:"database"`
	Redis          RedisConfig         `json:"redis" yaml:"redis"`
	Advisory       AdvisoryConfig      `json:"advisory" yaml:"advisory"`
	News           NewsConfig          `json:"news" yaml:"news"`
	Platform       PlatformConfig      `json:"platform" yaml:"platform"`
	Vault          VaultConfig         `json:"vault" yaml:"vault"`
	CircuitBreaker circuit.Config      `json:"circuit_breaker" yaml:"circuit_breaker"`
	ML             MLConfig            `json:"ml" yaml:"ml"`
	Auth           AuthConfig          `json:"auth" yaml:"auth"`
	Notification   notification.Config `json:"notification" yaml:"notification"`
	Strategies     []StrategyEntry     `json:"strategies,omitempty" yaml:"strategies,omitempty"`
}

// ExecutorConfig controls the orchestrator loop.
type ExecutorConfig struct {
	ID                string   `json:"id" yaml:"id"`
	TickInterval      Duration `json:"tick_interval" yaml:"tick_interval"`
	HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	BrokerTimeout     Duration `json:"broker_timeout" yaml:"broker_timeout"`
	StrategyTimeout   Duration `json:"strategy_timeout" yaml:"strategy_timeout"`
	CandleCount       int      `json:"candle_count" yaml:"candle_count"`
	CommandQueueSize  int      `json:"command_queue_size" yaml:"command_queue_size"`
	ShutdownTimeout   Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// BrokerConfig selects the terminal connector.
type BrokerConfig struct {
	Mode         string   `json:"mode" yaml:"mode"` // paper or bridge
	BridgeURL    string   `json:"bridge_url" yaml:"bridge_url"`
	APIKey       string   `json:"api_key" yaml:"api_key"`
	PaperBalance float64  `json:"paper_balance" yaml:"paper_balance"`
	PaperSeed    int64    `json:"paper_seed" yaml:"paper_seed"`
	Symbols      []string `json:"symbols" yaml:"symbols"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Host           string   `json:"host" yaml:"host"`
	Port           int      `json:"port" yaml:"port"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	RateLimit      float64  `json:"rate_limit" yaml:"rate_limit"` // requests per second per client
	RateBurst      int      `json:"rate_burst" yaml:"rate_burst"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects and configures the persistence store.
type DatabaseConfig struct {
	Driver   string `json:"driver" yaml:"driver"` // postgres, sqlite or none
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	SSLMode  string `json:"sslmode" yaml:"sslmode"`
	Path     string `json:"path" yaml:"path"` // sqlite file
	MaxConns int32  `json:"max_conns" yaml:"max_conns"`
	MinConns int32  `json:"min_conns" yaml:"min_conns"`
}

// RedisConfig holds Redis configuration for the shared cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
}

// AdvisoryConfig configures the external supervisor.
type AdvisoryConfig struct {
	Mode         string   `json:"mode" yaml:"mode"`
	URL          string   `json:"url" yaml:"url"`
	APIKey       string   `json:"api_key" yaml:"api_key"`
	APISecret    string   `json:"api_secret" yaml:"api_secret"`
	Timeout      Duration `json:"timeout" yaml:"timeout"`
	MaxAttempts  int      `json:"max_attempts" yaml:"max_attempts"`
	ConfirmScore float64  `json:"confirm_score" yaml:"confirm_score"`
}

// NewsConfig points the news filter at a calendar endpoint. An empty URL
// leaves the filter on its static fallback list.
type NewsConfig struct {
	CalendarURL string   `json:"calendar_url" yaml:"calendar_url"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
}

// PlatformConfig configures trade and heartbeat reporting.
type PlatformConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	URL     string   `json:"url" yaml:"url"`
	APIKey  string   `json:"api_key" yaml:"api_key"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address"`
	Token      string `json:"token" yaml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path"`
	SecretPath string `json:"secret_path" yaml:"secret_path"`
}

// MLConfig points at an optional ONNX signal model.
type MLConfig struct {
	ModelPath   string `json:"model_path" yaml:"model_path"`
	LibraryPath string `json:"library_path" yaml:"library_path"`
}

// AuthConfig guards the command API.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	Issuer    string `json:"issuer" yaml:"issuer"`
}

// StrategyEntry activates a strategy file at startup.
type StrategyEntry struct {
	File string `json:"file" yaml:"file"`
}

// Duration decodes from "30s" style strings or from integer seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v, err := parseDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := parseDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func parseDuration(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case string:
		return time.ParseDuration(v)
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("duration: unsupported value %v", raw)
}

// Load reads .env, then the config file (JSON or YAML; a missing file
// means defaults), then environment overrides, then fills defaults and
// validates.
func Load(path string) (*Config, error) {
	envFile := getEnvOrDefault("EXECUTOR_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: env file %s: %v", ErrInvalidConfig, envFile, err)
	}

	cfg := &Config{}
	if path != "" {
		loaded, err := loadFromFile(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, &config)
	default:
		err = json.Unmarshal(file, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, filename, err)
	}
	return &config, nil
}

// applyEnvOverrides lets the environment take precedence over the file.
func applyEnvOverrides(cfg *Config) {
	cfg.Executor.ID = getEnvOrDefault("EXECUTOR_ID", cfg.Executor.ID)
	cfg.Executor.TickInterval.Duration = getEnvDurationOrDefault("EXECUTOR_TICK_INTERVAL", cfg.Executor.TickInterval.Duration)
	cfg.Executor.HeartbeatInterval.Duration = getEnvDurationOrDefault("EXECUTOR_HEARTBEAT_INTERVAL", cfg.Executor.HeartbeatInterval.Duration)
	cfg.Executor.BrokerTimeout.Duration = getEnvDurationOrDefault("EXECUTOR_BROKER_TIMEOUT", cfg.Executor.BrokerTimeout.Duration)
	cfg.Executor.StrategyTimeout.Duration = getEnvDurationOrDefault("EXECUTOR_STRATEGY_TIMEOUT", cfg.Executor.StrategyTimeout.Duration)

	cfg.Broker.Mode = getEnvOrDefault("BROKER_MODE", cfg.Broker.Mode)
	cfg.Broker.BridgeURL = getEnvOrDefault("BROKER_BRIDGE_URL", cfg.Broker.BridgeURL)
	cfg.Broker.APIKey = getEnvOrDefault("BROKER_API_KEY", cfg.Broker.APIKey)
	cfg.Broker.PaperBalance = getEnvFloatOrDefault("BROKER_PAPER_BALANCE", cfg.Broker.PaperBalance)

	cfg.Server.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvIntOrDefault("SERVER_PORT", cfg.Server.Port)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.Logging.JSONFormat)

	cfg.Database.Driver = getEnvOrDefault("DB_DRIVER", cfg.Database.Driver)
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.DBName = getEnvOrDefault("DB_NAME", cfg.Database.DBName)
	cfg.Database.Path = getEnvOrDefault("DB_PATH", cfg.Database.Path)

	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Advisory.Mode = getEnvOrDefault("ADVISORY_MODE", cfg.Advisory.Mode)
	cfg.Advisory.URL = getEnvOrDefault("ADVISORY_URL", cfg.Advisory.URL)
	cfg.Advisory.APIKey = getEnvOrDefault("ADVISORY_API_KEY", cfg.Advisory.APIKey)
	cfg.Advisory.APISecret = getEnvOrDefault("ADVISORY_API_SECRET", cfg.Advisory.APISecret)
	cfg.Advisory.ConfirmScore = getEnvFloatOrDefault("ADVISORY_CONFIRM_SCORE", cfg.Advisory.ConfirmScore)

	cfg.News.CalendarURL = getEnvOrDefault("NEWS_CALENDAR_URL", cfg.News.CalendarURL)

	cfg.Platform.Enabled = getEnvBoolOrDefault("PLATFORM_ENABLED", cfg.Platform.Enabled)
	cfg.Platform.URL = getEnvOrDefault("PLATFORM_URL", cfg.Platform.URL)
	cfg.Platform.APIKey = getEnvOrDefault("PLATFORM_API_KEY", cfg.Platform.APIKey)

	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)

	cfg.CircuitBreaker.Enabled = getEnvBoolOrDefault("CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreaker.Enabled)
	cfg.CircuitBreaker.MaxLossPerHour = getEnvFloatOrDefault("CIRCUIT_MAX_LOSS_PER_HOUR", cfg.CircuitBreaker.MaxLossPerHour)
	cfg.CircuitBreaker.MaxConsecutiveLosses = getEnvIntOrDefault("CIRCUIT_MAX_CONSECUTIVE_LOSSES", cfg.CircuitBreaker.MaxConsecutiveLosses)
	cfg.CircuitBreaker.CooldownMinutes = getEnvIntOrDefault("CIRCUIT_COOLDOWN_MINUTES", cfg.CircuitBreaker.CooldownMinutes)

	cfg.ML.ModelPath = getEnvOrDefault("ML_MODEL_PATH", cfg.ML.ModelPath)
	cfg.ML.LibraryPath = getEnvOrDefault("ML_LIBRARY_PATH", cfg.ML.LibraryPath)

	cfg.Auth.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.Auth.JWTSecret)

	cfg.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	cfg.Notification.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.Notification.Telegram.ChatID)
	cfg.Notification.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.Notification.Discord.WebhookURL)
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Executor.ID == "" {
		c.Executor.ID = "executor-local"
	}
	setDuration(&c.Executor.TickInterval, 60*time.Second)
	if c.Executor.TickInterval.Duration < minTickInterval {
		c.Executor.TickInterval.Duration = minTickInterval
	}
	setDuration(&c.Executor.HeartbeatInterval, 30*time.Second)
	setDuration(&c.Executor.BrokerTimeout, 5*time.Second)
	setDuration(&c.Executor.StrategyTimeout, 15*time.Second)
	setDuration(&c.Executor.ShutdownTimeout, 10*time.Second)
	if c.Executor.CandleCount <= 0 {
		c.Executor.CandleCount = 400
	}
	if c.Executor.CommandQueueSize <= 0 {
		c.Executor.CommandQueueSize = 64
	}

	if c.Broker.Mode == "" {
		c.Broker.Mode = "paper"
	}
	if c.Broker.PaperBalance <= 0 {
		c.Broker.PaperBalance = 10000
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.RateLimit <= 0 {
		c.Server.RateLimit = 10
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = 20
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "none"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.Path == "" {
		c.Database.Path = "executor.db"
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 25
	}
	if c.Database.MinConns <= 0 {
		c.Database.MinConns = 5
	}

	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 10
	}

	if c.Advisory.Mode == "" {
		c.Advisory.Mode = AdvisoryOff
	}
	c.Advisory.Mode = strings.ToLower(c.Advisory.Mode)
	setDuration(&c.Advisory.Timeout, 6*time.Second)
	if c.Advisory.MaxAttempts <= 0 {
		c.Advisory.MaxAttempts = 3
	}
	if c.Advisory.ConfirmScore <= 0 {
		c.Advisory.ConfirmScore = 0.7
	}

	setDuration(&c.News.Timeout, 10*time.Second)
	setDuration(&c.Platform.Timeout, 10*time.Second)

	if c.Vault.MountPath == "" {
		c.Vault.MountPath = "secret"
	}
	if c.Vault.SecretPath == "" {
		c.Vault.SecretPath = "strategy-executor"
	}

	if c.CircuitBreaker == (circuit.Config{}) {
		c.CircuitBreaker = circuit.DefaultConfig()
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "strategy-executor"
	}
}

// Validate checks the settings the executor cannot start without.
func (c *Config) Validate() error {
	var problems []string
	if c.Executor.TickInterval.Duration < minTickInterval {
		problems = append(problems, fmt.Sprintf("executor.tick_interval must be at least %s", minTickInterval))
	}
	switch c.Broker.Mode {
	case "paper":
	case "bridge":
		if c.Broker.BridgeURL == "" {
			problems = append(problems, "broker.bridge_url is required in bridge mode")
		}
	default:
		problems = append(problems, fmt.Sprintf("broker.mode %q is not paper or bridge", c.Broker.Mode))
	}
	switch c.Database.Driver {
	case "none", "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not postgres, sqlite or none", c.Database.Driver))
	}
	switch c.Advisory.Mode {
	case AdvisoryOff, AdvisoryObserve, AdvisoryEnforce:
	default:
		problems = append(problems, fmt.Sprintf("advisory.mode %q is not off, observe or enforce", c.Advisory.Mode))
	}
	if c.Advisory.ConfirmScore > 1 {
		problems = append(problems, "advisory.confirm_score must be within (0, 1]")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Platform.Enabled && c.Platform.URL == "" {
		problems = append(problems, "platform.url is required when platform reporting is enabled")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		problems = append(problems, "redis.address is required when redis is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// PostgresDSN builds the pgx connection string.
func (d DatabaseConfig) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

func setDuration(d *Duration, def time.Duration) {
	if d.Duration <= 0 {
		d.Duration = def
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// GenerateSample writes an example configuration. The format follows the
// file extension.
func GenerateSample(filename string) error {
	cfg := Config{
		Executor: ExecutorConfig{ID: "executor-01"},
		Broker: BrokerConfig{
			Mode:    "paper",
			Symbols: []string{"EURUSD", "GBPUSD", "USDJPY"},
		},
		Server:   ServerConfig{Enabled: true},
		Database: DatabaseConfig{Driver: "sqlite", Path: "executor.db"},
		Advisory: AdvisoryConfig{Mode: AdvisoryObserve, URL: "http://localhost:3000"},
		Logging:  logging.Config{Level: "INFO", Output: "stdout", JSONFormat: true},
	}
	cfg.ApplyDefaults()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
