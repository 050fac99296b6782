package cfg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"qalgo-terminal/internal/common"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidPort    = errors.New("invalid port")
	ErrInvalidBackend = errors.New("invalid store backend")
	ErrInvalidCron    = errors.New("invalid cron spec")
)

type Settings struct {
	Port             int
	MetricsPort      int
	LogsDir          string
	AssistantsDir    string
	DataPath         string
	StoreBackend     string
	WebDir           string
	FeedFile         string
	FeedInterval     time.Duration
	FeedPing         time.Duration
	VWAPWindow       time.Duration
	VWAPSize         int
	WriteRPS         float64
	WriteBurst       int
	JournalKeep      int
	JournalPruneCron string
	StalenessCron    string
	LogLevel         string
	LogFormat        string
	LogFile          string
	Resources        map[string]string
}

type ConfigFile struct {
	Server struct {
		Port        int     `yaml:"port"`
		MetricsPort *int    `yaml:"metricsPort"`
		WebDir      string  `yaml:"webDir"`
		WriteRPS    float64 `yaml:"writeRPS"`
		WriteBurst  int     `yaml:"writeBurst"`
	} `yaml:"server"`

	Files struct {
		LogsDir       string            `yaml:"logsDir"`
		AssistantsDir string            `yaml:"assistantsDir"`
		Resources     map[string]string `yaml:"resources"`
	} `yaml:"files"`

	Store struct {
		Backend     string `yaml:"backend"`
		DataPath    string `yaml:"dataPath"`
		JournalKeep int    `yaml:"journalKeep"`
	} `yaml:"store"`

	Feed struct {
		File       string `yaml:"file"`
		Interval   string `yaml:"interval"`
		Ping       string `yaml:"ping"`
		VWAPWindow string `yaml:"vwapWindow"`
		VWAPSize   int    `yaml:"vwapSize"`
	} `yaml:"feed"`

	Schedule struct {
		JournalPrune string `yaml:"journalPrune"`
		Staleness    string `yaml:"staleness"`
	} `yaml:"schedule"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`
}

// Load reads settings from the YAML file named by CONFIG_FILE when set,
// otherwise from the environment. A .env file in the working directory is
// loaded first; variables already set in the process win.
func Load() (Settings, error) {
	_ = godotenv.Load()

	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	metricsPort := common.DefaultMetricsPort
	if config.Server.MetricsPort != nil {
		metricsPort = *config.Server.MetricsPort
	}

	settings := Settings{
		Port:             getIntFromEnvOrConfig(common.EnvPort, config.Server.Port, common.DefaultPort),
		MetricsPort:      getIntFromEnvOrConfig(common.EnvMetricsPort, metricsPort, metricsPort),
		LogsDir:          getEnvOrDefault(common.EnvLogsDir, orString(config.Files.LogsDir, common.DefaultLogsDir)),
		AssistantsDir:    getEnvOrDefault(common.EnvAssistantsDir, orString(config.Files.AssistantsDir, common.DefaultAssistantsDir)),
		DataPath:         getEnvOrDefault(common.EnvDataPath, config.Store.DataPath),
		StoreBackend:     getEnvOrDefault(common.EnvStoreBackend, orString(config.Store.Backend, common.DefaultStoreBackend)),
		WebDir:           getEnvOrDefault(common.EnvWebDir, config.Server.WebDir),
		FeedFile:         getEnvOrDefault(common.EnvFeedFile, orString(config.Feed.File, common.DefaultFeedFile)),
		FeedInterval:     getDurationFromEnvOrConfig(common.EnvFeedInterval, config.Feed.Interval, 500*time.Millisecond),
		FeedPing:         getDurationFromEnvOrConfig(common.EnvFeedPing, config.Feed.Ping, 15*time.Second),
		VWAPWindow:       getDurationFromEnvOrConfig(common.EnvVWAPWindow, config.Feed.VWAPWindow, 30*time.Second),
		VWAPSize:         getIntFromEnvOrConfig(common.EnvVWAPSize, config.Feed.VWAPSize, common.DefaultVWAPSize),
		WriteRPS:         getFloatFromEnvOrConfig(common.EnvWriteRPS, config.Server.WriteRPS, common.DefaultWriteRPS),
		WriteBurst:       getIntFromEnvOrConfig(common.EnvWriteBurst, config.Server.WriteBurst, common.DefaultWriteBurst),
		JournalKeep:      getIntFromEnvOrConfig(common.EnvJournalKeep, config.Store.JournalKeep, common.DefaultJournalKeep),
		JournalPruneCron: getEnvOrDefault(common.EnvJournalPruneCron, orString(config.Schedule.JournalPrune, common.DefaultJournalPruneCron)),
		StalenessCron:    getEnvOrDefault(common.EnvStalenessCron, orString(config.Schedule.Staleness, common.DefaultStalenessCron)),
		LogLevel:         getEnvOrDefault(common.EnvLogLevel, orString(config.Log.Level, common.DefaultLogLevel)),
		LogFormat:        getEnvOrDefault(common.EnvLogFormat, config.Log.Format),
		LogFile:          getEnvOrDefault(common.EnvLogFile, config.Log.File),
		Resources:        config.Files.Resources,
	}
	if settings.Resources == nil {
		settings.Resources = make(map[string]string)
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		Port:             getIntOrDefault(common.EnvPort, common.DefaultPort),
		MetricsPort:      getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		LogsDir:          getEnvOrDefault(common.EnvLogsDir, common.DefaultLogsDir),
		AssistantsDir:    getEnvOrDefault(common.EnvAssistantsDir, common.DefaultAssistantsDir),
		DataPath:         os.Getenv(common.EnvDataPath), // optional
		StoreBackend:     getEnvOrDefault(common.EnvStoreBackend, common.DefaultStoreBackend),
		WebDir:           os.Getenv(common.EnvWebDir),
		FeedFile:         getEnvOrDefault(common.EnvFeedFile, common.DefaultFeedFile),
		FeedInterval:     getDurationOrDefault(common.EnvFeedInterval, 500*time.Millisecond),
		FeedPing:         getDurationOrDefault(common.EnvFeedPing, 15*time.Second),
		VWAPWindow:       getDurationOrDefault(common.EnvVWAPWindow, 30*time.Second),
		VWAPSize:         getIntOrDefault(common.EnvVWAPSize, common.DefaultVWAPSize),
		WriteRPS:         getFloatOrDefault(common.EnvWriteRPS, common.DefaultWriteRPS),
		WriteBurst:       getIntOrDefault(common.EnvWriteBurst, common.DefaultWriteBurst),
		JournalKeep:      getIntOrDefault(common.EnvJournalKeep, common.DefaultJournalKeep),
		JournalPruneCron: getEnvOrDefault(common.EnvJournalPruneCron, common.DefaultJournalPruneCron),
		StalenessCron:    getEnvOrDefault(common.EnvStalenessCron, common.DefaultStalenessCron),
		LogLevel:         getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		LogFormat:        os.Getenv(common.EnvLogFormat),
		LogFile:          os.Getenv(common.EnvLogFile),
		Resources:        make(map[string]string),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

// FeedPath resolves the tick file against the logs directory.
func (s *Settings) FeedPath() string {
	if filepath.IsAbs(s.FeedFile) {
		return s.FeedFile
	}
	return filepath.Join(s.LogsDir, s.FeedFile)
}

// JournalEnabled reports whether control writes can be journaled.
func (s *Settings) JournalEnabled() bool {
	return s.DataPath != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getFloatFromEnvOrConfig(key string, configValue, defaultValue float64) float64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseFloat(env, 64); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getDurationFromEnvOrConfig(key, configValue string, defaultValue time.Duration) time.Duration {
	if env := os.Getenv(key); env != "" {
		if d, err := time.ParseDuration(env); err == nil {
			return d
		}
	}
	if d, err := time.ParseDuration(configValue); err == nil {
		return d
	}
	return defaultValue
}

func orString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// CronParser accepts standard five-field specs with an optional leading
// seconds field, and descriptors such as @every 30s.
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// validateSettings checks ranges and cross-field constraints
func validateSettings(settings *Settings) error {
	if settings.Port < 1 || settings.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535, got %d", ErrInvalidPort, settings.Port)
	}
	if settings.MetricsPort != 0 {
		if settings.MetricsPort < 1024 || settings.MetricsPort > 65535 {
			return fmt.Errorf("%w: metrics port must be 0 or between 1024 and 65535, got %d", ErrInvalidPort, settings.MetricsPort)
		}
		if settings.MetricsPort == settings.Port {
			return fmt.Errorf("%w: metrics port must differ from port %d", ErrInvalidPort, settings.Port)
		}
	}

	if settings.LogsDir == "" {
		return fmt.Errorf("logs directory cannot be empty")
	}
	if settings.AssistantsDir == "" {
		return fmt.Errorf("assistants directory cannot be empty")
	}

	switch settings.StoreBackend {
	case common.BackendFile:
	case common.BackendBolt:
		if settings.DataPath == "" {
			return fmt.Errorf("%w: bolt backend requires %s", ErrInvalidBackend, common.EnvDataPath)
		}
	default:
		return fmt.Errorf("%w: %q (want %s or %s)", ErrInvalidBackend, settings.StoreBackend, common.BackendFile, common.BackendBolt)
	}

	if settings.FeedInterval < 50*time.Millisecond || settings.FeedInterval > time.Minute {
		return fmt.Errorf("feed interval must be between 50ms and 1m, got %v", settings.FeedInterval)
	}
	if settings.FeedPing < time.Second || settings.FeedPing > 5*time.Minute {
		return fmt.Errorf("feed ping interval must be between 1s and 5m, got %v", settings.FeedPing)
	}
	if settings.VWAPWindow < time.Second || settings.VWAPWindow > time.Hour {
		return fmt.Errorf("VWAP window must be between 1s and 1h, got %v", settings.VWAPWindow)
	}
	if settings.VWAPSize <= 0 || settings.VWAPSize > 10000 {
		return fmt.Errorf("VWAP size must be between 1 and 10000, got %d", settings.VWAPSize)
	}

	if settings.WriteRPS <= 0 {
		return fmt.Errorf("write rate must be positive, got %f", settings.WriteRPS)
	}
	if settings.WriteBurst < 1 {
		return fmt.Errorf("write burst must be at least 1, got %d", settings.WriteBurst)
	}
	if settings.JournalKeep < 1 {
		return fmt.Errorf("journal keep must be at least 1, got %d", settings.JournalKeep)
	}

	if _, err := CronParser.Parse(settings.JournalPruneCron); err != nil {
		return fmt.Errorf("%w: journal prune %q: %v", ErrInvalidCron, settings.JournalPruneCron, err)
	}
	if _, err := CronParser.Parse(settings.StalenessCron); err != nil {
		return fmt.Errorf("%w: staleness %q: %v", ErrInvalidCron, settings.StalenessCron, err)
	}

	switch settings.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("log format must be json or console, got %q", settings.LogFormat)
	}
	return nil
}
