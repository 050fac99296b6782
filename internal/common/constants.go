package common

// Environment variable keys
const (
	EnvConfigFile       = "CONFIG_FILE"
	EnvPort             = "PORT"
	EnvMetricsPort      = "METRICS_PORT"
	EnvLogsDir          = "LOGS_DIR"
	EnvAssistantsDir    = "ASSISTANTS_DIR"
	EnvDataPath         = "DATA_PATH"
	EnvStoreBackend     = "STORE_BACKEND"
	EnvWebDir           = "WEB_DIR"
	EnvFeedFile         = "FEED_FILE"
	EnvFeedInterval     = "FEED_INTERVAL"
	EnvFeedPing         = "FEED_PING"
	EnvVWAPWindow       = "VWAP_WINDOW"
	EnvVWAPSize         = "VWAP_SIZE"
	EnvWriteRPS         = "WRITE_RPS"
	EnvWriteBurst       = "WRITE_BURST"
	EnvJournalKeep      = "JOURNAL_KEEP"
	EnvJournalPruneCron = "JOURNAL_PRUNE_CRON"
	EnvStalenessCron    = "STALENESS_CRON"
	EnvLogLevel         = "LOG_LEVEL"
	EnvLogFormat        = "LOG_FORMAT"
	EnvLogFile          = "LOG_FILE"
)

// Configuration defaults
const (
	DefaultPort             = 4000
	DefaultMetricsPort      = 9090
	DefaultLogsDir          = "logs"
	DefaultAssistantsDir    = "assistants"
	DefaultStoreBackend     = BackendFile
	DefaultFeedFile         = "spy_ticks.jsonl"
	DefaultVWAPSize         = 600
	DefaultWriteRPS         = 5.0
	DefaultWriteBurst       = 10
	DefaultJournalKeep      = 1000
	DefaultJournalPruneCron = "0 */10 * * * *"
	DefaultStalenessCron    = "*/15 * * * * *"
	DefaultLogLevel         = "info"
)

// Store backends
const (
	BackendFile = "file"
	BackendBolt = "bolt"
)

// Live feed reconnect policy
const (
	ReconnectStepMillis = 2500
	ReconnectMaxMillis  = 60000
	FeedWindowSize      = 200
)

// Response limits
const (
	RecentLimit       = 10
	TradeLogLimit     = 50
	TradeLogLimitMax  = 1000
	MaxWriteBodyBytes = 64 << 10
	ReinforcementTopN = 12
)

// Common error messages
const (
	ErrMsgNotObject       = "request body must be a JSON object"
	ErrMsgBodyTooLarge    = "request body too large"
	ErrMsgRateLimited     = "too many control writes, slow down"
	ErrMsgJournalDisabled = "control journal requires STORE_BACKEND=bolt or DATA_PATH"
	ErrMsgFallback        = "something went wrong, please refresh"
)
