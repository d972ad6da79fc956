package models

// MConfig Structure
type MConfig struct {
	Name      string           `yaml:"name"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	LogLevel  string           `yaml:"log_level"`
	Storage   MStorageConfig   `yaml:"storage"`
	Bus       MBusConfig       `yaml:"bus"`
	Upstream  MUpstreamConfig  `yaml:"upstream"`
	Registry  MRegistryConfig  `yaml:"registry"`
	Reconcile MReconcileConfig `yaml:"reconcile"`
	Backfill  MBackfillConfig  `yaml:"backfill"`
}

type MStorageConfig struct {
	DBType             string `yaml:"db_type"` // "postgres" or "sqlite"
	DBPath             string `yaml:"db_path"`
	DBConnectionString string `yaml:"db_connection_string"`
}

type MBusConfig struct {
	Backend      string   `yaml:"backend"` // "memory", "redis", "kafka"
	BufferSize   int      `yaml:"buffer_size"`
	RedisAddr    string   `yaml:"redis_addr"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaGroupID string   `yaml:"kafka_group_id"`
}

type MUpstreamConfig struct {
	Accounts       []MAccountConfig `yaml:"accounts"`
	CallTimeout    int              `yaml:"call_timeout_seconds"`
	MaxRetries     int              `yaml:"max_retries"`
	RetryBaseDelay int              `yaml:"retry_base_delay_ms"`
	Simulated      bool             `yaml:"simulated"`
}

type MAccountConfig struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"` // Optional
	Capacity int    `yaml:"capacity"`
}

type MRegistryConfig struct {
	Shards           int `yaml:"shards"`
	HeartbeatTimeout int `yaml:"heartbeat_timeout_seconds"`
	SweepInterval    int `yaml:"sweep_interval_seconds"`
}

type MReconcileConfig struct {
	Interval        int    `yaml:"interval_seconds"`
	StaleThreshold  int    `yaml:"stale_threshold_seconds"`
	MaxRangePerRun  int    `yaml:"max_range_minutes"` // per-cycle backfill cap
	MaxAttempts     int    `yaml:"max_attempts"`
	BackoffBase     int    `yaml:"backoff_base_seconds"`
	DefaultCalendar string `yaml:"default_calendar"` // MIC code, e.g. "xbom"
}

type MBackfillConfig struct {
	BaseURL        string `yaml:"base_url"`
	RequestTimeout int    `yaml:"timeout"`
	MaxRetries     int    `yaml:"retries"`
}
