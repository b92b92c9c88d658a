package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Global     GlobalConfig     `mapstructure:"global"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Store      StoreConfig      `mapstructure:"store"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Symbols    []SymbolConfig   `mapstructure:"symbols"`
}

type GlobalConfig struct {
	LogLevel      string `mapstructure:"log_level"`       // 日志级别，可热重载
	LogFile       string `mapstructure:"log_file"`        // 日志文件路径，为空只输出到控制台
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"` // 单个日志文件大小上限
	LogMaxBackups int    `mapstructure:"log_max_backups"` // 保留的旧日志数
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`
	MetricsPort   int    `mapstructure:"metrics_port"` // Prometheus 端口
}

type ExchangeConfig struct {
	ID                    string `mapstructure:"id"`         // 交易所标识，订单主键的一部分
	APIKey                string `mapstructure:"api_key"`    // Binance API Key
	APISecret             string `mapstructure:"api_secret"` // Binance API Secret
	TestNet               bool   `mapstructure:"testnet"`    // 是否使用测试网
	StreamURL             string `mapstructure:"stream_url"`  // 覆盖 combined stream 地址
	CommandURL            string `mapstructure:"command_url"` // 覆盖 WS API 地址
	CommandTimeoutMs      int    `mapstructure:"command_timeout_ms"`
	RecvWindowMs          int64  `mapstructure:"recv_window_ms"`
	ListenKeyKeepAliveSec int    `mapstructure:"listen_key_keepalive_sec"`
	TimeSyncIntervalSec   int    `mapstructure:"time_sync_interval_sec"`
}

type ConnectionConfig struct {
	MaxReconnectAttempts int     `mapstructure:"max_reconnect_attempts"`
	ReconnectDelayMs     int     `mapstructure:"reconnect_delay_ms"`     // 首次重连延迟
	MaxReconnectDelayMs  int     `mapstructure:"max_reconnect_delay_ms"` // 重连延迟上限
	BackoffFactor        float64 `mapstructure:"backoff_factor"`
	PingIntervalSec      int     `mapstructure:"ping_interval_sec"`
	ControlRate          float64 `mapstructure:"control_rate"` // 每秒控制帧上限
	StaleStreamSec       int     `mapstructure:"stale_stream_sec"` // 行情流无数据多久视为假死
	CommandPingSec       int     `mapstructure:"command_ping_sec"` // 命令通道 ping 间隔
}

type StoreConfig struct {
	Driver              string `mapstructure:"driver"` // memory | sqlite3 | pgx
	DSN                 string `mapstructure:"dsn"`
	SnapshotPath        string `mapstructure:"snapshot_path"`     // memory 驱动的快照文件
	SnapshotIntervalSec int    `mapstructure:"snapshot_interval"` // 快照保存间隔 (秒)
	RetryMax            int    `mapstructure:"retry_max"`
	RetryDelayMs        int    `mapstructure:"retry_delay_ms"`
}

type RelayConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr"`
	SendBuffer int    `mapstructure:"send_buffer"`
}

type SymbolConfig struct {
	Symbol     string   `mapstructure:"symbol"`     // 交易对符号 (e.g., BTCUSDT)
	Timeframes []string `mapstructure:"timeframes"` // 启动时订阅的 K 线周期
	Ticker     bool     `mapstructure:"ticker"`     // 是否订阅 24hr ticker
}

var (
	mu           sync.RWMutex
	globalConfig *Config
	reloadHooks  []func(*Config)
	watchOnce    sync.Once
)

func LoadConfig(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("GATEWAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.BindEnv("exchange.api_key", "BINANCE_API_KEY")
	viper.BindEnv("exchange.api_secret", "BINANCE_API_SECRET")
	viper.BindEnv("exchange.testnet", "BINANCE_TESTNET")
	viper.BindEnv("global.log_level", "GATEWAY_LOG_LEVEL")
	viper.BindEnv("global.metrics_port", "GATEWAY_METRICS_PORT")
	viper.BindEnv("store.driver", "GATEWAY_STORE_DRIVER")
	viper.BindEnv("store.dsn", "GATEWAY_STORE_DSN")
	viper.BindEnv("relay.addr", "GATEWAY_RELAY_ADDR")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	mu.Lock()
	globalConfig = &cfg
	mu.Unlock()

	watchOnce.Do(func() { go watchConfig() })

	log.Info().Str("path", path).Msg("配置加载成功")
	return &cfg, nil
}

func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// OnReload 注册热重载回调。连接相关字段在运行中不会生效。
func OnReload(fn func(*Config)) {
	mu.Lock()
	reloadHooks = append(reloadHooks, fn)
	mu.Unlock()
}

func applyDefaults(cfg *Config) {
	if cfg.Global.LogLevel == "" {
		cfg.Global.LogLevel = "info"
	}
	if cfg.Global.LogMaxSizeMB <= 0 {
		cfg.Global.LogMaxSizeMB = 100
	}
	if cfg.Global.LogMaxBackups <= 0 {
		cfg.Global.LogMaxBackups = 5
	}
	if cfg.Global.LogMaxAgeDays <= 0 {
		cfg.Global.LogMaxAgeDays = 7
	}
	if cfg.Exchange.ID == "" {
		cfg.Exchange.ID = "binance"
	}
	if cfg.Exchange.CommandTimeoutMs <= 0 {
		cfg.Exchange.CommandTimeoutMs = 10000
	}
	if cfg.Exchange.ListenKeyKeepAliveSec <= 0 {
		cfg.Exchange.ListenKeyKeepAliveSec = 30 * 60
	}
	if cfg.Exchange.TimeSyncIntervalSec <= 0 {
		cfg.Exchange.TimeSyncIntervalSec = 60
	}
	if cfg.Connection.MaxReconnectAttempts <= 0 {
		cfg.Connection.MaxReconnectAttempts = 10
	}
	if cfg.Connection.ReconnectDelayMs <= 0 {
		cfg.Connection.ReconnectDelayMs = 1000
	}
	if cfg.Connection.MaxReconnectDelayMs <= 0 {
		cfg.Connection.MaxReconnectDelayMs = 30000
	}
	if cfg.Connection.BackoffFactor <= 0 {
		cfg.Connection.BackoffFactor = 2
	}
	if cfg.Connection.PingIntervalSec <= 0 {
		cfg.Connection.PingIntervalSec = 30
	}
	if cfg.Connection.ControlRate <= 0 {
		cfg.Connection.ControlRate = 4
	}
	if cfg.Connection.StaleStreamSec <= 0 {
		cfg.Connection.StaleStreamSec = 60
	}
	if cfg.Connection.CommandPingSec <= 0 {
		cfg.Connection.CommandPingSec = 15
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Store.SnapshotIntervalSec <= 0 {
		cfg.Store.SnapshotIntervalSec = 60
	}
	if cfg.Store.RetryMax <= 0 {
		cfg.Store.RetryMax = 3
	}
	if cfg.Store.RetryDelayMs <= 0 {
		cfg.Store.RetryDelayMs = 100
	}
	if cfg.Relay.Addr == "" {
		cfg.Relay.Addr = ":8090"
	}
	if cfg.Relay.SendBuffer <= 0 {
		cfg.Relay.SendBuffer = 256
	}
	for i := range cfg.Symbols {
		cfg.Symbols[i].Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbols[i].Symbol))
	}
}

func validateConfig(cfg *Config) error {
	applyDefaults(cfg)

	if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" {
		return fmt.Errorf("API Key 和 Secret 不能为空")
	}
	if cfg.Exchange.RecvWindowMs < 0 || cfg.Exchange.RecvWindowMs > 60000 {
		return fmt.Errorf("recv_window_ms 必须在 0-60000 之间")
	}
	if cfg.Connection.MaxReconnectDelayMs < cfg.Connection.ReconnectDelayMs {
		return fmt.Errorf("max_reconnect_delay_ms 必须 >= reconnect_delay_ms")
	}
	if cfg.Connection.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor 必须 >= 1")
	}
	if cfg.Connection.ControlRate > 5 {
		return fmt.Errorf("control_rate 不能超过交易所限制 5/s")
	}

	switch cfg.Store.Driver {
	case "memory":
	case "sqlite3", "pgx":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.driver=%s 需要 dsn", cfg.Store.Driver)
		}
	default:
		return fmt.Errorf("未知的 store.driver: %s", cfg.Store.Driver)
	}

	seen := make(map[string]struct{}, len(cfg.Symbols))
	for i, sym := range cfg.Symbols {
		if sym.Symbol == "" {
			return fmt.Errorf("symbols[%d]: symbol 不能为空", i)
		}
		if _, dup := seen[sym.Symbol]; dup {
			return fmt.Errorf("symbols[%d]: 重复的交易对 %s", i, sym.Symbol)
		}
		seen[sym.Symbol] = struct{}{}
	}

	return nil
}

func watchConfig() {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("检测到配置文件变化，正在重载...")

		var newCfg Config
		if err := viper.Unmarshal(&newCfg); err != nil {
			log.Error().Err(err).Msg("重载配置失败")
			return
		}

		if err := validateConfig(&newCfg); err != nil {
			log.Error().Err(err).Msg("新配置验证失败，保持旧配置")
			return
		}

		mu.Lock()
		globalConfig = &newCfg
		hooks := append(([]func(*Config))(nil), reloadHooks...)
		mu.Unlock()

		for _, fn := range hooks {
			fn(&newCfg)
		}
		log.Info().Msg("配置热重载成功")
	})
}

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Exchange.CommandTimeoutMs) * time.Millisecond
}

func (c *Config) ListenKeyKeepAlive() time.Duration {
	return time.Duration(c.Exchange.ListenKeyKeepAliveSec) * time.Second
}

func (c *Config) TimeSyncInterval() time.Duration {
	return time.Duration(c.Exchange.TimeSyncIntervalSec) * time.Second
}

func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Connection.ReconnectDelayMs) * time.Millisecond
}

func (c *Config) MaxReconnectDelay() time.Duration {
	return time.Duration(c.Connection.MaxReconnectDelayMs) * time.Millisecond
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Connection.PingIntervalSec) * time.Second
}

func (c *Config) StaleStreamThreshold() time.Duration {
	return time.Duration(c.Connection.StaleStreamSec) * time.Second
}

func (c *Config) CommandPingInterval() time.Duration {
	return time.Duration(c.Connection.CommandPingSec) * time.Second
}

func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Store.SnapshotIntervalSec) * time.Second
}

func (c *Config) StoreRetryDelay() time.Duration {
	return time.Duration(c.Store.RetryDelayMs) * time.Millisecond
}

// GetSymbolConfig 按交易对查找，大小写不敏感；未配置返回 nil
func (c *Config) GetSymbolConfig(symbol string) *SymbolConfig {
	for i := range c.Symbols {
		if strings.EqualFold(c.Symbols[i].Symbol, symbol) {
			return &c.Symbols[i]
		}
	}
	return nil
}

func (c *Config) GetAllSymbols() []string {
	symbols := make([]string, len(c.Symbols))
	for i, sym := range c.Symbols {
		symbols[i] = sym.Symbol
	}
	return symbols
}
