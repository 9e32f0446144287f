// Package config defines all configuration for the hive process.
// Values are resolved from CLI flags, HIVE_* environment variables, and an
// optional YAML file, in that precedence order. Secrets (private key, admin
// token, database DSN) are normally injected through the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"hyperhive/pkg/types"
)

// Config is the top-level configuration for one hive instance.
type Config struct {
	Port     int           `mapstructure:"port"`
	Trading  bool          `mapstructure:"trading"` // false = dry run, orders acked locally
	Network  types.Network `mapstructure:"network"`
	Monitor  bool          `mapstructure:"monitor"`
	BotName  string        `mapstructure:"bot_name"`
	HiveID   string        `mapstructure:"hive_id"` // stable id; generated when empty
	Wallet   WalletConfig  `mapstructure:"wallet"`
	Venue    VenueConfig   `mapstructure:"venue"`
	API      APIConfig     `mapstructure:"api"`
	Sched    SchedConfig   `mapstructure:"scheduler"`
	Gateway  GatewayConfig `mapstructure:"gateway"`
	Hub      HubConfig     `mapstructure:"hub"`
	Risk     RiskConfig    `mapstructure:"risk"`
	Store    StoreConfig   `mapstructure:"store"`
	Logging  LoggingConfig `mapstructure:"logging"`
	Manager  ManagerConfig `mapstructure:"manager"`
	Shutdown time.Duration `mapstructure:"shutdown_grace"` // intent drain window on exit
}

// WalletConfig holds the delegated agent credential. PrivateKey signs venue
// actions; MainAddress is the approving account the agent acts for. The main
// account's key never enters the process.
type WalletConfig struct {
	PrivateKey  string `mapstructure:"private_key"`
	MainAddress string `mapstructure:"main_address"`
}

// VenueConfig holds venue endpoints. Empty URLs are derived from Network.
type VenueConfig struct {
	RESTBaseURL     string        `mapstructure:"rest_base_url"`
	WSURL           string        `mapstructure:"ws_url"`
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
	OrderAckTimeout time.Duration `mapstructure:"order_ack_timeout"`
}

// APIConfig controls the HTTP control plane.
type APIConfig struct {
	BasePath           string        `mapstructure:"base_path"`
	AdminToken         string        `mapstructure:"admin_token"`
	AuthFreshnessCheck bool          `mapstructure:"auth_freshness_check"` // deployment toggle, off by default
	AuthWindow         time.Duration `mapstructure:"auth_window"`
	AllowedOrigins     []string      `mapstructure:"allowed_origins"`
}

// SchedConfig tunes the strategy tick loop.
type SchedConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	SoftBudget    time.Duration `mapstructure:"soft_budget"`    // per-callback budget before backoff
	BudgetPenalty int           `mapstructure:"budget_penalty"` // ticks skipped after an overrun
	StaleAfter    time.Duration `mapstructure:"stale_after"`    // book freshness bound (strict)
	CloseDeadline time.Duration `mapstructure:"close_deadline"`
}

// GatewayConfig bounds the outbound order path.
type GatewayConfig struct {
	GlobalOrdersPerSecond   float64       `mapstructure:"global_orders_per_second"`
	StrategyOrdersPerSecond float64       `mapstructure:"strategy_orders_per_second"`
	MaxInflightOrders       int           `mapstructure:"max_inflight_orders"`
	QueueCap                int           `mapstructure:"queue_cap"`
	RetryDelay              time.Duration `mapstructure:"retry_delay"` // single transient re-queue
	Workers                 int           `mapstructure:"workers"`
}

// HubConfig tunes the market data hub.
type HubConfig struct {
	LingerWindow  time.Duration `mapstructure:"linger_window"` // keep upstream alive after last unsubscribe
	BookDepth     int           `mapstructure:"book_depth"`
	CandleHistory int           `mapstructure:"candle_history"`
}

// RiskConfig sets the gates applied before a strategy may create orders.
type RiskConfig struct {
	MaxPositionNotional float64 `mapstructure:"max_position_notional"` // quote units per strategy
	MarginFloor         float64 `mapstructure:"margin_floor"`          // min available margin fraction
}

// StoreConfig selects persistence. DatabaseURL enables the Postgres store;
// otherwise state is snapshotted to JSON files under DataDir.
type StoreConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
	DataDir     string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ManagerConfig controls heartbeats to the manager dashboard and how long a
// bot may stay silent before the local /bots listing reports it offline.
type ManagerConfig struct {
	DashboardURL      string        `mapstructure:"dashboard_url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	OfflineAfter      time.Duration `mapstructure:"offline_after"`
}

// RegisterFlags declares the CLI surface on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("port", 8700, "control plane HTTP port")
	fs.Bool("trading", false, "enable live trading (default: dry run)")
	fs.String("private-key", "", "delegated agent private key hex (or HIVE_PRIVATE_KEY)")
	fs.String("network", "mainnet", "venue network: mainnet or testnet")
	fs.String("dashboard-url", "", "manager dashboard base URL for heartbeats")
	fs.Bool("monitor", false, "log a periodic status summary")
	fs.String("config", "", "optional YAML config file")
}

// Load resolves the configuration from flags, environment, and the optional
// config file.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		"port":                  "port",
		"trading":               "trading",
		"network":               "network",
		"monitor":               "monitor",
		"wallet.private_key":    "private-key",
		"manager.dashboard_url": "dashboard-url",
	} {
		if f := fs.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}

	setDefaults(v)

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Flat env names for secrets, independent of the nested keys.
	if key := os.Getenv("HIVE_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if addr := os.Getenv("HIVE_MAIN_ADDRESS"); addr != "" {
		cfg.Wallet.MainAddress = addr
	}
	if tok := os.Getenv("HIVE_ADMIN_TOKEN"); tok != "" {
		cfg.API.AdminToken = tok
	}
	if dsn := os.Getenv("HIVE_DATABASE_URL"); dsn != "" {
		cfg.Store.DatabaseURL = dsn
	}

	if cfg.HiveID == "" {
		cfg.HiveID = uuid.NewString()
	}

	cfg.applyNetworkDefaults()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8700)
	v.SetDefault("trading", false)
	v.SetDefault("network", string(types.NetworkMainnet))
	v.SetDefault("monitor", false)
	v.SetDefault("bot_name", "hive")
	v.SetDefault("shutdown_grace", 10*time.Second)

	v.SetDefault("venue.http_timeout", 10*time.Second)
	v.SetDefault("venue.order_ack_timeout", 5*time.Second)

	v.SetDefault("api.base_path", "/api/v1")
	v.SetDefault("api.auth_freshness_check", false)
	v.SetDefault("api.auth_window", 5*time.Minute)

	v.SetDefault("scheduler.tick_interval", time.Second)
	v.SetDefault("scheduler.soft_budget", 20*time.Millisecond)
	v.SetDefault("scheduler.budget_penalty", 2)
	v.SetDefault("scheduler.stale_after", 5*time.Second)
	v.SetDefault("scheduler.close_deadline", 30*time.Second)

	v.SetDefault("gateway.global_orders_per_second", 20.0)
	v.SetDefault("gateway.strategy_orders_per_second", 10.0)
	v.SetDefault("gateway.max_inflight_orders", 40)
	v.SetDefault("gateway.queue_cap", 64)
	v.SetDefault("gateway.retry_delay", 250*time.Millisecond)
	v.SetDefault("gateway.workers", 4)

	v.SetDefault("hub.linger_window", 10*time.Second)
	v.SetDefault("hub.book_depth", 20)
	v.SetDefault("hub.candle_history", 500)

	v.SetDefault("risk.max_position_notional", 100000.0)
	v.SetDefault("risk.margin_floor", 0.05)

	v.SetDefault("store.data_dir", "data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("manager.heartbeat_interval", 30*time.Second)
	v.SetDefault("manager.offline_after", 2*time.Minute)
}

// applyNetworkDefaults fills venue endpoints from the selected network when
// they were not set explicitly.
func (c *Config) applyNetworkDefaults() {
	if c.Venue.RESTBaseURL != "" && c.Venue.WSURL != "" {
		return
	}
	host := "api.hyperliquid.xyz"
	if c.Network == types.NetworkTestnet {
		host = "api.hyperliquid-testnet.xyz"
	}
	if c.Venue.RESTBaseURL == "" {
		c.Venue.RESTBaseURL = "https://" + host
	}
	if c.Venue.WSURL == "" {
		c.Venue.WSURL = "wss://" + host + "/ws"
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d outside [1, 65535]", c.Port)
	}
	if c.Network != types.NetworkMainnet && c.Network != types.NetworkTestnet {
		return fmt.Errorf("network must be mainnet or testnet, got %q", c.Network)
	}
	if c.Trading && c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required for live trading (set HIVE_PRIVATE_KEY)")
	}
	if !strings.HasPrefix(c.API.BasePath, "/") {
		return fmt.Errorf("api.base_path must start with /")
	}
	if c.Sched.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be > 0")
	}
	if c.Sched.StaleAfter <= 0 {
		return fmt.Errorf("scheduler.stale_after must be > 0")
	}
	if c.Gateway.GlobalOrdersPerSecond <= 0 {
		return fmt.Errorf("gateway.global_orders_per_second must be > 0")
	}
	if c.Gateway.StrategyOrdersPerSecond <= 0 {
		return fmt.Errorf("gateway.strategy_orders_per_second must be > 0")
	}
	if c.Gateway.QueueCap < 1 {
		return fmt.Errorf("gateway.queue_cap must be >= 1")
	}
	if c.Gateway.Workers < 1 {
		return fmt.Errorf("gateway.workers must be >= 1")
	}
	if c.Hub.BookDepth < 1 || c.Hub.BookDepth > 100 {
		return fmt.Errorf("hub.book_depth %d outside [1, 100]", c.Hub.BookDepth)
	}
	if c.Risk.MarginFloor < 0 || c.Risk.MarginFloor >= 1 {
		return fmt.Errorf("risk.margin_floor must be within [0, 1)")
	}
	if c.Manager.HeartbeatInterval <= 0 {
		return fmt.Errorf("manager.heartbeat_interval must be > 0")
	}
	if c.Store.DatabaseURL == "" && c.Store.DataDir == "" {
		return fmt.Errorf("store requires database_url or data_dir")
	}
	return nil
}
