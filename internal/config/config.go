// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Source        ChainConfig        `mapstructure:"source"`
	Destination   ChainConfig        `mapstructure:"destination"`
	RPC           RPCConfig          `mapstructure:"rpc"`
	Voucher       VoucherConfig      `mapstructure:"voucher"`
	Storage       StorageConfig      `mapstructure:"storage"`
	Monitor       MonitorConfig      `mapstructure:"monitor"`
	Processor     ProcessorConfig    `mapstructure:"processor"`
	Registry      RegistryConfig     `mapstructure:"registry"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Server        ServerConfig       `mapstructure:"server"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ChainConfig describes one side of the bridge
type ChainConfig struct {
	RPCURL        string   `mapstructure:"rpc_url"`
	BackupURLs    []string `mapstructure:"backup_urls"`
	ChainID       uint64   `mapstructure:"chain_id"`
	BridgeAddress string   `mapstructure:"bridge_address"`
	// Typed-data domain of the contracts that verify vouchers on this chain
	DomainName    string `mapstructure:"domain_name"`
	DomainVersion string `mapstructure:"domain_version"`
}

// RPCConfig contains settings shared by both chain connections
type RPCConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
}

// VoucherConfig contains voucher issuance configuration
type VoucherConfig struct {
	PrivateKey    string        `mapstructure:"private_key"`
	Workers       int           `mapstructure:"workers"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	// Consecutive failures for one voucher before the operator is alerted
	AlertAfter int `mapstructure:"alert_after"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
	ConflictRetries  int           `mapstructure:"conflict_retries"`
}

// MonitorConfig contains chain watcher configuration
type MonitorConfig struct {
	EnableWebSocket      bool          `mapstructure:"enable_websocket"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	ResyncInterval       time.Duration `mapstructure:"resync_interval"`
	MaxBlockRange        uint64        `mapstructure:"max_block_range"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval"`
	DegradedAfter        int           `mapstructure:"degraded_after"`
}

// ProcessorConfig contains reconciliation configuration
type ProcessorConfig struct {
	Workers           int           `mapstructure:"workers"`
	OutOfOrderRetries int           `mapstructure:"out_of_order_retries"`
	OutOfOrderDelay   time.Duration `mapstructure:"out_of_order_delay"`
	ProcessTimeout    time.Duration `mapstructure:"process_timeout"`
}

// RegistryConfig contains token registry configuration
type RegistryConfig struct {
	ResolveInterval time.Duration `mapstructure:"resolve_interval"`
}

// NotificationConfig contains notification system configuration
type NotificationConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	// Set environment variable prefix
	viper.SetEnvPrefix("BRIDGE_RELAYER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("Config file not found, using defaults and environment variables")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Override with conventional environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}
	if key := os.Getenv("RELAYER_PRIVATE_KEY"); key != "" && config.Voucher.PrivateKey == "" {
		config.Voucher.PrivateKey = key
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// App defaults
	viper.SetDefault("app.name", "bridge-relayer")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)

	// Chain defaults
	viper.SetDefault("source.domain_name", "LMTBridge")
	viper.SetDefault("source.domain_version", "1")
	viper.SetDefault("destination.domain_name", "WrappedToken")
	viper.SetDefault("destination.domain_version", "1")

	// RPC defaults
	viper.SetDefault("rpc.requests_per_second", 20)
	viper.SetDefault("rpc.request_timeout", "30s")
	viper.SetDefault("rpc.retry_attempts", 3)
	viper.SetDefault("rpc.retry_delay", "2s")

	// Voucher defaults
	viper.SetDefault("voucher.workers", 2)
	viper.SetDefault("voucher.retry_interval", "30s")
	viper.SetDefault("voucher.alert_after", 5)

	// Storage defaults
	viper.SetDefault("storage.type", "sqlite")
	viper.SetDefault("storage.connection_string", "./data/relayer.db")
	viper.SetDefault("storage.max_connections", 25)
	viper.SetDefault("storage.max_idle_time", "15m")
	viper.SetDefault("storage.conflict_retries", 10)

	// Monitor defaults
	viper.SetDefault("monitor.enable_websocket", true)
	viper.SetDefault("monitor.poll_interval", "15s")
	viper.SetDefault("monitor.resync_interval", "5m")
	viper.SetDefault("monitor.max_block_range", 2000)
	viper.SetDefault("monitor.retry_initial_interval", "1s")
	viper.SetDefault("monitor.retry_max_interval", "1m")
	viper.SetDefault("monitor.degraded_after", 5)

	// Processor defaults
	viper.SetDefault("processor.workers", 4)
	viper.SetDefault("processor.out_of_order_retries", 5)
	viper.SetDefault("processor.out_of_order_delay", "2s")
	viper.SetDefault("processor.process_timeout", "30s")

	// Registry defaults
	viper.SetDefault("registry.resolve_interval", "10s")

	// Notification defaults
	viper.SetDefault("notifications.enabled", true)
	viper.SetDefault("notifications.timeout", "10s")
	viper.SetDefault("notifications.max_retries", 3)

	// Server defaults
	viper.SetDefault("server.port", 8081)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "10s")
	viper.SetDefault("server.enable_metrics", true)
	viper.SetDefault("server.enable_health", true)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Source.validate("source", true); err != nil {
		return err
	}
	if err := c.Destination.validate("destination", false); err != nil {
		return err
	}
	if c.Source.ChainID == c.Destination.ChainID {
		return fmt.Errorf("source and destination chain IDs must differ")
	}
	if c.Voucher.PrivateKey == "" {
		return fmt.Errorf("voucher private key is required")
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	if c.Storage.Type != "sqlite" && c.Storage.Type != "postgres" {
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor poll interval must be positive")
	}
	if c.Monitor.MaxBlockRange == 0 {
		return fmt.Errorf("monitor max block range must be positive")
	}
	if c.Processor.Workers <= 0 {
		return fmt.Errorf("processor workers must be positive")
	}
	if c.Voucher.Workers <= 0 {
		return fmt.Errorf("voucher workers must be positive")
	}
	if c.RPC.RequestsPerSecond < 0 {
		return fmt.Errorf("rpc requests per second must not be negative")
	}
	return nil
}

func (c ChainConfig) validate(name string, bridgeRequired bool) error {
	if c.RPCURL == "" {
		return fmt.Errorf("%s rpc url is required", name)
	}
	if c.ChainID == 0 {
		return fmt.Errorf("%s chain id is required", name)
	}
	if c.BridgeAddress == "" {
		if bridgeRequired {
			return fmt.Errorf("%s bridge address is required", name)
		}
	} else if !common.IsHexAddress(c.BridgeAddress) {
		return fmt.Errorf("%s bridge address is invalid: %s", name, c.BridgeAddress)
	}
	if c.DomainName == "" || c.DomainVersion == "" {
		return fmt.Errorf("%s typed-data domain name and version are required", name)
	}
	return nil
}

// Bridge returns the parsed bridge address, or the zero address when unset
func (c ChainConfig) Bridge() common.Address {
	if c.BridgeAddress == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.BridgeAddress)
}
