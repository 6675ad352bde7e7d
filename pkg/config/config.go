package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	config       = viper.New()
	configHolder atomic.Value
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	Otel       struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Profiling struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PROFILING"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	TLS struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Path           string `mapstructure:"PATH"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
		LeaseKey    string        `mapstructure:"LEASE_KEY"`
		LeaseTTL    time.Duration `mapstructure:"LEASE_TTL"`
	} `mapstructure:"REDIS"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Inventory  Inventory  `mapstructure:"INVENTORY"`
	Agent      Agent      `mapstructure:"AGENT"`
	SSH        SSH        `mapstructure:"SSH"`
	Dispatcher Dispatcher `mapstructure:"DISPATCHER"`
}

// Inventory configures the monitoring inventory JSON-RPC endpoint.
type Inventory struct {
	URL                string        `mapstructure:"URL"`
	Token              string        `mapstructure:"TOKEN"`
	User               string        `mapstructure:"USER"`
	Password           string        `mapstructure:"PASSWORD"`
	Version            string        `mapstructure:"VERSION"`
	DefaultTemplateID  string        `mapstructure:"DEFAULT_TEMPLATE_ID"`
	DefaultGroupID     string        `mapstructure:"DEFAULT_GROUP_ID"`
	MarkerToken        string        `mapstructure:"MARKER_TOKEN"`
	Timeout            time.Duration `mapstructure:"TIMEOUT"`
	RateLimit          float64       `mapstructure:"RATE_LIMIT"`
	Burst              int           `mapstructure:"BURST"`
	InsecureSkipVerify bool          `mapstructure:"INSECURE_SKIP_VERIFY"`
}

// Agent describes the monitoring agent package and its layout on target hosts.
type Agent struct {
	ServerHost     string `mapstructure:"SERVER_HOST"`
	PackageURL     string `mapstructure:"PACKAGE_URL"`
	LocalPackage   string `mapstructure:"LOCAL_PACKAGE"`
	PackageObject  string `mapstructure:"PACKAGE_OBJECT"`
	CacheDir       string `mapstructure:"CACHE_DIR"`
	InstallDir     string `mapstructure:"INSTALL_DIR"`
	UnitName       string `mapstructure:"UNIT_NAME"`
	ProcessPattern string `mapstructure:"PROCESS_PATTERN"`
	RemoteTmp      string `mapstructure:"REMOTE_TMP"`
	Port           int    `mapstructure:"PORT"`
	JMXPort        int    `mapstructure:"JMX_PORT"`
}

type SSH struct {
	User           string        `mapstructure:"USER"`
	Password       string        `mapstructure:"PASSWORD"`
	KeyPath        string        `mapstructure:"KEY_PATH"`
	Port           int           `mapstructure:"PORT"`
	ConnectTimeout time.Duration `mapstructure:"CONNECT_TIMEOUT"`
	CommandTimeout time.Duration `mapstructure:"COMMAND_TIMEOUT"`
}

type Dispatcher struct {
	Concurrency        int           `mapstructure:"CONCURRENCY"`
	PollInterval       time.Duration `mapstructure:"POLL_INTERVAL"`
	CancelPollInterval time.Duration `mapstructure:"CANCEL_POLL_INTERVAL"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

var defaults = map[string]any{
	"APP_ENV":     "development",
	"APP_NAME":    "agent-provisioner",
	"APP_VERSION": "dev",
	"NODE_ID":     1,

	"OTEL.ADDR":      "",
	"PROFILING.ADDR": "",

	"HTTP_SERVER.ADDR":          "8080",
	"HTTP_SERVER.READ_TIMEOUT":  "15s",
	"HTTP_SERVER.WRITE_TIMEOUT": "30s",
	"HTTP_SERVER.IDLE_TIMEOUT":  "60s",

	"TLS.ENABLE":    false,
	"TLS.CERT_PATH": "",
	"TLS.KEY_PATH":  "",

	"DATABASE.TYPE":     "sqlite",
	"DATABASE.PATH":     "provisioner.db",
	"DATABASE.HOST":     "",
	"DATABASE.PORT":     "",
	"DATABASE.DBNAME":   "",
	"DATABASE.USER":     "",
	"DATABASE.PASSWORD": "",
	"DATABASE.SSLMODE":  "disable",
	"DATABASE.TIMEZONE": "UTC",
	"DATABASE.METRICS":  false,

	"DATABASE.CONNECTION_POOL.MAX_IDLE_CONN":      2,
	"DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS":     10,
	"DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME":  "1h",
	"DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME": "10m",

	"REDIS.ADDR":         "",
	"REDIS.PASSWORD":     "",
	"REDIS.DB":           0,
	"REDIS.POOL_SIZE":    10,
	"REDIS.POOL_TIMEOUT": "5s",
	"REDIS.LEASE_KEY":    "",
	"REDIS.LEASE_TTL":    "30s",

	"MINIO.ENDPOINT":    "",
	"MINIO.ACCESS_KEY":  "",
	"MINIO.SECRET_KEY":  "",
	"MINIO.SECURE":      false,
	"MINIO.BUCKET_NAME": "",

	"INVENTORY.URL":                  "",
	"INVENTORY.TOKEN":                "",
	"INVENTORY.USER":                 "",
	"INVENTORY.PASSWORD":             "",
	"INVENTORY.VERSION":              "6.4",
	"INVENTORY.DEFAULT_TEMPLATE_ID":  "",
	"INVENTORY.DEFAULT_GROUP_ID":     "1",
	"INVENTORY.MARKER_TOKEN":         "jmx",
	"INVENTORY.TIMEOUT":              "15s",
	"INVENTORY.RATE_LIMIT":           0,
	"INVENTORY.BURST":                1,
	"INVENTORY.INSECURE_SKIP_VERIFY": false,

	"AGENT.SERVER_HOST":     "",
	"AGENT.PACKAGE_URL":     "",
	"AGENT.LOCAL_PACKAGE":   "",
	"AGENT.PACKAGE_OBJECT":  "",
	"AGENT.CACHE_DIR":       "/var/cache/agent-provisioner",
	"AGENT.INSTALL_DIR":     "/opt/zabbix-agent2",
	"AGENT.UNIT_NAME":       "zabbix-agent.service",
	"AGENT.PROCESS_PATTERN": "zabbix_agent",
	"AGENT.REMOTE_TMP":      "/tmp/zabbix-agent2.tgz",
	"AGENT.PORT":            10050,
	"AGENT.JMX_PORT":        10052,

	"SSH.USER":            "root",
	"SSH.PASSWORD":        "",
	"SSH.KEY_PATH":        "",
	"SSH.PORT":            22,
	"SSH.CONNECT_TIMEOUT": "15s",
	"SSH.COMMAND_TIMEOUT": "10m",

	"DISPATCHER.CONCURRENCY":          5,
	"DISPATCHER.POLL_INTERVAL":        "2s",
	"DISPATCHER.CANCEL_POLL_INTERVAL": "1s",
}

// BindFlags exposes command line flags (notably --config) to the loader.
func BindFlags(fs *pflag.FlagSet) error {
	return config.BindPFlags(fs)
}

// LoadConfig reads config.yaml (or --config) layered under the environment and
// starts watching the file so Current reflects later edits.
func LoadConfig() (*Config, error) {
	cfg, err := load(config, config.GetString("config"))
	if err != nil {
		return nil, err
	}
	configHolder.Store(cfg)

	if config.ConfigFileUsed() != "" {
		config.OnConfigChange(func(e fsnotify.Event) {
			var next Config
			if err := config.Unmarshal(&next); err != nil {
				zap.L().Error("[Config] failed to reload config", zap.String("file", e.Name), zap.Error(err))
				return
			}
			configHolder.Store(&next)
			zap.L().Info("[Config] config reloaded", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		})
		config.WatchConfig()
	}

	return cfg, nil
}

// Current returns the most recently loaded config, or nil before LoadConfig.
func Current() *Config {
	cfg, _ := configHolder.Load().(*Config)
	return cfg
}

func load(v *viper.Viper, file string) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, err
		}
		zap.L().Warn("[Config] config.yaml not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
