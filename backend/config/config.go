package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/xerrors"
)

type Config struct {
	Running struct {
		Host           string        `mapstructure:"Host"`
		Port           int           `mapstructure:"Port"`
		MaxConnections int           `mapstructure:"MaxConnections"`
		PingInterval   time.Duration `mapstructure:"PingInterval"`
		// 超过该时间没有任何消息/心跳的参与者会被驱逐
		PresenceTimeout time.Duration `mapstructure:"PresenceTimeout"`
		SubmitTimeout   time.Duration `mapstructure:"SubmitTimeout"`
		EnableCORS      bool          `mapstructure:"EnableCORS"`
	} `mapstructure:"Running"`
	Log struct {
		Level   string `mapstructure:"level"`
		Console bool   `mapstructure:"console"`
	} `mapstructure:"Log"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		// 与鉴权服务共享的 HS256 密钥；为空时关闭鉴权
		Secret string `mapstructure:"secret"`
	} `mapstructure:"Auth"`
	Snapshot struct {
		Interval time.Duration `mapstructure:"interval"`
		// 每个文档保留的快照数
		Keep int `mapstructure:"keep"`
	} `mapstructure:"Snapshot"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Running.Host", "localhost")
	v.SetDefault("Running.Port", 8765)
	v.SetDefault("Running.MaxConnections", 100)
	v.SetDefault("Running.PingInterval", 30*time.Second)
	v.SetDefault("Running.PresenceTimeout", 90*time.Second)
	v.SetDefault("Running.SubmitTimeout", 200*time.Millisecond)
	v.SetDefault("Running.EnableCORS", true)
	v.SetDefault("Log.level", "info")
	v.SetDefault("Log.console", false)
	v.SetDefault("Mysql.dsn", "")
	v.SetDefault("Redis.addrs", []string{})
	v.SetDefault("Redis.password", "")
	v.SetDefault("Kafka.brokers", []string{})
	v.SetDefault("Kafka.topic", "collab.doc-ops")
	v.SetDefault("Auth.secret", "")
	v.SetDefault("Snapshot.interval", 30*time.Second)
	v.SetDefault("Snapshot.keep", 5)
}

// Load 读取配置。path 为空时在默认目录中查找 collabConfig.yaml，找不到则只用默认值；
// 环境变量 COLLAB_RUNNING_PORT 这类形式覆盖文件中的值。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, xerrors.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, xerrors.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var ErrInvalidConfig = errors.New("invalid config")

func (c *Config) validate() error {
	switch {
	case c.Running.Port <= 0 || c.Running.Port > 65535:
		return xerrors.Errorf("Running.Port %d: %w", c.Running.Port, ErrInvalidConfig)
	case c.Running.MaxConnections <= 0:
		return xerrors.Errorf("Running.MaxConnections %d: %w", c.Running.MaxConnections, ErrInvalidConfig)
	case c.Running.PresenceTimeout < 0 || c.Running.PingInterval < 0:
		return xerrors.Errorf("negative heartbeat interval: %w", ErrInvalidConfig)
	case len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "":
		return xerrors.Errorf("Kafka.topic is required with brokers: %w", ErrInvalidConfig)
	}
	return nil
}
