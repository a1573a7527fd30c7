package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	RabbitMQ    RabbitMQConfig    `mapstructure:"rabbitmq"`
	Obfuscation ObfuscationConfig `mapstructure:"obfuscation"`
	Decompiler  DecompilerConfig  `mapstructure:"decompiler"`
	Permission  PermissionConfig  `mapstructure:"permission"`
	Session     SessionConfig     `mapstructure:"session"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Log         LogConfig         `mapstructure:"log"`
	UploadDir   string            `mapstructure:"upload_dir"`
	OutputDir   string            `mapstructure:"output_dir"`
	InboundDir  string            `mapstructure:"inbound_dir"` // 为空时不启动目录监听
}

type ServerConfig struct {
	Port          int    `mapstructure:"port"`
	Mode          string `mapstructure:"mode"`           // debug, release
	MaxUploadMB   int    `mapstructure:"max_upload_mb"`  // 上传大小上限
	AllowedOrigin string `mapstructure:"allowed_origin"` // CORS 与 WebSocket 来源
	APIToken      string `mapstructure:"api_token"`      // 非空时 /api 需要 Bearer 令牌
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件路径
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// ObfuscationConfig 混淆检测配置
type ObfuscationConfig struct {
	Workers      int      `mapstructure:"workers"`       // <=0 时使用 CPU 数
	Exclude      []string `mapstructure:"exclude"`       // 排除的相对路径 glob
	ProgressRate float64  `mapstructure:"progress_rate"` // 每秒最多推送进度次数
}

// DecompilerConfig apktool 配置
type DecompilerConfig struct {
	JavaPath    string `mapstructure:"java_path"`
	ApktoolPath string `mapstructure:"apktool_path"` // apktool.jar
	Timeout     int    `mapstructure:"timeout"`      // seconds
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// PermissionConfig 权限参考表配置
type PermissionConfig struct {
	TablePath string `mapstructure:"table_path"` // xlsx
}

// SessionConfig 会话缓存配置
type SessionConfig struct {
	Capacity   int `mapstructure:"capacity"`
	TTLMinutes int `mapstructure:"ttl_minutes"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // 同时分析的 APK 数
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.max_upload_mb", 100)
	v.SetDefault("server.allowed_origin", "*")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "data/analysis.db")
	v.SetDefault("rabbitmq.queue", "apk_analysis")
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("obfuscation.progress_rate", 10)
	v.SetDefault("decompiler.java_path", "java")
	v.SetDefault("decompiler.apktool_path", "ApkTool/apktool.jar")
	v.SetDefault("decompiler.timeout", 600)
	v.SetDefault("decompiler.max_attempts", 2)
	v.SetDefault("permission.table_path", "permission_list.xlsx")
	v.SetDefault("session.capacity", 256)
	v.SetDefault("session.ttl_minutes", 60)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_size", 32)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("upload_dir", "uploads")
	v.SetDefault("output_dir", "decompiled_output")
}

// Load 读取 YAML 配置，环境变量优先
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	v.AutomaticEnv()

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")
	v.BindEnv("rabbitmq.enabled", "RABBITMQ_ENABLED")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	// 工具路径
	v.BindEnv("decompiler.apktool_path", "APKTOOL_PATH")
	v.BindEnv("permission.table_path", "PERMISSION_TABLE")
	v.BindEnv("server.api_token", "API_TOKEN")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return &cfg, nil
}

// Default 不读文件，只使用默认值（命令行工具使用）
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
