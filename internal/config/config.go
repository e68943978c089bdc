// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
// 只有 main 读取它，其余组件通过构造函数拿到各自的子配置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server              ServerConfig              `mapstructure:"server"`
	Database            DatabaseConfig            `mapstructure:"database"`
	JWT                 JWTConfig                 `mapstructure:"jwt"`
	Log                 LogConfig                 `mapstructure:"log"`
	Kafka               KafkaConfig               `mapstructure:"kafka"`
	Tasks               TasksConfig               `mapstructure:"tasks"`
	Tika                TikaConfig                `mapstructure:"tika"`
	OCR                 OCRConfig                 `mapstructure:"ocr"`
	Elasticsearch       ElasticsearchConfig       `mapstructure:"elasticsearch"`
	MinIO               MinIOConfig               `mapstructure:"minio"`
	Storage             StorageConfig             `mapstructure:"storage"`
	LLM                 LLMConfig                 `mapstructure:"llm"`
	Modes               ModesConfig               `mapstructure:"modes"`
	Classifier          ClassifierConfig          `mapstructure:"classifier"`
	ClassificationCache ClassificationCacheConfig `mapstructure:"classification_cache"`
	Context             ContextConfig             `mapstructure:"context"`
	Attachment          AttachmentConfig          `mapstructure:"attachment"`
	Chat                ChatConfig                `mapstructure:"chat"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
	// MaxDeliveryAttempts 是一条任务消息在提交 offset 之前最多被处理的次数。
	MaxDeliveryAttempts int `mapstructure:"max_delivery_attempts"`
}

// TasksConfig 选择抽取任务的调度方式。
type TasksConfig struct {
	// Driver 为 "kafka" 或 "local"。
	Driver    string `mapstructure:"driver"`
	Workers   int    `mapstructure:"workers"`
	QueueSize int    `mapstructure:"queue_size"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string        `mapstructure:"server_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// OCRConfig 存储 tesseract 相关的配置。
type OCRConfig struct {
	TesseractPath string `mapstructure:"tesseract_path"`
	DataPath      string `mapstructure:"data_path"`
	Languages     string `mapstructure:"languages"`
	// MaxConcurrency 限制同时运行的 OCR 进程数。
	MaxConcurrency int64 `mapstructure:"max_concurrency"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// StorageConfig 选择文件存储后端。
type StorageConfig struct {
	// Driver 为 "minio" 或 "local"。
	Driver    string `mapstructure:"driver"`
	LocalRoot string `mapstructure:"local_root"`
}

// LLMConfig 存储大语言模型提供方的连接配置。
type LLMConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	// TitleModel 用于生成会话标题。
	TitleModel string `mapstructure:"title_model"`
}

// ModeProfile 描述一个具体模式（fast / thinking）的调用参数。
type ModeProfile struct {
	Model        string  `mapstructure:"model"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	Temperature  float32 `mapstructure:"temperature"`
	Instructions string  `mapstructure:"instructions"`
}

// ModesConfig 存储各模式的配置。
type ModesConfig struct {
	Fast     ModeProfile `mapstructure:"fast"`
	Thinking ModeProfile `mapstructure:"thinking"`
}

// ClassifierConfig 存储 auto 模式下查询复杂度分类的配置。
type ClassifierConfig struct {
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MinLength int           `mapstructure:"min_length"`
}

// ClassificationCacheConfig 存储分类结果缓存的配置。
type ClassificationCacheConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ContextConfig 存储上下文组装相关的预算配置。
type ContextConfig struct {
	DocumentTokenBudget int     `mapstructure:"document_token_budget"`
	CharsPerToken       float64 `mapstructure:"chars_per_token"`
	TotalCharBudget     int     `mapstructure:"total_char_budget"`
	ImageWindow         int     `mapstructure:"image_window"`
	HistoryLimit        int     `mapstructure:"history_limit"`
}

// AttachmentConfig 存储附件上传与抽取相关的配置。
type AttachmentConfig struct {
	MaxFileSize           int64 `mapstructure:"max_file_size"`
	ThumbnailMaxSide      int   `mapstructure:"thumbnail_max_side"`
	MaxExtractionAttempts int   `mapstructure:"max_extraction_attempts"`
}

// ChatConfig 存储对话编排相关的配置。
type ChatConfig struct {
	PersistAttempts int  `mapstructure:"persist_attempts"`
	EnableWebSearch bool `mapstructure:"enable_web_search"`
	GenerateTitles  bool `mapstructure:"generate_titles"`
	// DuplicateWindow 是重复发送检测时回看的用户消息条数。
	DuplicateWindow int `mapstructure:"duplicate_window"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}

func setDefaults() {
	viper.SetDefault("server.port", "8081")
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("tasks.driver", "local")
	viper.SetDefault("tasks.workers", 4)
	viper.SetDefault("tasks.queue_size", 256)
	viper.SetDefault("kafka.group_id", "better-dev-go-extraction")
	viper.SetDefault("kafka.max_delivery_attempts", 3)
	viper.SetDefault("tika.timeout", 60*time.Second)
	viper.SetDefault("ocr.tesseract_path", "tesseract")
	viper.SetDefault("ocr.languages", "eng")
	viper.SetDefault("ocr.max_concurrency", 2)
	viper.SetDefault("storage.driver", "local")
	viper.SetDefault("storage.local_root", "./data/uploads")
	viper.SetDefault("classifier.timeout", 5*time.Second)
	viper.SetDefault("classifier.min_length", 15)
	viper.SetDefault("classification_cache.capacity", 1000)
	viper.SetDefault("classification_cache.ttl", 5*time.Minute)
	viper.SetDefault("classification_cache.sweep_interval", time.Minute)
	viper.SetDefault("context.document_token_budget", 5000)
	viper.SetDefault("context.chars_per_token", 4.0)
	viper.SetDefault("context.total_char_budget", 100000)
	viper.SetDefault("context.image_window", 3)
	viper.SetDefault("context.history_limit", 100)
	viper.SetDefault("attachment.max_file_size", 20*1024*1024)
	viper.SetDefault("attachment.thumbnail_max_side", 300)
	viper.SetDefault("attachment.max_extraction_attempts", 1)
	viper.SetDefault("chat.persist_attempts", 2)
	viper.SetDefault("chat.generate_titles", true)
	viper.SetDefault("chat.duplicate_window", 1)
}
