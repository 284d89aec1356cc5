// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Conf 是全局配置实例，由 Init 填充。
var Conf Config

// Config 是整个应用程序的配置结构体。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Anthropic     AnthropicConfig     `mapstructure:"anthropic"`
	Chunking      ChunkingConfig      `mapstructure:"chunking"`
	VectorStore   VectorStoreConfig   `mapstructure:"vector_store"`
	Ingestion     IngestionConfig     `mapstructure:"ingestion"`
	Query         QueryConfig         `mapstructure:"query"`
	Graph         GraphConfig         `mapstructure:"graph"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
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

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// TikaConfig 存储 Tika 服务器相关的配置，ServerURL 为空时不启用兜底解析。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses   string `mapstructure:"addresses"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	IndexPrefix string `mapstructure:"index_prefix"`
	BatchSize   int    `mapstructure:"batch_size"`
	Workers     int    `mapstructure:"workers"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	Provider       string        `mapstructure:"provider"` // openai | ollama
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	Dimensions     int           `mapstructure:"dimensions"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffMin     time.Duration `mapstructure:"backoff_min"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	Cache          CacheConfig   `mapstructure:"cache"`
}

// CacheConfig 配置 embedding 缓存，backend 为 memory 或 redis。
type CacheConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// LLMConfig 存储主用大语言模型（OpenAI 兼容接口）的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`
}

// AnthropicConfig 是备用生成后端，APIKey 为空时不启用。
type AnthropicConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// LLMGenerationConfig 配置生成相关参数。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示与上下文包裹格式。
type LLMPromptConfig struct {
	Rules        string `mapstructure:"rules"`
	RefStart     string `mapstructure:"ref_start"`
	RefEnd       string `mapstructure:"ref_end"`
	NoResultText string `mapstructure:"no_result_text"`
}

// ChunkingConfig 配置分块参数。
type ChunkingConfig struct {
	MaxTokens      int    `mapstructure:"max_tokens"`
	OverlapTokens  int    `mapstructure:"overlap_tokens"`
	MinChunkTokens int    `mapstructure:"min_chunk_tokens"`
	Tokenizer      string `mapstructure:"tokenizer"` // word | tiktoken
}

// VectorStoreConfig 选择向量索引实现：elasticsearch 或 local。
type VectorStoreConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"data_dir"`
}

// IngestionConfig 配置入库流水线。
type IngestionConfig struct {
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	ProgressRetention time.Duration `mapstructure:"progress_retention"`
	AIEnrichment      bool          `mapstructure:"ai_enrichment"`
}

// QueryConfig 配置查询处理。
type QueryConfig struct {
	MinSimilarity float64 `mapstructure:"min_similarity"`
	MaxSources    int     `mapstructure:"max_sources"`
}

// GraphConfig 配置知识图谱关系提示的投递。
type GraphConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Topic   string `mapstructure:"topic"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "document-ingest")
	v.SetDefault("kafka.group_id", "askdocs-ingest-consumer")
	v.SetDefault("elasticsearch.index_prefix", "askdocs-chunks")
	v.SetDefault("elasticsearch.batch_size", 100)
	v.SetDefault("elasticsearch.workers", 4)
	v.SetDefault("minio.bucket_name", "askdocs")
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 100)
	v.SetDefault("embedding.max_concurrency", 4)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.max_attempts", 3)
	v.SetDefault("embedding.backoff_min", 2*time.Second)
	v.SetDefault("embedding.backoff_max", 10*time.Second)
	v.SetDefault("embedding.cache.backend", "memory")
	v.SetDefault("embedding.cache.ttl", 24*time.Hour)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.generation.temperature", 0.3)
	v.SetDefault("llm.generation.max_tokens", 1024)
	v.SetDefault("anthropic.model", "claude-3-5-haiku-latest")
	v.SetDefault("chunking.max_tokens", 512)
	v.SetDefault("chunking.overlap_tokens", 50)
	v.SetDefault("chunking.min_chunk_tokens", 50)
	v.SetDefault("chunking.tokenizer", "word")
	v.SetDefault("vector_store.backend", "elasticsearch")
	v.SetDefault("vector_store.data_dir", "./data/vectors")
	v.SetDefault("ingestion.max_concurrent", 3)
	v.SetDefault("ingestion.progress_retention", time.Hour)
	v.SetDefault("ingestion.ai_enrichment", true)
	v.SetDefault("query.min_similarity", 0.3)
	v.SetDefault("query.max_sources", 10)
	v.SetDefault("graph.topic", "document-graph-hints")
}

// Load 从指定路径读取 YAML 配置，环境变量 ASKDOCS_* 可覆盖同名键。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("askdocs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return &cfg, nil
}

// Init 加载配置到全局 Conf，失败时 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}
