// Package kafka 提供了与 Kafka 消息队列交互的功能：异步入库任务的投递与消费。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
	"github.com/segmentio/kafka-go"

	"askdocs-go/internal/config"
	"askdocs-go/pkg/log"
	"askdocs-go/pkg/tasks"
)

const maxAttempts = 3

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestTask) error
}

// MessageWriter 是 kafka.Writer 的最小抽象，便于测试替换。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// MessageReader 是消费者组 Reader 的最小抽象。
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AttemptCounter 记录任务失败次数。
type AttemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// Brokers 解析逗号分隔的 broker 列表。
func Brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// NewWriter 为指定主题创建生产者。
func NewWriter(cfg config.KafkaConfig, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(Brokers(cfg)...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
}

// Producer 投递入库任务。
type Producer struct {
	writer MessageWriter
}

// NewProducer 使用给定 writer 创建生产者。
func NewProducer(w MessageWriter) *Producer {
	return &Producer{writer: w}
}

// PublishIngestTask 发送一个入库任务到 Kafka，以 document_id 作为消息键保证同一文档有序。
func (p *Producer) PublishIngestTask(ctx context.Context, task tasks.IngestTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.DocumentID),
		Value: taskBytes,
	})
}

// NewReader 创建消费者组 Reader。
func NewReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  Brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
}

// 任务重试的退避区间，测试中可调小。
var (
	retryInitialInterval = time.Second
	retryMaxInterval     = 10 * time.Second
)

// StartConsumer 消费入库任务直到 ctx 结束或读取失败。
// kafka-go 的 Reader 不会重投未提交的消息，失败的任务在本地按退避重试，最多 3 次，之后无论成败都提交 offset。
func StartConsumer(ctx context.Context, r MessageReader, processor TaskProcessor, attempts AttemptCounter) {
	log.Info("Kafka 消费者已启动")
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}
		log.Infof("收到 Kafka 消息: offset %d", m.Offset)

		if handleMessage(ctx, m, processor, attempts) {
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}

	if err := r.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}

// attemptsKey 按消息位置计数，进程重启后重新拉取到同一条消息时接着计数。
func attemptsKey(m kafka.Message) string {
	return fmt.Sprintf("kafka:attempts:%s:%d:%d", m.Topic, m.Partition, m.Offset)
}

// handleMessage 处理单条消息，返回是否应提交 offset。
// 只有在退避等待中 ctx 结束时返回 false，此时 offset 留给下次启动的消费者。
func handleMessage(ctx context.Context, m kafka.Message, processor TaskProcessor, attempts AttemptCounter) bool {
	var task tasks.IngestTask
	if err := json.Unmarshal(m.Value, &task); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		return true
	}

	key := attemptsKey(m)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxInterval = retryMaxInterval
	policy.RandomizationFactor = 0
	policy.Reset()

	log.Infof("开始处理入库任务: DocumentID=%s, FileName=%s", task.DocumentID, task.FileName)
	for local := int64(1); ; local++ {
		n, err := attempts.Incr(ctx, key)
		if err != nil {
			// 计数不可用时退回本地计数
			log.Warnf("记录尝试次数出错: %v", err)
			n = local
		}
		if n > maxAttempts {
			log.Errorf("入库任务此前已失败 %d 次，提交 offset 放弃: DocumentID=%s", maxAttempts, task.DocumentID)
			break
		}

		err = processor.Process(ctx, task)
		if err == nil {
			log.Infof("入库任务处理成功: DocumentID=%s", task.DocumentID)
			break
		}
		log.Errorf("处理入库任务失败(第 %d 次): DocumentID=%s, Error: %v", n, task.DocumentID, err)
		if n >= maxAttempts {
			log.Errorf("入库任务多次失败(>=%d)，提交 offset 终止重试: DocumentID=%s", maxAttempts, task.DocumentID)
			break
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(policy.NextBackOff()):
		}
	}

	_ = attempts.Reset(ctx, key)
	return true
}

// RedisAttempts 用 Redis 计数器记录失败次数，24 小时后过期。
type RedisAttempts struct {
	rdb *redis.Client
}

// NewRedisAttempts 创建基于 Redis 的计数器。
func NewRedisAttempts(rdb *redis.Client) *RedisAttempts {
	return &RedisAttempts{rdb: rdb}
}

func (a *RedisAttempts) Incr(ctx context.Context, key string) (int64, error) {
	n, err := a.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = a.rdb.Expire(ctx, key, 24*time.Hour).Err()
	return n, nil
}

func (a *RedisAttempts) Reset(ctx context.Context, key string) error {
	return a.rdb.Del(ctx, key).Err()
}

// MemoryAttempts 在未配置 Redis 时使用，计数只在本进程内有效。
type MemoryAttempts struct {
	counts *gocache.Cache
}

// NewMemoryAttempts 创建进程内计数器。
func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{counts: gocache.New(24*time.Hour, time.Hour)}
}

func (a *MemoryAttempts) Incr(_ context.Context, key string) (int64, error) {
	// 键已存在时 Add 返回错误，忽略即可
	_ = a.counts.Add(key, int64(0), gocache.DefaultExpiration)
	return a.counts.IncrementInt64(key, 1)
}

func (a *MemoryAttempts) Reset(_ context.Context, key string) error {
	a.counts.Delete(key)
	return nil
}
