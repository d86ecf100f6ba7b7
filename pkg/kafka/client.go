// Package kafka 提供了与 Kafka 消息队列交互的功能，用于异步落库审计事件。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"gallery-gateway/internal/config"
	"gallery-gateway/pkg/events"
	"gallery-gateway/pkg/log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// maxAttempts 是单条消息处理失败后允许的重试次数，超过则提交 offset 丢弃。
const maxAttempts = 3

const (
	// 审计投递在请求路径上同步执行，批次不等满就发送
	writerBatchTimeout = 10 * time.Millisecond
	writerMaxAttempts  = 2
	writerBackoffMax   = 100 * time.Millisecond

	defaultPublishTimeout = 2 * time.Second
)

// EventProcessor defines the interface for any service that can persist an audit event.
// This decouples the Kafka consumer from the concrete storage implementation.
type EventProcessor interface {
	Process(ctx context.Context, event events.AuditEvent) error
}

// Producer 把审计事件写入 Kafka。
type Producer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	w := &kafka.Writer{
		Addr:            kafka.TCP(splitBrokers(cfg.Brokers)...),
		Topic:           cfg.Topic,
		Balancer:        &kafka.LeastBytes{},
		BatchTimeout:    writerBatchTimeout,
		MaxAttempts:     writerMaxAttempts,
		WriteBackoffMax: writerBackoffMax,
		ReadTimeout:     timeout,
		WriteTimeout:    timeout,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w, timeout: timeout}
}

// Publish 发送一个审计事件到 Kafka，以资源 ID 作为消息 key 以保持同一资源的顺序。
// 最多等待 PublishTimeout，超时返回错误由调用方改为直接写库。
func (p *Producer) Publish(ctx context.Context, event events.AuditEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.ResourceID),
		Value: value,
	})
}

// Close 关闭底层 writer。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// StartConsumer 启动一个 Kafka 消费者，持续把审计事件交给 processor 落库，直到 ctx 被取消。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor EventProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  splitBrokers(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}

		var event events.AuditEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			commit(ctx, r, m)
			continue
		}

		for attempt := 1; ; attempt++ {
			err := processor.Process(ctx, event)
			if err == nil {
				break
			}
			log.Errorf("处理审计事件失败: id=%s, attempt=%d, error: %v", event.ID, attempt, err)
			if attempt >= maxAttempts || ctx.Err() != nil {
				log.Errorf("审计事件多次失败，提交 offset 终止重试: id=%s", event.ID)
				break
			}
		}
		commit(ctx, r, m)
	}
}

func commit(ctx context.Context, r *kafka.Reader, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
