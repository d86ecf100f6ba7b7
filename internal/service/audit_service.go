package service

import (
	"context"
	"encoding/json"
	"time"

	"gallery-gateway/internal/model"
	"gallery-gateway/internal/repository"
	"gallery-gateway/pkg/events"
	"gallery-gateway/pkg/log"

	"github.com/google/uuid"
)

// EventPublisher 把审计事件投递到消息队列，由 *kafka.Producer 实现。
type EventPublisher interface {
	Publish(ctx context.Context, event events.AuditEvent) error
}

// AuditService 记录经网关成功执行的写操作。Record 永远不会让主请求失败。
type AuditService interface {
	Record(ctx context.Context, event events.AuditEvent)
}

type auditService struct {
	publisher EventPublisher
	auditRepo repository.AuditRepository
}

// NewAuditService 创建审计服务。publisher 为 nil 时直接写库；auditRepo 也为 nil 时只写日志。
func NewAuditService(publisher EventPublisher, auditRepo repository.AuditRepository) AuditService {
	return &auditService{publisher: publisher, auditRepo: auditRepo}
}

// Record 补全事件 ID 与时间，脱敏后写日志，再投递或落库。
func (s *auditService) Record(ctx context.Context, event events.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	event.Details = Redact(event.Details)

	log.Infow("audit",
		"eventId", event.ID,
		"actor", event.Actor,
		"action", event.Action,
		"resourceType", event.ResourceType,
		"resourceId", event.ResourceID,
		"details", event.Details,
	)

	// 请求可能已经结束，投递不跟随请求的取消
	ctx = context.WithoutCancel(ctx)
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, event); err != nil {
			log.Errorw("[AuditService.Record] 投递审计事件失败，改为直接写库", "eventId", event.ID, "error", err)
		} else {
			return
		}
	}
	if s.auditRepo != nil {
		if err := persist(ctx, s.auditRepo, event); err != nil {
			log.Errorw("[AuditService.Record] 审计日志写库失败", "eventId", event.ID, "error", err)
		}
	}
}

// AuditProcessor 实现 kafka.EventProcessor，由消费者调用把事件落库。
type AuditProcessor struct {
	auditRepo repository.AuditRepository
}

// NewAuditProcessor 创建一个新的 AuditProcessor。
func NewAuditProcessor(auditRepo repository.AuditRepository) *AuditProcessor {
	return &AuditProcessor{auditRepo: auditRepo}
}

// Process 把一个审计事件写入 audit_logs。
func (p *AuditProcessor) Process(ctx context.Context, event events.AuditEvent) error {
	return persist(ctx, p.auditRepo, event)
}

func persist(ctx context.Context, repo repository.AuditRepository, event events.AuditEvent) error {
	details := ""
	if len(event.Details) > 0 {
		b, err := json.Marshal(event.Details)
		if err != nil {
			return err
		}
		details = string(b)
	}
	return repo.Create(ctx, &model.AuditLog{
		EventID:      event.ID,
		Actor:        event.Actor,
		Action:       event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		Details:      details,
		CreatedAt:    event.OccurredAt,
	})
}
