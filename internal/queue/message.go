package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrInvalidMessage 消息体无法解析或缺少必填字段
var ErrInvalidMessage = errors.New("invalid analysis message")

// AnalysisMessage 分析任务消息
type AnalysisMessage struct {
	SessionID string `json:"session_id"`
	APKName   string `json:"apk_name"`
	APKPath   string `json:"apk_path"`
}

// Validate 检查必填字段
func (m *AnalysisMessage) Validate() error {
	if m.SessionID == "" || m.APKPath == "" {
		return fmt.Errorf("%w: session_id and apk_path are required", ErrInvalidMessage)
	}
	return nil
}

// DecodeMessage 解析消息体
func DecodeMessage(body []byte) (*AnalysisMessage, error) {
	var msg AnalysisMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Publisher 分析任务发布者
type Publisher interface {
	PublishAnalysis(ctx context.Context, msg *AnalysisMessage) error
}

// broker 原始消息发布
type broker interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	mq     broker
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(mq *RabbitMQ, logger *logrus.Logger) *Producer {
	return &Producer{mq: mq, logger: logger}
}

// PublishAnalysis 发布分析任务
func (p *Producer) PublishAnalysis(ctx context.Context, msg *AnalysisMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.mq.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("session_id", msg.SessionID).Error("Failed to publish analysis")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"session_id": msg.SessionID,
		"apk_name":   msg.APKName,
	}).Info("Analysis published to queue")

	return nil
}
