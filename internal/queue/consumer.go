package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Handler 处理一条分析任务
type Handler func(ctx context.Context, msg *AnalysisMessage) error

// source 消息来源
type source interface {
	Consume() (<-chan amqp.Delivery, error)
	Reconnects() <-chan struct{}
	Reconnect(ctx context.Context) error
}

// Consumer 消息消费者
type Consumer struct {
	mq      source
	handler Handler
	workers int
	logger  *logrus.Logger

	mu         sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	workerWg   sync.WaitGroup

	processed int64
	failed    int64
}

// NewConsumer 创建消费者
func NewConsumer(mq *RabbitMQ, handler Handler, workers int, logger *logrus.Logger) *Consumer {
	return newConsumer(mq, handler, workers, logger)
}

func newConsumer(mq source, handler Handler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		mq:      mq,
		handler: handler,
		workers: workers,
		logger:  logger,
	}
}

// Start 启动消费者，并在连接断开后自动重连恢复消费
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startWorkers(ctx); err != nil {
		return err
	}
	go c.handleReconnect(ctx)
	return nil
}

func (c *Consumer) startWorkers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	msgs, err := c.mq.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.running = true

	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}

	c.logger.WithField("workers", c.workers).Info("Consumer started")
	return nil
}

// worker 工作协程
func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-msgs:
			if !ok {
				c.logger.WithField("worker_id", id).Warn("Delivery channel closed")
				return
			}
			c.processDelivery(ctx, id, delivery)
		}
	}
}

// processDelivery 处理单条消息：成功 Ack，失败 Nack 且不重新入队
func (c *Consumer) processDelivery(ctx context.Context, workerID int, delivery amqp.Delivery) {
	startTime := time.Now()

	msg, err := DecodeMessage(delivery.Body)
	if err != nil {
		c.logger.WithError(err).WithField("worker_id", workerID).Error("Dropping malformed message")
		atomic.AddInt64(&c.failed, 1)
		if err := delivery.Reject(false); err != nil {
			c.logger.WithError(err).Error("Failed to reject message")
		}
		return
	}

	fields := logrus.Fields{
		"worker_id":  workerID,
		"session_id": msg.SessionID,
		"apk_name":   msg.APKName,
	}

	if err := c.handler(ctx, msg); err != nil {
		c.logger.WithError(err).WithFields(fields).Error("Analysis message failed")
		atomic.AddInt64(&c.failed, 1)
		if err := delivery.Nack(false, false); err != nil {
			c.logger.WithError(err).Error("Failed to nack message")
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.WithError(err).Error("Failed to acknowledge message")
	}
	atomic.AddInt64(&c.processed, 1)

	fields["duration_ms"] = time.Since(startTime).Milliseconds()
	c.logger.WithFields(fields).Info("Analysis message processed")
}

// handleReconnect 处理重连
func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.mq.Reconnects():
			c.logger.Warn("Connection lost, attempting to reconnect")
			c.stopWorkers()

			if err := c.mq.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, consumer stopped")
				return
			}
			if err := c.startWorkers(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// stopWorkers 取消 worker 并等待当前消息处理结束
func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	c.workerWg.Wait()
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer")
	c.stopWorkers()
	c.logger.WithFields(logrus.Fields{
		"processed": c.Processed(),
		"failed":    c.Failed(),
	}).Info("Consumer stopped")
}

// IsRunning 检查消费者是否正在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Processed 成功处理的消息数
func (c *Consumer) Processed() int64 { return atomic.LoadInt64(&c.processed) }

// Failed 失败的消息数
func (c *Consumer) Failed() int64 { return atomic.LoadInt64(&c.failed) }
