package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-security-analyzer/internal/retry"
)

// ErrNotConnected 通道不可用
var ErrNotConnected = errors.New("rabbitmq channel is not open")

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Queue     string
	Prefetch  int           // 预取数量，应与 worker 数量匹配
	Heartbeat time.Duration // 心跳间隔，默认 10 秒
}

// URL 连接地址
func (c *RabbitMQConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.VHost,
	}
	return u.String()
}

// RabbitMQ RabbitMQ 客户端
type RabbitMQ struct {
	config *RabbitMQConfig
	logger *logrus.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	closed    bool
	reconnect chan struct{}
}

// NewRabbitMQ 连接 RabbitMQ 并声明持久化队列
func NewRabbitMQ(config *RabbitMQConfig, logger *logrus.Logger) (*RabbitMQ, error) {
	if config.Prefetch <= 0 {
		config.Prefetch = 1
	}
	if config.Heartbeat == 0 {
		config.Heartbeat = 10 * time.Second
	}

	mq := &RabbitMQ{
		config:    config,
		logger:    logger,
		reconnect: make(chan struct{}, 1),
	}

	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

// connect 建立连接、通道并声明队列
func (mq *RabbitMQ) connect() error {
	conn, err := amqp.DialConfig(mq.config.URL(), amqp.Config{
		Heartbeat: mq.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(mq.config.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if _, err := ch.QueueDeclare(mq.config.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	connNotify := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.mu.Lock()
	mq.conn = conn
	mq.channel = ch
	mq.mu.Unlock()

	go mq.watch(conn, connNotify, chanNotify)

	mq.logger.WithFields(logrus.Fields{
		"host":     mq.config.Host,
		"port":     mq.config.Port,
		"queue":    mq.config.Queue,
		"prefetch": mq.config.Prefetch,
	}).Info("Connected to RabbitMQ")

	return nil
}

// watch 等待连接或通道关闭，非主动关闭时发出重连信号
func (mq *RabbitMQ) watch(conn *amqp.Connection, connNotify, chanNotify <-chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-connNotify:
	case amqpErr = <-chanNotify:
	}

	// 已关闭或已被新连接替换
	mq.mu.RLock()
	stale := mq.closed || mq.conn != conn
	mq.mu.RUnlock()
	if stale {
		return
	}

	if amqpErr != nil {
		mq.logger.WithError(amqpErr).Error("RabbitMQ connection closed unexpectedly")
	} else {
		mq.logger.Warn("RabbitMQ connection closed")
	}

	select {
	case mq.reconnect <- struct{}{}:
	default:
	}
}

// Reconnects 重连信号
func (mq *RabbitMQ) Reconnects() <-chan struct{} {
	return mq.reconnect
}

// Reconnect 关闭旧连接并按指数退避重连
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()

	cfg := &retry.Config{
		MaxAttempts:     10,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        retry.StrategyExponential,
		Logger:          mq.logger,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			mq.logger.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"wait":    wait.String(),
			}).Warn("Failed to reconnect to RabbitMQ")
		},
	}

	if err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		return mq.connect()
	}); err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}

	mq.logger.Info("Successfully reconnected to RabbitMQ")
	return nil
}

func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

func (mq *RabbitMQ) currentChannel() (*amqp.Channel, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.channel == nil || mq.channel.IsClosed() {
		return nil, ErrNotConnected
	}
	return mq.channel, nil
}

// Publish 发布持久化消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	ch, err := mq.currentChannel()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, "", mq.config.Queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return nil, err
	}

	msgs, err := ch.Consume(mq.config.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueDepth 队列中待消费的消息数
func (mq *RabbitMQ) QueueDepth() (int, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return 0, err
	}

	q, err := ch.QueueInspect(mq.config.Queue)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return q.Messages, nil
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
