package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull 任务队列已满
var ErrQueueFull = errors.New("job queue is full")

// ErrPoolStopped Worker 池已停止
var ErrPoolStopped = errors.New("worker pool stopped")

// Job 一次 APK 分析任务
type Job struct {
	SessionID string
	APKName   string
	APKPath   string
	resultCh  chan error // 用于同步等待任务完成
}

// Handler 执行单个任务
type Handler func(ctx context.Context, job *Job) error

// Pool Worker 池
type Pool struct {
	workers int
	jobChan chan *Job
	handler Handler
	logger  *logrus.Logger
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	active  int
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, handler Handler, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		workers: workers,
		jobChan: make(chan *Job, queueSize),
		handler: handler,
		logger:  logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case job, ok := <-p.jobChan:
			if !ok {
				p.logger.WithField("worker_id", id).Debug("Job channel closed, worker exiting")
				return
			}
			p.run(ctx, id, job)
		}
	}
}

// run 执行任务，handler 的 panic 转为错误
func (p *Pool) run(ctx context.Context, id int, job *Job) {
	fields := logrus.Fields{
		"worker_id":  id,
		"session_id": job.SessionID,
		"apk_name":   job.APKName,
	}
	p.logger.WithFields(fields).Info("Processing analysis job")

	p.setActive(1)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("analysis job panicked: %v", r)
			}
		}()
		return p.handler(ctx, job)
	}()
	p.setActive(-1)

	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("Analysis job failed")
	} else {
		p.logger.WithFields(fields).Info("Analysis job completed")
	}

	if job.resultCh != nil {
		job.resultCh <- err
		close(job.resultCh)
	}
}

func (p *Pool) setActive(delta int) {
	p.mu.Lock()
	p.active += delta
	p.mu.Unlock()
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobChan <- job:
		p.logger.WithField("session_id", job.SessionID).Debug("Job submitted to pool")
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, job *Job) error {
	job.resultCh = make(chan error, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.jobChan <- job:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-job.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止 Worker 池，等待已入队任务执行完
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobChan)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// QueueSize 队列中等待的任务数
func (p *Pool) QueueSize() int {
	return len(p.jobChan)
}

// Active 正在执行的任务数
func (p *Pool) Active() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}
