// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
	"github.com/hemant/titanbroker/internal/log"
	"github.com/hemant/titanbroker/internal/rdb"
)

// ErrRejectMessage can be returned by a Handler to dead-letter the message
// right away, regardless of the retries it has left.
var ErrRejectMessage = errors.New("reject message")

type processor struct {
	logger *log.Logger
	broker *broker

	queue      base.QueueRef
	group      string
	consumerID string

	handler   Handler
	baseCtxFn func() context.Context

	fetchInterval  time.Duration
	consumeTimeout time.Duration
	leaseDuration  time.Duration

	retryDelayFunc RetryDelayFunc
	errHandler     ErrorHandler

	// rate limiter to prevent spamming logs with a bunch of errors.
	errLogLimiter *rate.Limiter

	// sema is a counting semaphore to ensure the number of active workers
	// does not exceed the limit.
	sema chan struct{}

	// channel to communicate back to the long running "processor" goroutine.
	// once is used to send value to the channel only once.
	done chan struct{}
	once sync.Once

	// quit channel is closed when the shutdown of the "processor" goroutine starts.
	quit chan struct{}

	// abort channel communicates to the in-flight worker goroutines to stop.
	abort chan struct{}

	shutdownTimeout time.Duration

	starting chan<- *workerInfo
	finished chan<- *base.Message
}

type processorParams struct {
	logger          *log.Logger
	broker          *broker
	queue           base.QueueRef
	group           string
	consumerID      string
	concurrency     int
	baseCtxFn       func() context.Context
	fetchInterval   time.Duration
	consumeTimeout  time.Duration
	leaseDuration   time.Duration
	retryDelayFunc  RetryDelayFunc
	errHandler      ErrorHandler
	shutdownTimeout time.Duration
	starting        chan<- *workerInfo
	finished        chan<- *base.Message
}

// newProcessor constructs a new processor.
func newProcessor(params processorParams) *processor {
	return &processor{
		logger:          params.logger,
		broker:          params.broker,
		queue:           params.queue,
		group:           params.group,
		consumerID:      params.consumerID,
		baseCtxFn:       params.baseCtxFn,
		fetchInterval:   params.fetchInterval,
		consumeTimeout:  params.consumeTimeout,
		leaseDuration:   params.leaseDuration,
		retryDelayFunc:  params.retryDelayFunc,
		errHandler:      params.errHandler,
		errLogLimiter:   rate.NewLimiter(rate.Every(3*time.Second), 1),
		sema:            make(chan struct{}, params.concurrency),
		done:            make(chan struct{}),
		quit:            make(chan struct{}),
		abort:           make(chan struct{}),
		shutdownTimeout: params.shutdownTimeout,
		starting:        params.starting,
		finished:        params.finished,
	}
}

// Note: stops only the "processor" goroutine, does not stop workers.
// It's safe to call this method multiple times.
func (p *processor) stop() {
	p.once.Do(func() {
		p.logger.Debugf("Processor of %s shutting down...", p.target())
		// Unblock if processor is waiting for sema token.
		close(p.quit)
		// Signal the processor goroutine to stop processing messages
		// from the queue.
		p.done <- struct{}{}
	})
}

// NOTE: once shutdown, processor cannot be re-started.
func (p *processor) shutdown() {
	p.stop()

	time.AfterFunc(p.shutdownTimeout, func() { close(p.abort) })

	p.logger.Infof("Waiting for all workers of %s to finish...", p.target())
	// block until all workers have released the token
	for i := 0; i < cap(p.sema); i++ {
		p.sema <- struct{}{}
	}
	p.logger.Infof("All workers of %s have finished", p.target())
}

func (p *processor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-p.done:
				p.logger.Debugf("Processor of %s done", p.target())
				return
			default:
				p.exec()
			}
		}
	}()
}

func (p *processor) target() string {
	if p.group == "" {
		return p.queue.String()
	}
	return p.queue.String() + "/" + p.group
}

// exec pulls a message out of the queue and starts a worker goroutine to
// process the message.
func (p *processor) exec() {
	select {
	case <-p.quit:
		return
	case p.sema <- struct{}{}: // acquire token
		now := p.broker.clock.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		msg, err := p.broker.rdb.Fetch(ctx, p.queue, p.group, p.consumerID, now.Add(p.leaseDuration))
		cancel()
		switch {
		case errors.IsRateLimited(err):
			var rl *errors.RateLimitedError
			errors.As(err, &rl)
			p.logger.Debugf("Queue %s is rate limited, retrying in %v", p.queue, rl.RetryAfter)
			p.sleep(rl.RetryAfter)
			<-p.sema // release token
			return
		case errors.Is(err, errors.ErrOperationForbidden):
			// Queue is not up. Wait for it to come back.
			p.sleep(p.fetchInterval)
			<-p.sema
			return
		case err != nil:
			if p.errLogLimiter.Allow() {
				p.logger.Errorf("Fetch error on %s: %v", p.target(), err)
			}
			p.sleep(p.fetchInterval)
			<-p.sema
			return
		case msg == nil:
			// Sleep to avoid slamming redis and let scheduler move
			// scheduled messages into the queue.
			p.sleep(p.fetchInterval)
			<-p.sema
			return
		}

		p.starting <- &workerInfo{msg: msg, started: now, consumerID: p.consumerID}
		go func() {
			defer func() {
				p.finished <- msg
				<-p.sema // release token
			}()
			p.handle(msg)
		}()
	}
}

// sleep waits for d unless the processor is quitting.
func (p *processor) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.quit:
	case <-t.C:
	}
}

func (p *processor) handle(msg *base.Message) {
	timeout := p.consumeTimeout
	if msg.ConsumeTimeout > 0 {
		timeout = time.Duration(msg.ConsumeTimeout) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(p.baseCtxFn(), timeout)
	defer cancel()

	m := newMessage(msg)
	resCh := make(chan workResponse, 1)
	go func() {
		resCh <- p.perform(workRequest{ctx: ctx, msg: m})
	}()

	select {
	case <-p.abort:
		// time is up, push the message back to queue and quit this worker goroutine.
		p.logger.Warnf("Quitting worker. message id=%s", msg.ID)
		p.requeue(msg, base.CauseShutdown, 0)
		return
	case <-ctx.Done():
		p.handleFailedMessage(ctx, msg, m, base.CauseTimeout, ctx.Err())
		return
	case res := <-resCh:
		if res.err != nil {
			p.handleFailedMessage(ctx, msg, m, base.CauseHandlerError, res.err)
			return
		}
		p.acknowledge(msg)
	}
}

func (p *processor) acknowledge(msg *base.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := p.broker.rdb.Acknowledge(ctx, msg)
	if err != nil {
		p.logger.Errorf("Could not acknowledge message id=%s queue=%s: %v", msg.ID, msg.Queue, err)
		return
	}
	if !ok {
		// The lease lapsed and the message was taken back by the recoverer.
		p.logger.Warnf("Message id=%s is no longer in processing, acknowledgment ignored", msg.ID)
		return
	}
	p.broker.events.emit(Event{
		Type:       EventMessageAcknowledged,
		Namespace:  msg.Queue.Namespace,
		Queue:      msg.Queue.Name,
		Group:      msg.ConsumerGroupID,
		MessageID:  msg.ID,
		ConsumerID: p.consumerID,
	})
}

func (p *processor) handleFailedMessage(ctx context.Context, msg *base.Message, m *Message, cause string, err error) {
	if p.errHandler != nil {
		p.errHandler.HandleError(ctx, m, err)
	}
	if errors.Is(err, ErrRejectMessage) {
		rejected := *msg
		rejected.RetryThreshold = 0
		p.requeue(&rejected, base.CauseRejected, 0)
		return
	}
	p.requeue(msg, cause, p.retryDelay(msg, m, err))
}

func (p *processor) retryDelay(msg *base.Message, m *Message, err error) time.Duration {
	if msg.RetryDelay > 0 {
		return time.Duration(msg.RetryDelay) * time.Millisecond
	}
	if p.retryDelayFunc != nil {
		return p.retryDelayFunc(msg.Attempts, err, m)
	}
	return 0
}

func (p *processor) requeue(msg *base.Message, cause string, delay time.Duration) {
	requeueMessage(p.broker, p.logger, msg, cause, delay, p.consumerID)
}

// requeueMessage records a failed delivery and emits the matching event.
func requeueMessage(b *broker, logger *log.Logger, msg *base.Message, cause string, delay time.Duration, consumerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := b.rdb.Requeue(ctx, msg, cause, delay)
	if errors.IsMessageNotFound(err) {
		logger.Warnf("Message id=%s is no longer in processing, %s ignored", msg.ID, cause)
		return
	}
	if err != nil {
		logger.Errorf("Could not requeue message id=%s queue=%s: %v", msg.ID, msg.Queue, err)
		return
	}
	e := Event{
		Namespace:  msg.Queue.Namespace,
		Queue:      msg.Queue.Name,
		Group:      msg.ConsumerGroupID,
		MessageID:  msg.ID,
		ConsumerID: consumerID,
		Detail:     cause,
	}
	if res == rdb.RequeueDeadLettered {
		logger.Warnf("Message id=%s queue=%s dead-lettered (%s)", msg.ID, msg.Queue, cause)
		e.Type = EventMessageDeadLettered
	} else {
		logger.Debugf("Message id=%s queue=%s requeued: %v (%s)", msg.ID, msg.Queue, res, cause)
		e.Type = EventMessageRequeued
	}
	b.events.emit(e)
}

// workRequest is what a worker goroutine receives: one message and the
// context bounding its processing.
type workRequest struct {
	ctx context.Context
	msg *Message
}

// workResponse carries the outcome of a handler invocation back to the processor.
type workResponse struct {
	err error
}

// perform calls the handler with the given message.
// If the call returns without panic, it simply returns the value,
// otherwise, it recovers from panic and returns an error.
func (p *processor) perform(req workRequest) (res workResponse) {
	defer func() {
		if x := recover(); x != nil {
			p.logger.Errorf("recovering from panic. See the stack trace below for details:\n%s", string(debug.Stack()))
			_, file, line, ok := runtime.Caller(1) // skip the first frame (panic itself)
			if ok {
				res.err = fmt.Errorf("panic [%s:%d]: %v", file, line, x)
			} else {
				res.err = fmt.Errorf("panic: %v", x)
			}
		}
	}()
	return workResponse{err: p.handler.ProcessMessage(req.ctx, req.msg)}
}
