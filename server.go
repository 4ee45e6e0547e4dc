// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titanbroker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/log"
)

// Server is responsible for message consumption and message lifecycle management.
//
// Server fetches messages off the queues named by its consumers and hands
// them to the registered handlers. If the processing of a message is
// unsuccessful, the message is requeued for another delivery.
//
// A message is redelivered until either it gets processed successfully
// or until it exhausts its retry threshold.
//
// If a message exhausts its retries, it will be dead-lettered and, per the
// dead-letter audit policy, kept for inspection.
type Server struct {
	logger *log.Logger

	b *broker

	state *serverState

	consumers []ConsumerConfig

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	forwarder     *forwarder
	processors    []*processor
	heartbeater   *heartbeater
	recoverer     *recoverer
	healthchecker *healthchecker
	janitor       *janitor
}

type serverState struct {
	mu    sync.Mutex
	value serverStateValue
}

type serverStateValue int

const (
	// StateNew represents a new server.
	srvStateNew serverStateValue = iota

	// StateActive indicates the server is up and active.
	srvStateActive

	// StateStopped indicates the server is up but no longer fetching new messages.
	srvStateStopped

	// StateClosed indicates the server has been shutdown.
	srvStateClosed
)

var serverStates = []string{
	"new",
	"active",
	"stopped",
	"closed",
}

func (s serverStateValue) String() string {
	if srvStateNew <= s && s <= srvStateClosed {
		return serverStates[s]
	}
	return "unknown status"
}

// ConsumerConfig binds a queue (and, for PUB_SUB queues, a consumer group)
// to a handler of the HandlerTable.
type ConsumerConfig struct {
	// Queue to consume from.
	Queue string

	// Group is the consumer group. Required for PUB_SUB queues, forbidden
	// for POINT_TO_POINT queues.
	Group string

	// HandlerID selects the handler in the HandlerTable given to Start.
	HandlerID string

	// Maximum number of messages of this consumer processed concurrently.
	//
	// If set to a zero or negative value, NewServer will overwrite the value
	// to the number of CPUs usable by the current process.
	Concurrency int
}

// Config specifies the server's message processing behavior.
type Config struct {
	BrokerConfig

	// Consumers lists what the server consumes.
	Consumers []ConsumerConfig

	// BaseContext optionally specifies a function that returns the base context for Handler invocations on this server.
	//
	// If BaseContext is nil, the default is context.Background().
	BaseContext func() context.Context

	// FetchInterval specifies the interval between fetches when the queue is empty.
	//
	// If unset, zero or a negative value, the interval is set to 1 second.
	FetchInterval time.Duration

	// ConsumeTimeout bounds a handler invocation for messages produced
	// without a consume timeout of their own.
	//
	// If unset or zero, 30 minutes is used.
	ConsumeTimeout time.Duration

	// Function to calculate retry delay for a failed message produced
	// without a retry delay of its own.
	//
	// By default, such messages are requeued without delay.
	RetryDelayFunc RetryDelayFunc

	// ErrorHandler handles errors returned by the message handler.
	ErrorHandler ErrorHandler

	// ShutdownTimeout specifies the duration to wait to let workers finish their messages
	// before forcing them to abort when stopping the server.
	//
	// If unset or zero, default timeout of 8 seconds is used.
	ShutdownTimeout time.Duration

	// HealthCheckFunc is called periodically with any errors encountered during ping to the
	// connected redis server.
	HealthCheckFunc func(error)

	// HealthCheckInterval specifies the interval between healthchecks.
	//
	// If unset or zero, the interval is set to 15 seconds.
	HealthCheckInterval time.Duration

	// ForwardInterval specifies the interval between checks run on scheduled,
	// delayed and recurring messages, forwarding them to pending when they are due.
	//
	// If unset or zero, the interval is set to 1 second.
	ForwardInterval time.Duration

	// ForwardBatchSize specifies the number of due messages forwarded in one script call.
	//
	// If unset or zero, default batch size of 100 is used.
	ForwardBatchSize int

	// RecoverInterval specifies the interval between checks for messages
	// whose consumer lease lapsed.
	//
	// If unset or zero, the interval is set to 1 minute.
	RecoverInterval time.Duration

	// HeartbeatInterval specifies the interval between consumer heartbeats,
	// which also renew the leases of in-flight messages.
	//
	// If unset or zero, the interval is set to 5 seconds.
	HeartbeatInterval time.Duration

	// JanitorInterval specifies the average interval of janitor checks for expired audit messages.
	//
	// If unset or zero, default interval of 8 seconds is used.
	JanitorInterval time.Duration

	// JanitorBatchSize specifies the number of expired audit messages to be deleted in one run.
	//
	// If unset or zero, default batch size of 100 is used.
	JanitorBatchSize int
}

// An ErrorHandler handles an error occurred during message processing.
type ErrorHandler interface {
	HandleError(ctx context.Context, msg *Message, err error)
}

// The ErrorHandlerFunc type is an adapter to allow the use of ordinary functions as a ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, msg *Message, err error)

// HandleError calls fn(ctx, msg, err)
func (fn ErrorHandlerFunc) HandleError(ctx context.Context, msg *Message, err error) {
	fn(ctx, msg, err)
}

// RetryDelayFunc calculates the retry delay duration for a failed message given
// the attempt count, error, and the message.
type RetryDelayFunc func(n int, e error, msg *Message) time.Duration

// Logger supports logging at various log levels.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// LogLevel represents logging level.
type LogLevel int32

const (
	// Note: reserving value zero to differentiate unspecified case.
	level_unspecified LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String is part of the flag.Value interface.
func (l *LogLevel) String() string {
	switch *l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	panic(fmt.Sprintf("titanbroker: unexpected log level: %v", *l))
}

// Set is part of the flag.Value interface.
func (l *LogLevel) Set(val string) error {
	switch strings.ToLower(val) {
	case "debug":
		*l = DebugLevel
	case "info":
		*l = InfoLevel
	case "warn", "warning":
		*l = WarnLevel
	case "error":
		*l = ErrorLevel
	case "fatal":
		*l = FatalLevel
	default:
		return fmt.Errorf("titanbroker: unsupported log level %q", val)
	}
	return nil
}

func toInternalLogLevel(l LogLevel) log.Level {
	switch l {
	case DebugLevel:
		return log.DebugLevel
	case InfoLevel:
		return log.InfoLevel
	case WarnLevel:
		return log.WarnLevel
	case ErrorLevel:
		return log.ErrorLevel
	case FatalLevel:
		return log.FatalLevel
	}
	panic(fmt.Sprintf("titanbroker: unexpected log level: %v", l))
}

// ExponentialRetryDelay is a RetryDelayFunc using an exponential back-off strategy.
func ExponentialRetryDelay(n int, e error, msg *Message) time.Duration {
	// Formula taken from https://github.com/mperham/sidekiq.
	s := int(math.Pow(float64(n), 4)) + 15 + (rand.IntN(30) * (n + 1))
	return time.Duration(s) * time.Second
}

const (
	defaultFetchInterval       = 1 * time.Second
	defaultConsumeTimeout      = 30 * time.Minute
	defaultLeaseDuration       = 30 * time.Second
	defaultShutdownTimeout     = 8 * time.Second
	defaultHealthCheckInterval = 15 * time.Second
	defaultForwardInterval     = 1 * time.Second
	defaultForwardBatchSize    = 100
	defaultRecoverInterval     = 1 * time.Minute
	defaultHeartbeatInterval   = 5 * time.Second
	defaultJanitorInterval     = 8 * time.Second
	defaultJanitorBatchSize    = 100
)

// NewServer returns a new Server given a redis connection option
// and server configuration.
func NewServer(r RedisConnOpt, cfg Config) *Server {
	server := NewServerFromRedisClient(makeRedisClient(r), cfg)
	server.b.sharedConnection = false
	return server
}

// NewServerFromRedisClient returns a new instance of Server given a redis.UniversalClient
// and server configuration
func NewServerFromRedisClient(c redis.UniversalClient, cfg Config) *Server {
	b := newBroker(c, cfg.BrokerConfig)
	b.sharedConnection = true

	baseCtxFn := cfg.BaseContext
	if baseCtxFn == nil {
		baseCtxFn = context.Background
	}
	fetchInterval := cfg.FetchInterval
	if fetchInterval <= 0 {
		fetchInterval = defaultFetchInterval
	}
	consumeTimeout := cfg.ConsumeTimeout
	if consumeTimeout <= 0 {
		consumeTimeout = defaultConsumeTimeout
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	healthcheckInterval := cfg.HealthCheckInterval
	if healthcheckInterval == 0 {
		healthcheckInterval = defaultHealthCheckInterval
	}
	forwardInterval := cfg.ForwardInterval
	if forwardInterval == 0 {
		forwardInterval = defaultForwardInterval
	}
	forwardBatchSize := cfg.ForwardBatchSize
	if forwardBatchSize == 0 {
		forwardBatchSize = defaultForwardBatchSize
	}
	recoverInterval := cfg.RecoverInterval
	if recoverInterval == 0 {
		recoverInterval = defaultRecoverInterval
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval == 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	janitorInterval := cfg.JanitorInterval
	if janitorInterval == 0 {
		janitorInterval = defaultJanitorInterval
	}
	janitorBatchSize := cfg.JanitorBatchSize
	if janitorBatchSize == 0 {
		janitorBatchSize = defaultJanitorBatchSize
	}

	srvState := &serverState{value: srvStateNew}
	starting := make(chan *workerInfo)
	finished := make(chan *base.Message)

	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	var (
		consumers  []ConsumerConfig
		processors []*processor
		infos      []*base.ConsumerInfo
		queues     []base.QueueRef
		targets    []consumeTarget
	)
	seenQueue := make(map[base.QueueRef]bool)
	seenTarget := make(map[consumeTarget]bool)
	for _, cc := range cfg.Consumers {
		if cc.Concurrency < 1 {
			cc.Concurrency = runtime.NumCPU()
		}
		consumers = append(consumers, cc)
		q := b.queue(cc.Queue)
		id := uuid.NewString()
		processors = append(processors, newProcessor(processorParams{
			logger:          b.logger,
			broker:          b,
			queue:           q,
			group:           cc.Group,
			consumerID:      id,
			concurrency:     cc.Concurrency,
			baseCtxFn:       baseCtxFn,
			fetchInterval:   fetchInterval,
			consumeTimeout:  consumeTimeout,
			leaseDuration:   defaultLeaseDuration,
			retryDelayFunc:  cfg.RetryDelayFunc,
			errHandler:      cfg.ErrorHandler,
			shutdownTimeout: shutdownTimeout,
			starting:        starting,
			finished:        finished,
		}))
		infos = append(infos, &base.ConsumerInfo{
			ID:          id,
			Host:        host,
			PID:         os.Getpid(),
			Queue:       q,
			Group:       cc.Group,
			Concurrency: cc.Concurrency,
		})
		if !seenQueue[q] {
			seenQueue[q] = true
			queues = append(queues, q)
		}
		t := consumeTarget{queue: q, group: cc.Group}
		if !seenTarget[t] {
			seenTarget[t] = true
			targets = append(targets, t)
		}
	}

	heartbeater := newHeartbeater(heartbeaterParams{
		logger:        b.logger,
		broker:        b,
		interval:      heartbeatInterval,
		leaseDuration: defaultLeaseDuration,
		consumers:     infos,
		starting:      starting,
		finished:      finished,
	})
	forwarder := newForwarder(forwarderParams{
		logger:    b.logger,
		broker:    b,
		queues:    queues,
		interval:  forwardInterval,
		batchSize: forwardBatchSize,
	})
	recoverer := newRecoverer(recovererParams{
		logger:         b.logger,
		broker:         b,
		retryDelayFunc: cfg.RetryDelayFunc,
		targets:        targets,
		interval:       recoverInterval,
	})
	healthchecker := newHealthChecker(healthcheckerParams{
		logger:          b.logger,
		broker:          b,
		interval:        healthcheckInterval,
		healthcheckFunc: cfg.HealthCheckFunc,
	})
	janitor := newJanitor(janitorParams{
		logger:    b.logger,
		broker:    b,
		targets:   targets,
		interval:  janitorInterval,
		batchSize: janitorBatchSize,
	})
	return &Server{
		logger:        b.logger,
		b:             b,
		state:         srvState,
		consumers:     consumers,
		forwarder:     forwarder,
		processors:    processors,
		heartbeater:   heartbeater,
		recoverer:     recoverer,
		healthchecker: healthchecker,
		janitor:       janitor,
	}
}

// consumeTarget is a queue, or a consumer group of a PUB_SUB queue,
// consumed by the server.
type consumeTarget struct {
	queue base.QueueRef
	group string
}

// A Handler processes messages.
//
// ProcessMessage should return nil if the processing of a message
// is successful.
//
// If ProcessMessage returns a non-nil error or panics, the message
// will be redelivered after its retry delay if retries remain,
// otherwise the message will be dead-lettered.
type Handler interface {
	ProcessMessage(context.Context, *Message) error
}

// The HandlerFunc type is an adapter to allow the use of
// ordinary functions as a Handler.
type HandlerFunc func(context.Context, *Message) error

// ProcessMessage calls fn(ctx, msg)
func (fn HandlerFunc) ProcessMessage(ctx context.Context, msg *Message) error {
	return fn(ctx, msg)
}

// HandlerTable maps the handler ids referenced by ConsumerConfig.HandlerID
// to handlers.
type HandlerTable map[string]Handler

// ErrServerClosed indicates that the operation is now illegal because of the server has been shutdown.
var ErrServerClosed = errors.New("titanbroker: Server closed")

// Run starts the message processing and blocks until
// an os signal to exit the program is received. Once it receives
// a signal, it gracefully shuts down all active workers and other
// goroutines to process the messages.
func (srv *Server) Run(handlers HandlerTable) error {
	if err := srv.Start(handlers); err != nil {
		return err
	}
	srv.waitForSignals()
	srv.Shutdown()
	return nil
}

// Start starts the worker server. Once the server has started,
// it fetches messages off the consumed queues, starts a worker goroutine
// for each message and calls the consumer's handler to process it.
//
// Every handler id is resolved and every consumed queue is checked once,
// before anything starts.
func (srv *Server) Start(handlers HandlerTable) error {
	if len(srv.consumers) == 0 {
		return fmt.Errorf("titanbroker: server has no consumer")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i, cc := range srv.consumers {
		h, ok := handlers[cc.HandlerID]
		if !ok || h == nil {
			return fmt.Errorf("titanbroker: no handler registered for id %q", cc.HandlerID)
		}
		if err := srv.checkConsumer(ctx, cc); err != nil {
			return err
		}
		srv.processors[i].handler = h
	}

	if err := srv.start(); err != nil {
		return err
	}
	srv.logger.Info("Starting processing")

	srv.heartbeater.start(&srv.wg)
	srv.healthchecker.start(&srv.wg)
	srv.recoverer.start(&srv.wg)
	srv.forwarder.start(&srv.wg)
	for _, p := range srv.processors {
		p.start(&srv.wg)
	}
	srv.janitor.start(&srv.wg)
	return nil
}

func (srv *Server) checkConsumer(ctx context.Context, cc ConsumerConfig) error {
	q := srv.b.queue(cc.Queue)
	props, err := srv.b.rdb.GetQueueProperties(ctx, q)
	if err != nil {
		return fmt.Errorf("titanbroker: consumer of %s: %w", q, err)
	}
	if err := props.ValidateGroupFor(cc.Group); err != nil {
		return fmt.Errorf("titanbroker: consumer of %s: %w", q, err)
	}
	if cc.Group == "" {
		return nil
	}
	groups, err := srv.b.rdb.ListConsumerGroups(ctx, q)
	if err != nil {
		return fmt.Errorf("titanbroker: consumer of %s: %w", q, err)
	}
	for _, g := range groups {
		if g == cc.Group {
			return nil
		}
	}
	return fmt.Errorf("titanbroker: consumer group %q is not registered on queue %s", cc.Group, q)
}

// Checks server state and returns an error if pre-condition is not met.
// Otherwise it sets the server state to active.
func (srv *Server) start() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	switch srv.state.value {
	case srvStateActive:
		return fmt.Errorf("titanbroker: the server is already running")
	case srvStateStopped:
		return fmt.Errorf("titanbroker: the server is in the stopped state. Waiting for shutdown.")
	case srvStateClosed:
		return ErrServerClosed
	}
	srv.state.value = srvStateActive
	return nil
}

// Shutdown gracefully shuts down the server.
func (srv *Server) Shutdown() {
	srv.state.mu.Lock()
	if srv.state.value == srvStateNew || srv.state.value == srvStateClosed {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateClosed
	srv.state.mu.Unlock()

	srv.logger.Info("Starting graceful shutdown")
	// Stop every processor first so that they drain in parallel.
	for _, p := range srv.processors {
		p.stop()
	}
	srv.forwarder.shutdown()
	for _, p := range srv.processors {
		p.shutdown()
	}
	srv.recoverer.shutdown()
	srv.janitor.shutdown()
	srv.healthchecker.shutdown()
	srv.heartbeater.shutdown()
	srv.wg.Wait()

	if err := srv.b.close(); err != nil {
		srv.logger.Errorf("Could not close the broker: %v", err)
	}
	srv.logger.Info("Exiting")
}

// Stop signals the server to stop fetching new messages off queues.
func (srv *Server) Stop() {
	srv.state.mu.Lock()
	if srv.state.value != srvStateActive {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateStopped
	srv.state.mu.Unlock()

	srv.logger.Info("Stopping processor")
	for _, p := range srv.processors {
		p.stop()
	}
	srv.logger.Info("Processor stopped")
}

// Ping performs a ping against the redis connection.
func (srv *Server) Ping(ctx context.Context) error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	if srv.state.value == srvStateClosed {
		return nil
	}

	return srv.b.rdb.Ping(ctx)
}
