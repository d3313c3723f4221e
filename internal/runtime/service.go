package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/outbox"
	"github.com/drblury/courier/internal/runtime/outbox/sqlstore"
	"github.com/drblury/courier/internal/runtime/pipeline"
	"github.com/drblury/courier/internal/runtime/rpc"
	transportpkg "github.com/drblury/courier/internal/runtime/transport"
	brokers "github.com/drblury/courier/transport"
	_ "github.com/drblury/courier/transport/transports"
)

const (
	instrumentationName = "github.com/drblury/courier"
	httpShutdownTimeout = 5 * time.Second
)

// ServiceDependencies holds the optional collaborators of a Service. Leave
// fields zero to use what the configuration selects.
type ServiceDependencies struct {
	// Transport replaces the transport selected by Conf.PubSubSystem.
	Transport transportpkg.Transport
	// Brokers builds the watermill publisher/subscriber pair of broker
	// transports. Defaults to the registry every transport/... package
	// registers with.
	Brokers *brokers.Registry
	// Store replaces the outbox store selected by Conf.OutboxDriver.
	Store outbox.Store
	// Serializer encodes payloads on the wire and in the SQL outbox.
	Serializer envelope.Serializer

	HeaderProviders           []envelope.HeaderProvider // Appended after the built-in providers.
	Middlewares               []MiddlewareRegistration  // Added next to the default middlewares.
	DisableDefaultMiddlewares bool
	ErrorHandlers             []ErrorHandlerRegistration // Added next to trace capture, retry and dead lettering.
	DisableDefaultErrors      bool
	StartupActions            []StartupAction
	// Retry tunes the default retry error handler.
	Retry RetryConfig
	// Authorizer enables the authorization middleware.
	Authorizer Authorizer

	Propagator      propagation.TextMapPropagator
	TracerProvider  trace.TracerProvider
	Registerer      prometheus.Registerer
	Gatherer        prometheus.Gatherer
	ErrorClassifier ErrorClassifier
}

// Service hosts one endpoint: it binds the registered handlers to the
// transport, runs inbound messages through the middleware pipeline and sends
// outbound messages through the unit of work.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	identity   envelope.Identity
	types      *envelope.Registry
	factory    *envelope.Factory
	codec      *envelope.WireCodec
	serializer envelope.Serializer
	transport  transportpkg.Transport
	store      outbox.Store
	requests   *rpc.Registry

	propagator propagation.TextMapPropagator
	tracer     trace.Tracer
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	metrics    *serviceMetrics
	authorizer Authorizer

	mu             sync.RWMutex
	started        bool
	middlewares    []MiddlewareRegistration
	errorHandlers  []ErrorHandlerRegistration
	startupActions []StartupAction
	handlers       map[string]*handlerEntry
	handlerInfos   []*HandlerInfo

	chain pipeline.Handler
	ready atomic.Bool

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	closers         []func() error
	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker
}

// NewService constructs a Service for the supplied configuration. Register
// handlers on the returned Service before calling Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	normalized := conf.WithDefaults()
	if err := normalized.Validate(); err != nil {
		return nil, err
	}
	conf = &normalized

	s := &Service{
		Conf:            conf,
		Logger:          log,
		identity:        envelope.NewIdentity(conf.EndpointName, conf.InstanceName),
		types:           envelope.NewRegistry(),
		serializer:      deps.Serializer,
		requests:        rpc.NewRegistry(),
		propagator:      deps.Propagator,
		registerer:      deps.Registerer,
		gatherer:        deps.Gatherer,
		authorizer:      deps.Authorizer,
		handlers:        make(map[string]*handlerEntry),
		errorClassifier: deps.ErrorClassifier,
		resourceTracker: newResourceTracker(),
	}
	if s.serializer == nil {
		s.serializer = jsoncodec.Codec{}
	}
	if s.propagator == nil {
		s.propagator = otel.GetTextMapPropagator()
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	s.tracer = tp.Tracer(instrumentationName)
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}
	s.codec = envelope.NewWireCodec(s.types, s.serializer)

	factory, err := envelope.NewFactory(s.types, s.headerProviders(deps.HeaderProviders)...)
	if err != nil {
		return nil, err
	}
	s.factory = factory

	log.Info("Creating courier service", loggingpkg.LogFields{
		"endpoint":      s.identity.String(),
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	if s.transport, err = s.buildTransport(ctx, deps); err != nil {
		s.close()
		return nil, err
	}
	if s.store, err = s.buildStore(deps); err != nil {
		s.close()
		return nil, err
	}

	if conf.MetricsEnabled {
		s.metrics = newServiceMetrics(s)
		if err := s.metrics.register(s.registerer); err != nil {
			s.close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if conf.MetricsPort > 0 {
			s.RegisterHTTPHandler(conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	}
	if conf.HealthPort > 0 {
		s.RegisterHTTPHandler(conf.HealthPort, "/readyz", http.HandlerFunc(s.handleReadiness))
		s.RegisterHTTPHandler(conf.HealthPort, "/healthz", http.HandlerFunc(s.handleLiveness))
		s.RegisterHTTPHandler(conf.HealthPort, "/handlers", http.HandlerFunc(s.handleGetHandlers))
	}

	s.registerConfigured(deps)
	return s, nil
}

func (s *Service) headerProviders(extra []envelope.HeaderProvider) []envelope.HeaderProvider {
	providers := envelope.DefaultHeaderProviders()
	for i, p := range providers {
		if p.Name == envelope.TraceContextProviderName {
			providers[i] = envelope.TraceContextProvider(s.propagator)
		}
	}
	return append(providers, extra...)
}

func (s *Service) registerConfigured(deps ServiceDependencies) {
	if !deps.DisableDefaultMiddlewares {
		s.middlewares = append(s.middlewares, DefaultMiddlewares()...)
	}
	s.middlewares = append(s.middlewares, deps.Middlewares...)

	if !deps.DisableDefaultErrors {
		s.errorHandlers = append(s.errorHandlers,
			TraceCaptureErrorHandler(),
			RetryErrorHandler(deps.Retry),
			DeadLetterErrorHandler(nil),
		)
	}
	s.errorHandlers = append(s.errorHandlers, deps.ErrorHandlers...)

	s.startupActions = append(s.startupActions, DefaultStartupActions()...)
	s.startupActions = append(s.startupActions, deps.StartupActions...)
}

// buildTransport returns the injected transport, the in-memory transport or a
// broker transport over the registered watermill builder.
func (s *Service) buildTransport(ctx context.Context, deps ServiceDependencies) (transportpkg.Transport, error) {
	if deps.Transport != nil {
		return deps.Transport, nil
	}
	if s.Conf.PubSubSystem == configpkg.DefaultTransport {
		return transportpkg.NewMemoryTransport(transportpkg.MemoryConfig{
			Concurrency:   s.Conf.Concurrency,
			QueueCapacity: s.Conf.QueueCapacity,
			OnError:       s.onTransportError,
		}), nil
	}

	registry := deps.Brokers
	if registry == nil {
		registry = brokers.DefaultRegistry
	}
	pair, err := registry.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", s.Conf.PubSubSystem, err)
	}
	publisher := pair.Publisher
	if s.Conf.MetricsEnabled {
		publisher, err = metrics.NewPrometheusMetricsBuilder(s.registerer, metricsNamespace, s.Conf.PubSubSystem).DecoratePublisher(publisher)
		if err != nil {
			_ = pair.Close()
			return nil, fmt.Errorf("instrument publisher: %w", err)
		}
	}
	bt, err := transportpkg.NewBrokerTransport(publisher, pair.Subscriber, s.codec, transportpkg.BrokerConfig{
		Concurrency: s.Conf.Concurrency,
		PoisonTopic: s.Conf.PoisonQueue,
		OnError:     s.onTransportError,
	})
	if err != nil {
		_ = pair.Close()
		return nil, err
	}
	s.closers = append(s.closers, bt.Close)

	caps := registry.GetCapabilities(s.Conf.PubSubSystem)
	s.Logger.Info("Broker transport ready", loggingpkg.LogFields{
		"transport":         s.Conf.PubSubSystem,
		"reliable_delivery": caps.SupportsReliableDelivery(),
		"durable":           caps.Durable,
		"ordered":           caps.Ordered,
	})
	return bt, nil
}

func (s *Service) buildStore(deps ServiceDependencies) (outbox.Store, error) {
	if deps.Store != nil {
		return deps.Store, nil
	}
	if s.Conf.OutboxDriver == configpkg.OutboxMemory {
		return outbox.NewMemoryStore(), nil
	}
	store, err := sqlstore.Open(s.Conf.OutboxDriver, s.Conf.OutboxDSN, s.codec)
	if err != nil {
		return nil, fmt.Errorf("open %s outbox: %w", s.Conf.OutboxDriver, err)
	}
	s.closers = append(s.closers, store.Close)
	return store, nil
}

// Start composes the pipeline, binds the endpoint, runs the startup actions
// and consumes until ctx ends. In-flight messages finish before it returns.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errspkg.ErrAlreadyRunning
	}
	s.started = true
	s.mu.Unlock()
	defer s.close()

	p, err := s.buildPipeline()
	if err != nil {
		return err
	}
	s.chain = p.Then(s.invokeHandler)
	s.Logger.Debug("Pipeline composed", loggingpkg.LogFields{"middlewares": p.Order()})

	if err := s.transport.Bind(s.identity, s.dispatch, s.handledTypes); err != nil {
		return fmt.Errorf("bind %s: %w", s.identity, err)
	}
	if err := s.transport.BindErrorHandler(s.identity, s.onTransportError); err != nil {
		return fmt.Errorf("bind error handler of %s: %w", s.identity, err)
	}
	unsubscribe := s.observeStatus()
	defer unsubscribe()

	if err := s.runStartupActions(ctx); err != nil {
		return err
	}

	stopHTTP := s.startHTTPServers()
	defer stopHTTP()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	relayDone := s.startRelay(runCtx)

	err = s.transport.RunBackgroundMessageProcessing(runCtx)
	cancel()
	<-relayDone

	if n := s.requests.CancelAll(fmt.Errorf("%w: service stopped", errspkg.ErrCancelled)); n > 0 {
		s.Logger.Warn("Cancelled pending requests on shutdown", loggingpkg.LogFields{"count": n})
	}
	return err
}

// startRelay re-delivers committed but unsent outbox messages in the
// background.
func (s *Service) startRelay(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	relay := outbox.NewRelay(s.store, s.transport, outbox.RelayConfig{
		Interval: s.Conf.OutboxRelayInterval,
		MinAge:   s.Conf.OutboxRelayInterval,
		OnReport: func(report outbox.DeliveryReport) {
			s.metrics.relayed(report)
			fields := loggingpkg.LogFields{
				"delivered": len(report.Delivered),
				"pending":   len(report.Pending),
			}
			if report.Err != nil {
				s.Logger.Error("Outbox relay sweep incomplete", report.Err, fields)
				return
			}
			s.Logger.Debug("Outbox relay sweep", fields)
		},
	})
	go func() {
		defer close(done)
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.Logger.Error("Outbox relay stopped", err, nil)
		}
	}()
	return done
}

func (s *Service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.Logger.Error("Failed to close resource", err, nil)
		}
	}
	s.closers = nil
}

// Identity is the endpoint identity messages are sent from and replies are
// addressed to.
func (s *Service) Identity() envelope.Identity { return s.identity }

// Types is the registry of message types known to the service.
func (s *Service) Types() *envelope.Registry { return s.types }

func (s *Service) Transport() transportpkg.Transport { return s.transport }

func (s *Service) Store() outbox.Store { return s.store }

// PendingRequests is the number of requests awaiting a reply.
func (s *Service) PendingRequests() int { return s.requests.Pending() }

// Ready reports whether the transport is running.
func (s *Service) Ready() bool { return s.ready.Load() }

// queueDepth is the number of messages waiting for a worker, or -1 when the
// transport does not say.
func (s *Service) queueDepth() int64 {
	if q, ok := s.transport.(interface{ Queued() int }); ok {
		return int64(q.Queued())
	}
	return -1
}

// RegisterHTTPHandler serves handler on port while the service runs.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// startHTTPServers serves every registered port and returns a function that
// shuts them down gracefully.
func (s *Service) startHTTPServers() (stop func()) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: httpShutdownTimeout,
		}
		servers = append(servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(ctx); err != nil {
				s.Logger.Error("Failed to stop HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}
	}
}
