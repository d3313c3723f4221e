package courier

import (
	"context"

	runtimepkg "github.com/drblury/courier/internal/runtime"
	configpkg "github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	"github.com/drblury/courier/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/internal/runtime/ordering"
	"github.com/drblury/courier/internal/runtime/outbox"
	"github.com/drblury/courier/internal/runtime/pipeline"
	transportpkg "github.com/drblury/courier/internal/runtime/transport"
	brokers "github.com/drblury/courier/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	// Message kind markers. Embed one in a message struct.
	Command = envelope.Command
	Event   = envelope.Event
	Request = envelope.Request
	Reply   = envelope.Reply

	Kind           = envelope.Kind
	Envelope       = envelope.Envelope
	Identity       = envelope.Identity
	Header         = envelope.Header
	TextHeader     = envelope.TextHeader
	AuthHeader     = envelope.AuthorizationHeader
	TypeInfo       = envelope.TypeInfo
	RegisterOption = envelope.RegisterOption
	HeaderProvider = envelope.HeaderProvider
	Serializer     = envelope.Serializer

	HandlerFunc[T any]                   = runtimepkg.HandlerFunc[T]
	RequestHandlerFunc[TReq, TReply any] = runtimepkg.RequestHandlerFunc[TReq, TReply]
	HandlerInfo                          = runtimepkg.HandlerInfo
	HandlerStats                         = runtimepkg.HandlerStats

	MessageContext         = pipeline.MessageContext
	Middleware             = pipeline.Middleware
	Next                   = pipeline.Next
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	Directive              = ordering.Directive

	ErrorAction              = runtimepkg.ErrorAction
	ErrorDecision            = runtimepkg.ErrorDecision
	ErrorHandlerFunc         = runtimepkg.ErrorHandlerFunc
	ErrorHandlerBuilder      = runtimepkg.ErrorHandlerBuilder
	ErrorHandlerRegistration = runtimepkg.ErrorHandlerRegistration
	RetryConfig              = runtimepkg.RetryConfig

	Authorizer       = runtimepkg.Authorizer
	AuthorizerFunc   = runtimepkg.AuthorizerFunc
	HeaderAuthorizer = runtimepkg.HeaderAuthorizer

	StartupAction = runtimepkg.StartupAction

	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	OutboxStore = outbox.Store
	Transport   = transportpkg.Transport

	TransportBuilder  = brokers.Builder
	TransportRegistry = brokers.Registry

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ConfigurationError = errspkg.ConfigurationError
	UnprocessableError = errspkg.UnprocessableError
)

// Pipeline stage names, for use in directives.
const (
	TracingMiddlewareName       = runtimepkg.TracingMiddlewareName
	MetricsMiddlewareName       = runtimepkg.MetricsMiddlewareName
	LogMessagesMiddlewareName   = runtimepkg.LogMessagesMiddlewareName
	JobHooksMiddlewareName      = runtimepkg.JobHooksMiddlewareName
	ErrorHandlingMiddlewareName = runtimepkg.ErrorHandlingMiddlewareName
	AuthorizationMiddlewareName = runtimepkg.AuthorizationMiddlewareName
	UnitOfWorkMiddlewareName    = runtimepkg.UnitOfWorkMiddlewareName
	RecovererMiddlewareName     = runtimepkg.RecovererMiddlewareName

	TraceCaptureErrorHandlerName = runtimepkg.TraceCaptureErrorHandlerName
	RetryErrorHandlerName        = runtimepkg.RetryErrorHandlerName
	DeadLetterErrorHandlerName   = runtimepkg.DeadLetterErrorHandlerName
)

const (
	KindCommand = envelope.KindCommand
	KindEvent   = envelope.KindEvent
	KindRequest = envelope.KindRequest
	KindReply   = envelope.KindReply
)

const (
	ErrorCategoryNone          = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation    = runtimepkg.ErrorCategoryValidation
	ErrorCategoryAuthorization = runtimepkg.ErrorCategoryAuthorization
	ErrorCategoryTransport     = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream    = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryPanic         = runtimepkg.ErrorCategoryPanic
	ErrorCategoryOther         = runtimepkg.ErrorCategoryOther
)

var (
	NewService    = runtimepkg.NewService
	ConfigFromEnv = configpkg.FromEnv

	WithName = envelope.WithName
	WithKind = envelope.WithKind

	ContextWithHeaders = envelope.ContextWithHeaders

	Before     = ordering.Before
	After      = ordering.After
	Requires   = ordering.Requires
	RequiredBy = ordering.RequiredBy

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	TracingMiddleware       = runtimepkg.TracingMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	ErrorHandlingMiddleware = runtimepkg.ErrorHandlingMiddleware
	AuthorizationMiddleware = runtimepkg.AuthorizationMiddleware
	UnitOfWorkMiddleware    = runtimepkg.UnitOfWorkMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware

	DefaultErrorHandlers     = runtimepkg.DefaultErrorHandlers
	TraceCaptureErrorHandler = runtimepkg.TraceCaptureErrorHandler
	RetryErrorHandler        = runtimepkg.RetryErrorHandler
	DeadLetterErrorHandler   = runtimepkg.DeadLetterErrorHandler
	Retryable                = runtimepkg.Retryable

	Continue = runtimepkg.Continue
	Retry    = runtimepkg.Retry
	Suppress = runtimepkg.Suppress
	Rethrow  = runtimepkg.Rethrow

	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewMemoryOutboxStore = outbox.NewMemoryStore

	DefaultTransportRegistry = brokers.DefaultRegistry
	RegisterTransport        = brokers.Register

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	DiscardLogger        = loggingpkg.Discard

	NewMessageID = idspkg.New

	Unprocessable        = errspkg.Unprocessable
	IsUnprocessable      = errspkg.IsUnprocessable
	IsConfigurationError = errspkg.IsConfigurationError

	ErrServiceRequired       = errspkg.ErrServiceRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrPayloadRequired       = errspkg.ErrPayloadRequired
	ErrMessageKindUnknown    = errspkg.ErrMessageKindUnknown
	ErrKindMismatch          = errspkg.ErrKindMismatch
	ErrTopologyLocked        = errspkg.ErrTopologyLocked
	ErrAlreadyRunning        = errspkg.ErrAlreadyRunning
	ErrDeclined              = errspkg.ErrDeclined
	ErrNoRoute               = errspkg.ErrNoRoute
	ErrNotHandling           = errspkg.ErrNotHandling
	ErrUnauthorized          = errspkg.ErrUnauthorized
	ErrUnexpectedReplyType   = errspkg.ErrUnexpectedReplyType
	ErrDuplicateRegistration = errspkg.ErrDuplicateRegistration
)

func RegisterHandler[T any](svc *Service, handler HandlerFunc[T], opts ...RegisterOption) error {
	return runtimepkg.RegisterHandler(svc, handler, opts...)
}

func RegisterRequestHandler[TReq, TReply any](svc *Service, handler RequestHandlerFunc[TReq, TReply], opts ...RegisterOption) error {
	return runtimepkg.RegisterRequestHandler(svc, handler, opts...)
}

// RegisterMessage makes a type known to svc without handling it, so inbound
// replies and outbound events of that type decode by name.
func RegisterMessage(svc *Service, sample any, opts ...RegisterOption) (TypeInfo, error) {
	return runtimepkg.RegisterMessage(svc, sample, opts...)
}

// SendRequest sends request and waits for its reply.
func SendRequest[TReply any](ctx context.Context, svc *Service, request any) (TReply, error) {
	return runtimepkg.Request[TReply](ctx, svc, request)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
