package rfbridge

import (
	runtimepkg "github.com/drblury/rfbridge/internal/runtime"
	"github.com/drblury/rfbridge/internal/runtime/activity"
	configpkg "github.com/drblury/rfbridge/internal/runtime/config"
	consumerpkg "github.com/drblury/rfbridge/internal/runtime/consumer"
	"github.com/drblury/rfbridge/internal/runtime/diameter"
	"github.com/drblury/rfbridge/internal/runtime/diameter/memstack"
	"github.com/drblury/rfbridge/internal/runtime/dispatch"
	errspkg "github.com/drblury/rfbridge/internal/runtime/errors"
	"github.com/drblury/rfbridge/internal/runtime/eventid"
	"github.com/drblury/rfbridge/internal/runtime/events"
	idspkg "github.com/drblury/rfbridge/internal/runtime/ids"
	jsoncodec "github.com/drblury/rfbridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rfbridge/internal/runtime/logging"
	metadatapkg "github.com/drblury/rfbridge/internal/runtime/metadata"
	sinkpkg "github.com/drblury/rfbridge/internal/runtime/sink"
	"github.com/drblury/rfbridge/transport"
)

type (
	Config              = configpkg.Config
	Adaptor             = runtimepkg.Adaptor
	AdaptorDependencies = runtimepkg.AdaptorDependencies
	AdaptorState        = runtimepkg.State
	Provider            = runtimepkg.Provider
	PeersResponse       = runtimepkg.PeersResponse
	StatsResponse       = runtimepkg.StatsResponse

	Activity       = activity.Activity
	ActivityHandle = activity.Handle
	ActivityInfo   = activity.Info
	ClientDialog   = activity.ClientDialog
	ServerDialog   = activity.ServerDialog

	Identity      = diameter.Identity
	Message       = diameter.Message
	AVP           = diameter.AVP
	ApplicationID = diameter.ApplicationID
	Multiplexer   = diameter.Multiplexer
	Stack         = diameter.Stack
	Session       = diameter.Session

	Event             = events.Event
	AccountingRequest = events.AccountingRequest
	AccountingAnswer  = events.AccountingAnswer
	ErrorAnswer       = events.ErrorAnswer
	Payload           = events.Payload
	AddresseeType     = events.AddresseeType

	EventTypeID = eventid.TypeID
	EventType   = eventid.EventType
	Service     = eventid.Service

	EventSink = dispatch.EventSink
	Fire      = dispatch.Fire
	Sink      = sinkpkg.Sink

	// Sink consumer
	Consumer        = consumerpkg.Consumer
	ConsumerConfig  = consumerpkg.Config
	ConsumerOption  = consumerpkg.Option
	ConsumerStats   = consumerpkg.Stats
	Delivery        = consumerpkg.Delivery
	DeliveryContext = consumerpkg.DeliveryContext
	DeliveryHandler = consumerpkg.HandlerFunc
	DeliveryHooks   = consumerpkg.Hooks
	Reporter        = consumerpkg.Reporter
	RetryConfig     = consumerpkg.RetryConfig

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	CreateActivityError   = errspkg.CreateActivityError
	ConfigValidationError = errspkg.ConfigValidationError

	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities

	MemStack       = memstack.Stack
	MemStackOption = memstack.Option
)

var (
	NewAdaptor = runtimepkg.NewAdaptor

	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	LoadConfigFile = configpkg.LoadFile

	ParseApplicationID  = diameter.ParseApplicationID
	NewRequest          = diameter.NewRequest
	NewAnswer           = diameter.NewAnswer
	NewAVP              = diameter.NewAVP
	ParseApplicationIDs = configpkg.ParseApplicationIDs

	NewActivityHandle    = activity.NewHandle
	TranslateMessage     = events.Translate
	PayloadOf            = events.PayloadOf
	AddresseeTypeFromInt = events.AddresseeTypeFromInt

	NewEventTypeID   = eventid.NewTypeID
	DefaultCatalog   = eventid.DefaultCatalog
	NewEventCatalog  = eventid.NewCatalog
	EventTypeIDFor   = eventid.IDFor
	NewSink          = sinkpkg.New
	NewSinkFromConf  = sinkpkg.FromConfig
	WithSinkTopic    = sinkpkg.WithTopic
	WithSinkLogger   = sinkpkg.WithLogger
	NewConsumer      = consumerpkg.New
	WithConsumerLog  = consumerpkg.WithLogger
	WithHooks        = consumerpkg.WithHooks
	WithTracer       = consumerpkg.WithTracer
	WithPrometheus   = consumerpkg.WithPrometheus
	WithPoisonQueue  = consumerpkg.WithPoisonQueue
	LoggingHooks     = consumerpkg.LoggingHooks
	ErrUnreferenced  = consumerpkg.ErrUnreferenced
	ErrMissingHandle = consumerpkg.ErrMissingHandle

	// In-memory stack for tests and simulations
	NewMemStack           = memstack.New
	MemStackAcceptAll     = memstack.AcceptAll
	WithMemStackOrigin    = memstack.WithOrigin
	WithMemStackPeers     = memstack.WithPeers
	WithMemStackResponder = memstack.WithResponder

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode

	ErrConfigRequired   = errspkg.ErrConfigRequired
	ErrLoggerRequired   = errspkg.ErrLoggerRequired
	ErrStackRequired    = errspkg.ErrStackRequired
	ErrNilMessage       = errspkg.ErrNilMessage
	ErrNotActive        = errspkg.ErrNotActive
	ErrCreateActivity   = errspkg.ErrCreateActivity
	ErrActivityEnded    = errspkg.ErrActivityEnded
	ErrNotRequest       = errspkg.ErrNotRequest
	ErrRequestInFlight  = errspkg.ErrRequestInFlight
	ErrAnswerTimeout    = errspkg.ErrAnswerTimeout
	ErrNoApplicationID  = errspkg.ErrNoApplicationID
	ErrUnknownEventType = errspkg.ErrUnknownEventType

	NewSlogServiceLogger    = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger = loggingpkg.NewZerologServiceLogger
	NewNopServiceLogger     = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID   = idspkg.CreateULID
	NewSessionID = idspkg.NewSessionID
)

// Adaptor lifecycle states.
const (
	StateInactive = runtimepkg.StateInactive
	StateActive   = runtimepkg.StateActive
	StateStopping = runtimepkg.StateStopping
)

// Event type names of the default catalog.
const (
	EventAccountingRequest = eventid.NameAccountingRequest
	EventAccountingAnswer  = eventid.NameAccountingAnswer
	EventErrorAnswer       = eventid.NameErrorAnswer
	EventExtensionMessage  = eventid.NameExtensionMessage
)

// Metadata keys set on every sink message.
const (
	MetadataKeyHandle      = metadatapkg.KeyHandle
	MetadataKeyEventType   = metadatapkg.KeyEventType
	MetadataKeyEventKind   = metadatapkg.KeyEventKind
	MetadataKeyCommandCode = metadatapkg.KeyCommandCode
	MetadataKeyTransacted  = metadatapkg.KeyTransacted
	MetadataKeyContentType = metadatapkg.KeyContentType
	MetadataKeyControl     = metadatapkg.KeyControl
	MetadataKeyTraceID     = metadatapkg.KeyTraceID
	MetadataKeySpanID      = metadatapkg.KeySpanID

	ControlActivityStarted = metadatapkg.ControlActivityStarted
	ControlActivityEnded   = metadatapkg.ControlActivityEnded
)

// Command, application and AVP codes of the accounting application.
const (
	CommandAccounting = diameter.CommandAccounting
	AppBaseAccounting = diameter.AppBaseAccounting
	VendorThreeGPP    = diameter.VendorThreeGPP

	AVPAcctApplicationID      = diameter.AVPAcctApplicationID
	AVPOriginHost             = diameter.AVPOriginHost
	AVPOriginRealm            = diameter.AVPOriginRealm
	AVPDestinationHost        = diameter.AVPDestinationHost
	AVPDestinationRealm       = diameter.AVPDestinationRealm
	AVPResultCode             = diameter.AVPResultCode
	AVPAccountingRecordType   = diameter.AVPAccountingRecordType
	AVPAccountingRecordNumber = diameter.AVPAccountingRecordNumber
)

// Accounting-Record-Type values.
const (
	RecordEvent   = diameter.RecordEvent
	RecordStart   = diameter.RecordStart
	RecordInterim = diameter.RecordInterim
	RecordStop    = diameter.RecordStop
)

// Result codes.
const (
	ResultSuccess          = diameter.ResultSuccess
	ResultUnableToDeliver  = diameter.ResultUnableToDeliver
	ResultUnknownSessionID = diameter.ResultUnknownSessionID
	ResultUnableToComply   = diameter.ResultUnableToComply
)

// Addressee types.
const (
	AddresseeTo  = events.AddresseeTo
	AddresseeCC  = events.AddresseeCC
	AddresseeBCC = events.AddresseeBCC
)

// ServiceFor returns a Service receiving every event type of the default
// catalog.
func ServiceFor(id string) Service {
	svc := Service{ID: id}
	for _, et := range eventid.DefaultCatalog().Types() {
		svc.EventTypes = append(svc.EventTypes, et.ID)
	}
	return svc
}
