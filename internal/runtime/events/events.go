// Package events turns Diameter messages into typed accounting events.
package events

import (
	"github.com/drblury/rfbridge/internal/runtime/diameter"
	errspkg "github.com/drblury/rfbridge/internal/runtime/errors"
)

// Kind classifies an event.
type Kind int

const (
	KindAccountingRequest Kind = iota + 1
	KindAccountingAnswer
	KindErrorAnswer
	KindGeneric
)

func (k Kind) String() string {
	switch k {
	case KindAccountingRequest:
		return "AccountingRequest"
	case KindAccountingAnswer:
		return "AccountingAnswer"
	case KindErrorAnswer:
		return "ErrorAnswer"
	case KindGeneric:
		return "ExtensionMessage"
	}
	return "Unknown"
}

// Event is an immutable event derived from one message.
type Event interface {
	Message() diameter.Message
	Kind() Kind
	CommandCode() uint32
	IsRequest() bool
	SessionID() string
}

type base struct {
	msg diameter.Message
}

func (b base) Message() diameter.Message { return b.msg }
func (b base) CommandCode() uint32       { return b.msg.CommandCode() }
func (b base) IsRequest() bool           { return b.msg.IsRequest() }
func (b base) SessionID() string         { return b.msg.SessionID() }

// OriginHost returns the Origin-Host AVP, absent when missing or malformed.
func (b base) OriginHost() (diameter.Identity, bool) { return b.identity(diameter.AVPOriginHost) }

// OriginRealm returns the Origin-Realm AVP.
func (b base) OriginRealm() (diameter.Identity, bool) { return b.identity(diameter.AVPOriginRealm) }

// DestinationHost returns the Destination-Host AVP.
func (b base) DestinationHost() (diameter.Identity, bool) {
	return b.identity(diameter.AVPDestinationHost)
}

// DestinationRealm returns the Destination-Realm AVP.
func (b base) DestinationRealm() (diameter.Identity, bool) {
	return b.identity(diameter.AVPDestinationRealm)
}

func (b base) identity(code uint32) (diameter.Identity, bool) {
	id, ok, err := diameter.LookupIdentity(b.msg.AVPs(), code)
	if err != nil {
		return "", false
	}
	return id, ok
}

func (b base) unsigned(code uint32) (uint32, bool) {
	v, ok, err := diameter.LookupUnsigned32(b.msg.AVPs(), code)
	if err != nil {
		return 0, false
	}
	return v, ok
}

// AccountingRequest is an ACR.
type AccountingRequest struct{ base }

func (*AccountingRequest) Kind() Kind { return KindAccountingRequest }

// RecordType returns Accounting-Record-Type.
func (e *AccountingRequest) RecordType() (uint32, bool) {
	return e.unsigned(diameter.AVPAccountingRecordType)
}

// RecordNumber returns Accounting-Record-Number.
func (e *AccountingRequest) RecordNumber() (uint32, bool) {
	return e.unsigned(diameter.AVPAccountingRecordNumber)
}

// AccountingAnswer is an ACA.
type AccountingAnswer struct{ base }

func (*AccountingAnswer) Kind() Kind { return KindAccountingAnswer }

// ResultCode returns the Result-Code AVP.
func (e *AccountingAnswer) ResultCode() (uint32, bool) { return e.unsigned(diameter.AVPResultCode) }

// RecordType returns Accounting-Record-Type.
func (e *AccountingAnswer) RecordType() (uint32, bool) {
	return e.unsigned(diameter.AVPAccountingRecordType)
}

// RecordNumber returns Accounting-Record-Number.
func (e *AccountingAnswer) RecordNumber() (uint32, bool) {
	return e.unsigned(diameter.AVPAccountingRecordNumber)
}

// Successful reports a 2xxx result code.
func (e *AccountingAnswer) Successful() bool {
	rc, ok := e.ResultCode()
	return ok && rc >= 2000 && rc < 3000
}

// ErrorAnswer is any message with the E bit set.
type ErrorAnswer struct{ base }

func (*ErrorAnswer) Kind() Kind { return KindErrorAnswer }

// ResultCode returns the Result-Code AVP.
func (e *ErrorAnswer) ResultCode() (uint32, bool) { return e.unsigned(diameter.AVPResultCode) }

// GenericMessage carries any other command untyped.
type GenericMessage struct{ base }

func (*GenericMessage) Kind() Kind { return KindGeneric }

// Translate classifies msg. The error flag wins over the command code.
func Translate(msg diameter.Message) (Event, error) {
	if msg == nil {
		return nil, errspkg.ErrNilMessage
	}
	b := base{msg: diameter.Snapshot(msg)}
	switch {
	case msg.IsError():
		return &ErrorAnswer{b}, nil
	case msg.CommandCode() == diameter.CommandAccounting && msg.IsRequest():
		return &AccountingRequest{b}, nil
	case msg.CommandCode() == diameter.CommandAccounting:
		return &AccountingAnswer{b}, nil
	default:
		return &GenericMessage{b}, nil
	}
}
