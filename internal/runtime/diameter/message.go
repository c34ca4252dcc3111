package diameter

import (
	"errors"
	"fmt"
	"slices"
	"unicode/utf8"
)

// ErrAVPDecode is returned by AVP accessors when the stored value cannot be
// read as the requested type.
var ErrAVPDecode = errors.New("diameter: avp data cannot be decoded as requested type")

// Identity is a DiameterIdentity (FQDN) value.
type Identity string

func (i Identity) String() string { return string(i) }

// IsZero reports whether the identity is absent.
func (i Identity) IsZero() bool { return i == "" }

// AVP is a single attribute-value pair.
type AVP interface {
	Code() uint32
	Identity() (Identity, error)
	Unsigned32() (uint32, error)
	UTF8String() (string, error)
	Grouped() (AVPSet, error)
}

// AVPSet is the attribute collection of a message or grouped AVP.
type AVPSet interface {
	// Get returns the first AVP with the given code.
	Get(code uint32) (AVP, bool)
	// All returns every AVP with the given code, in order.
	All(code uint32) []AVP
	Len() int
}

// Message is an already-decoded Diameter message as exposed by the stack.
type Message interface {
	CommandCode() uint32
	ApplicationID() uint32
	IsRequest() bool
	IsError() bool
	IsProxiable() bool
	SessionID() string
	AVPs() AVPSet
}

// Value is an in-memory AVP. The stored value decides which accessors
// succeed; a []byte value is decoded on access, which is how the stack hands
// over AVPs it did not type.
type Value struct {
	code uint32
	data any
}

// NewAVP builds an AVP holding a string, Identity, uint32, []byte or []AVP.
func NewAVP(code uint32, data any) Value {
	return Value{code: code, data: data}
}

func (v Value) Code() uint32 { return v.code }

func (v Value) Identity() (Identity, error) {
	s, err := v.UTF8String()
	return Identity(s), err
}

func (v Value) UTF8String() (string, error) {
	switch d := v.data.(type) {
	case string:
		return d, nil
	case Identity:
		return string(d), nil
	case []byte:
		if !utf8.Valid(d) {
			return "", fmt.Errorf("avp %d: %w", v.code, ErrAVPDecode)
		}
		return string(d), nil
	}
	return "", fmt.Errorf("avp %d: %w", v.code, ErrAVPDecode)
}

func (v Value) Unsigned32() (uint32, error) {
	switch d := v.data.(type) {
	case uint32:
		return d, nil
	case []byte:
		if len(d) == 4 {
			return uint32(d[0])<<24 | uint32(d[1])<<16 | uint32(d[2])<<8 | uint32(d[3]), nil
		}
	}
	return 0, fmt.Errorf("avp %d: %w", v.code, ErrAVPDecode)
}

func (v Value) Grouped() (AVPSet, error) {
	if d, ok := v.data.([]AVP); ok {
		return AVPList(d), nil
	}
	return nil, fmt.Errorf("avp %d: %w", v.code, ErrAVPDecode)
}

// AVPList is an ordered AVPSet.
type AVPList []AVP

func (l AVPList) Get(code uint32) (AVP, bool) {
	for _, a := range l {
		if a.Code() == code {
			return a, true
		}
	}
	return nil, false
}

func (l AVPList) All(code uint32) []AVP {
	var out []AVP
	for _, a := range l {
		if a.Code() == code {
			out = append(out, a)
		}
	}
	return out
}

func (l AVPList) Len() int { return len(l) }

// BasicMessage is a plain Message implementation used to build requests and
// answers handed to the stack.
type BasicMessage struct {
	commandCode uint32
	appID       uint32
	request     bool
	errorBit    bool
	proxiable   bool
	avps        AVPList
}

// NewRequest starts a request carrying the Session-Id AVP.
func NewRequest(commandCode, appID uint32, sessionID string) *BasicMessage {
	m := &BasicMessage{commandCode: commandCode, appID: appID, request: true, proxiable: true}
	if sessionID != "" {
		m.avps = append(m.avps, NewAVP(AVPSessionID, sessionID))
	}
	return m
}

// NewAnswer starts an answer to req, copying its Session-Id.
func NewAnswer(req Message) *BasicMessage {
	m := &BasicMessage{commandCode: req.CommandCode(), appID: req.ApplicationID(), proxiable: req.IsProxiable()}
	if id := req.SessionID(); id != "" {
		m.avps = append(m.avps, NewAVP(AVPSessionID, id))
	}
	return m
}

// Add appends AVPs and returns the message for chaining.
func (m *BasicMessage) Add(avps ...AVP) *BasicMessage {
	m.avps = append(m.avps, avps...)
	return m
}

// SetError sets the E bit.
func (m *BasicMessage) SetError(v bool) *BasicMessage {
	m.errorBit = v
	return m
}

// SetProxiable sets the P bit.
func (m *BasicMessage) SetProxiable(v bool) *BasicMessage {
	m.proxiable = v
	return m
}

func (m *BasicMessage) CommandCode() uint32   { return m.commandCode }
func (m *BasicMessage) ApplicationID() uint32 { return m.appID }
func (m *BasicMessage) IsRequest() bool       { return m.request }
func (m *BasicMessage) IsError() bool         { return m.errorBit }
func (m *BasicMessage) IsProxiable() bool     { return m.proxiable }
func (m *BasicMessage) AVPs() AVPSet          { return m.avps }

func (m *BasicMessage) SessionID() string {
	a, ok := m.avps.Get(AVPSessionID)
	if !ok {
		return ""
	}
	s, err := a.UTF8String()
	if err != nil {
		return ""
	}
	return s
}

func (m *BasicMessage) String() string {
	kind := "answer"
	if m.request {
		kind = "request"
	}
	return fmt.Sprintf("%s[code=%d app=%d session=%q avps=%d]", kind, m.commandCode, m.appID, m.SessionID(), len(m.avps))
}

// snapshot is a read-only copy of a Message.
type snapshot struct {
	commandCode uint32
	appID       uint32
	request     bool
	errorBit    bool
	proxiable   bool
	sessionID   string
	avps        AVPSet
}

// Snapshot copies msg so later changes to the original are not observed
// through the result. An AVPList is cloned; other AVPSets are owned by the
// stack and kept as they are.
func Snapshot(msg Message) Message {
	switch m := msg.(type) {
	case nil:
		return nil
	case *snapshot:
		return m
	}
	avps := msg.AVPs()
	if l, ok := avps.(AVPList); ok {
		avps = slices.Clone(l)
	}
	return &snapshot{
		commandCode: msg.CommandCode(),
		appID:       msg.ApplicationID(),
		request:     msg.IsRequest(),
		errorBit:    msg.IsError(),
		proxiable:   msg.IsProxiable(),
		sessionID:   msg.SessionID(),
		avps:        avps,
	}
}

func (m *snapshot) CommandCode() uint32   { return m.commandCode }
func (m *snapshot) ApplicationID() uint32 { return m.appID }
func (m *snapshot) IsRequest() bool       { return m.request }
func (m *snapshot) IsError() bool         { return m.errorBit }
func (m *snapshot) IsProxiable() bool     { return m.proxiable }
func (m *snapshot) SessionID() string     { return m.sessionID }
func (m *snapshot) AVPs() AVPSet          { return m.avps }

// LookupIdentity reads an Identity AVP. It reports absent (ok=false) when the
// AVP is missing and returns the decode error when it is present but malformed.
func LookupIdentity(set AVPSet, code uint32) (Identity, bool, error) {
	if set == nil {
		return "", false, nil
	}
	a, ok := set.Get(code)
	if !ok {
		return "", false, nil
	}
	id, err := a.Identity()
	if err != nil {
		return "", true, err
	}
	return id, true, nil
}

// LookupUnsigned32 reads an Unsigned32 AVP with the same conventions as LookupIdentity.
func LookupUnsigned32(set AVPSet, code uint32) (uint32, bool, error) {
	if set == nil {
		return 0, false, nil
	}
	a, ok := set.Get(code)
	if !ok {
		return 0, false, nil
	}
	v, err := a.Unsigned32()
	if err != nil {
		return 0, true, err
	}
	return v, true, nil
}
