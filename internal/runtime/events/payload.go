package events

import "github.com/drblury/rfbridge/internal/runtime/diameter"

// Payload is the codec-neutral form of an event handed to sinks.
type Payload struct {
	Kind         string            `json:"kind"`
	SessionID    string            `json:"session_id"`
	CommandCode  uint32            `json:"command_code"`
	Request      bool              `json:"request"`
	Error        bool              `json:"error"`
	ResultCode   *uint32           `json:"result_code,omitempty"`
	RecordType   *uint32           `json:"record_type,omitempty"`
	RecordNumber *uint32           `json:"record_number,omitempty"`
	OriginHost   diameter.Identity `json:"origin_host,omitempty"`
	OriginRealm  diameter.Identity `json:"origin_realm,omitempty"`
}

// PayloadOf flattens ev. Fields whose AVPs are absent or malformed are left empty.
func PayloadOf(ev Event) Payload {
	msg := ev.Message()
	p := Payload{
		Kind:        ev.Kind().String(),
		SessionID:   ev.SessionID(),
		CommandCode: ev.CommandCode(),
		Request:     ev.IsRequest(),
		Error:       msg.IsError(),
	}
	type origin interface {
		OriginHost() (diameter.Identity, bool)
		OriginRealm() (diameter.Identity, bool)
	}
	if o, ok := ev.(origin); ok {
		p.OriginHost, _ = o.OriginHost()
		p.OriginRealm, _ = o.OriginRealm()
	}
	switch e := ev.(type) {
	case *AccountingRequest:
		p.RecordType = optional(e.RecordType())
		p.RecordNumber = optional(e.RecordNumber())
	case *AccountingAnswer:
		p.ResultCode = optional(e.ResultCode())
		p.RecordType = optional(e.RecordType())
		p.RecordNumber = optional(e.RecordNumber())
	case *ErrorAnswer:
		p.ResultCode = optional(e.ResultCode())
	}
	return p
}

// Map returns p as a generic map, the shape used by the structpb codec.
func (p Payload) Map() map[string]any {
	m := map[string]any{
		"kind":         p.Kind,
		"session_id":   p.SessionID,
		"command_code": float64(p.CommandCode),
		"request":      p.Request,
		"error":        p.Error,
	}
	put := func(key string, v *uint32) {
		if v != nil {
			m[key] = float64(*v)
		}
	}
	put("result_code", p.ResultCode)
	put("record_type", p.RecordType)
	put("record_number", p.RecordNumber)
	if p.OriginHost != "" {
		m["origin_host"] = p.OriginHost.String()
	}
	if p.OriginRealm != "" {
		m["origin_realm"] = p.OriginRealm.String()
	}
	return m
}

func optional(v uint32, ok bool) *uint32 {
	if !ok {
		return nil
	}
	return &v
}
