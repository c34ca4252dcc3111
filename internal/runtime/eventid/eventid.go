// Package eventid resolves the event type of a message and tracks which
// event types currently have a receiving service.
package eventid

import (
	"fmt"
	"sync"

	"github.com/drblury/rfbridge/internal/runtime/diameter"
	errspkg "github.com/drblury/rfbridge/internal/runtime/errors"
)

const (
	Vendor  = "rfbridge"
	Version = "1.0"

	NameAccountingRequest = "diameter.base.AccountingRequest"
	NameAccountingAnswer  = "diameter.base.AccountingAnswer"
	NameErrorAnswer       = "diameter.base.ErrorAnswer"
	NameExtensionMessage  = "diameter.base.ExtensionMessage"
)

// TypeID names an event type.
type TypeID struct {
	Name    string `json:"name"`
	Vendor  string `json:"vendor"`
	Version string `json:"version"`
}

func (id TypeID) String() string {
	return id.Name + "#" + id.Vendor + "#" + id.Version
}

// NewTypeID builds an id with the adaptor vendor and version.
func NewTypeID(name string) TypeID {
	return TypeID{Name: name, Vendor: Vendor, Version: Version}
}

// EventType is a resolved event type.
type EventType struct {
	ID      TypeID
	Ordinal int
}

func (t *EventType) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.ID.String()
}

// Lookup resolves an id to its event type.
type Lookup interface {
	EventType(id TypeID) (*EventType, error)
}

// Catalog is a fixed Lookup over a set of event types.
type Catalog struct {
	types map[TypeID]*EventType
	order []*EventType
}

// NewCatalog assigns ordinals in the given order.
func NewCatalog(ids ...TypeID) *Catalog {
	c := &Catalog{types: make(map[TypeID]*EventType, len(ids))}
	for _, id := range ids {
		if _, ok := c.types[id]; ok {
			continue
		}
		t := &EventType{ID: id, Ordinal: len(c.order)}
		c.types[id] = t
		c.order = append(c.order, t)
	}
	return c
}

// DefaultCatalog holds the event types fired by the adaptor.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		NewTypeID(NameAccountingRequest),
		NewTypeID(NameAccountingAnswer),
		NewTypeID(NameErrorAnswer),
		NewTypeID(NameExtensionMessage),
	)
}

func (c *Catalog) EventType(id TypeID) (*EventType, error) {
	if t, ok := c.types[id]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownEventType, id)
}

// Types returns every event type in ordinal order.
func (c *Catalog) Types() []*EventType {
	return append([]*EventType(nil), c.order...)
}

// IDFor maps a message classification onto its event type id.
func IDFor(commandCode uint32, request, isError bool) TypeID {
	switch {
	case isError:
		return NewTypeID(NameErrorAnswer)
	case commandCode == diameter.CommandAccounting && request:
		return NewTypeID(NameAccountingRequest)
	case commandCode == diameter.CommandAccounting:
		return NewTypeID(NameAccountingAnswer)
	default:
		return NewTypeID(NameExtensionMessage)
	}
}

type cacheKey struct {
	code    uint32
	request bool
	isError bool
}

// Cache memoizes Lookup results per (command code, request, error).
type Cache struct {
	lookup  Lookup
	entries sync.Map
}

// NewCache wraps lookup.
func NewCache(lookup Lookup) *Cache {
	return &Cache{lookup: lookup}
}

// Resolve returns the event type for the classification, asking the Lookup
// only on the first call per key. Failed lookups are not cached.
func (c *Cache) Resolve(commandCode uint32, request, isError bool) (*EventType, error) {
	key := cacheKey{code: commandCode, request: request, isError: isError}
	if t, ok := c.entries.Load(key); ok {
		return t.(*EventType), nil
	}
	t, err := c.lookup.EventType(IDFor(commandCode, request, isError))
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: lookup returned nil for command %d", errspkg.ErrUnknownEventType, commandCode)
	}
	actual, _ := c.entries.LoadOrStore(key, t)
	return actual.(*EventType), nil
}

// ResolveMessage resolves the event type of msg.
func (c *Cache) ResolveMessage(msg diameter.Message) (*EventType, error) {
	if msg == nil {
		return nil, errspkg.ErrNilMessage
	}
	return c.Resolve(msg.CommandCode(), msg.IsRequest(), msg.IsError())
}
