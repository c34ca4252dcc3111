package eventid

import "sync"

// Service describes a consumer and the event types it receives.
type Service struct {
	ID         string
	EventTypes []TypeID
}

// Filter tracks which event types have an active receiving service.
type Filter struct {
	mu       sync.RWMutex
	active   map[string]Service
	received map[TypeID]int
}

// NewFilter returns a filter with no active service.
func NewFilter() *Filter {
	return &Filter{
		active:   make(map[string]Service),
		received: make(map[TypeID]int),
	}
}

// ServiceActive starts routing the service's event types. Repeated calls for
// the same service id are ignored.
func (f *Filter) ServiceActive(s Service) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[s.ID]; ok {
		return
	}
	f.active[s.ID] = s
	for _, id := range s.EventTypes {
		f.received[id]++
	}
}

// ServiceStopping stops routing the service's event types.
func (f *Filter) ServiceStopping(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.active[id]
	if !ok {
		return
	}
	delete(f.active, id)
	for _, t := range s.EventTypes {
		if f.received[t]--; f.received[t] <= 0 {
			delete(f.received, t)
		}
	}
}

// ServiceInactive is the final notification for a service.
func (f *Filter) ServiceInactive(id string) {
	f.ServiceStopping(id)
}

// FilterEvent reports whether events of type t should be dropped.
func (f *Filter) FilterEvent(t *EventType) bool {
	if t == nil {
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.received[t.ID] == 0
}

// ActiveServices returns the ids of active services.
func (f *Filter) ActiveServices() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.active))
	for id := range f.active {
		out = append(out, id)
	}
	return out
}
