package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrTxDone is returned when staging into a committed or rolled back Tx.
var ErrTxDone = errors.New("dispatch: transaction already finished")

type staged struct {
	sink EventSink
	fire Fire
}

// Tx is a unit of work. Transacted fires dispatched with a Tx in the context
// are held until Commit and dropped by Rollback.
type Tx struct {
	mu     sync.Mutex
	staged []staged
	done   bool
}

// NewTx starts an empty unit of work.
func NewTx() *Tx {
	return &Tx{}
}

type txKey struct{}

// WithTx returns a context carrying tx.
func WithTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFrom returns the Tx carried by ctx.
func TxFrom(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*Tx)
	return tx, ok && tx != nil
}

func (tx *Tx) stage(sink EventSink, fire Fire) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.staged = append(tx.staged, staged{sink: sink, fire: fire})
	return nil
}

// Len returns the number of staged fires.
func (tx *Tx) Len() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.staged)
}

// Commit fires every staged event. Fires for a BatchSink go out in a single
// call per sink, in staging order.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return ErrTxDone
	}
	tx.done = true
	items := tx.staged
	tx.staged = nil
	tx.mu.Unlock()

	var (
		order   []EventSink
		grouped = make(map[EventSink][]Fire)
	)
	for _, s := range items {
		if _, ok := grouped[s.sink]; !ok {
			order = append(order, s.sink)
		}
		grouped[s.sink] = append(grouped[s.sink], s.fire)
	}

	var errs []error
	for _, sink := range order {
		fires := grouped[sink]
		if batch, ok := sink.(BatchSink); ok {
			if err := batch.FireEvents(ctx, fires); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		for _, f := range fires {
			if err := sink.FireEvent(ctx, f); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Rollback drops every staged fire.
func (tx *Tx) Rollback() {
	tx.mu.Lock()
	tx.done = true
	tx.staged = nil
	tx.mu.Unlock()
}
