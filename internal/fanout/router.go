// Package fanout routes book.Update events off the book's mutating
// goroutine and onto a Kafka topic per symbol, the same producer/MPSC
// pairing the matching engine's order sequencer uses, just downstream
// of the book instead of upstream.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/wyfcoding/pkg/algorithm"

	"github.com/quantmesh/lobcore/internal/book"
	"github.com/quantmesh/lobcore/pkg/mq"
)

// fillEvent is the wire shape published to lob.fills.<symbol>.
type fillEvent struct {
	Symbol   string          `json:"symbol"`
	Sequence uint64          `json:"sequence"`
	Kind     book.UpdateKind `json:"kind"`
	OrderID  string          `json:"order_id"`
	Fills    []fillLeg       `json:"fills,omitempty"`
}

type fillLeg struct {
	MakerID  string `json:"maker_id"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// Router buffers book.Update events in a bounded MPSC ring so the
// subscriber callback the book invokes synchronously on every mutation
// never blocks on Kafka I/O. A dropped update (the ring is full) is
// logged and discarded; routing degrades, the book itself never stalls.
type Router struct {
	ring     *algorithm.MpscRingBuffer[book.Update]
	producer *mq.KafkaProducer
	logger   *slog.Logger
	stopCh   chan struct{}
}

// NewRouter builds a Router with the given ring capacity, publishing
// through producer.
func NewRouter(capacity uint64, producer *mq.KafkaProducer, logger *slog.Logger) (*Router, error) {
	ring, err := algorithm.NewMpscRingBuffer[book.Update](capacity)
	if err != nil {
		return nil, fmt.Errorf("fanout: new ring buffer: %w", err)
	}
	return &Router{
		ring:     ring,
		producer: producer,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}, nil
}

// Subscriber returns a book.Subscriber bound to this router, suitable
// for passing to OrderBook.SubscribeUpdates. Offer never blocks; it
// returns false (and the update is dropped) if the ring is full.
func (r *Router) Subscriber() book.Subscriber {
	return func(u book.Update) {
		if !r.ring.Offer(&u) {
			r.logger.Warn("fanout: ring buffer full, dropping update", "symbol", u.Symbol, "sequence", u.Sequence)
		}
	}
}

// Topic returns the Kafka topic a symbol's fills are published to.
func Topic(symbol string) string {
	return "lob.fills." + symbol
}

// Start runs the single-consumer drain loop until ctx is cancelled or
// Stop is called.
func (r *Router) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			default:
				u := r.ring.Poll()
				if u == nil {
					runtime.Gosched()
					continue
				}
				r.publish(ctx, *u)
			}
		}
	}()
}

// Stop ends the consumer loop.
func (r *Router) Stop() {
	close(r.stopCh)
}

func (r *Router) publish(ctx context.Context, u book.Update) {
	ev := fillEvent{Symbol: u.Symbol, Sequence: u.Sequence, Kind: u.Kind, OrderID: u.OrderID}
	for _, f := range u.Fills {
		ev.Fills = append(ev.Fills, fillLeg{MakerID: f.MakerID, Price: f.Price.String(), Quantity: f.Quantity.String()})
	}
	if err := r.producer.SendMessage(ctx, Topic(u.Symbol), u.OrderID, ev); err != nil {
		r.logger.Error("fanout: publish failed", "symbol", u.Symbol, "sequence", u.Sequence, "error", err)
	}
}
