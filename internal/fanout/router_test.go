package fanout

import (
	"io"
	"log/slog"
	"testing"

	"github.com/quantmesh/lobcore/internal/book"
)

func TestRouterSubscriberDoesNotBlockOnFullRing(t *testing.T) {
	t.Parallel()
	r, err := NewRouter(2, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	sub := r.Subscriber()

	// Fill the ring beyond capacity; Offer must never block or panic,
	// even with no consumer draining it.
	for i := 0; i < 10; i++ {
		sub(book.Update{Symbol: "BTC-USD", Sequence: uint64(i), Kind: book.UpdateAdd, OrderID: "o1"})
	}
}

func TestTopicNaming(t *testing.T) {
	t.Parallel()
	if got, want := Topic("BTC-USD"), "lob.fills.BTC-USD"; got != want {
		t.Fatalf("Topic() = %q, want %q", got, want)
	}
}
