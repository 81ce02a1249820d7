package custody

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/yieldbrick/yieldbrick/internal/logging"
)

type recordingCustody struct {
	mu    sync.Mutex
	calls int
	ref   string
}

func (c *recordingCustody) RecordSettlement(_ context.Context, _, _, _ string, _ *big.Int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.ref, nil
}

func TestRetryQueueReplaysAndBackfills(t *testing.T) {
	cust := &recordingCustody{ref: "0xabc123"}

	done := make(chan struct{})
	var gotTrade, gotRef string
	onSettle := func(_ context.Context, tradeID, reference string) {
		gotTrade, gotRef = tradeID, reference
		close(done)
	}

	q := NewRetryQueue(cust, onSettle, logging.Discard())
	defer q.Close()

	q.Enqueue(Settlement{
		TradeID:     "trade-1",
		From:        "0xSeller",
		To:          "0xBuyer",
		AgreementID: "agr-oakview-12",
		Amount:      big.NewInt(1),
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("replay never completed")
	}
	if gotTrade != "trade-1" || gotRef != "0xabc123" {
		t.Fatalf("unexpected backfill: trade=%q ref=%q", gotTrade, gotRef)
	}
}

func TestStaticCustodyReferenceFormat(t *testing.T) {
	ref, err := Static{}.RecordSettlement(context.Background(), "0xSeller", "0xBuyer", "agr-oakview-12", big.NewInt(42))
	if err != nil {
		t.Fatalf("record settlement: %v", err)
	}
	if len(ref) != 66 || ref[:2] != "0x" {
		t.Fatalf("expected 0x-prefixed 32-byte reference, got %q", ref)
	}

	// References are unique per settlement.
	other, _ := Static{}.RecordSettlement(context.Background(), "0xSeller", "0xBuyer", "agr-oakview-12", big.NewInt(42))
	if ref == other {
		t.Fatalf("expected distinct references")
	}
}
