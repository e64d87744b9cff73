package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func orderData(buyer, seller, pilot, handshake string) map[string]interface{} {
	return map[string]interface{}{
		"buyerId":   buyer,
		"sellerId":  seller,
		"pilotId":   pilot,
		"handshake": handshake,
	}
}

func TestShouldSendAllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventOrderPlaced, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSendEventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventFundsReleased, EventOrderRefunded},
	}}

	released := &Event{Type: EventFundsReleased}
	refunded := &Event{Type: EventOrderRefunded}
	placed := &Event{Type: EventOrderPlaced}

	if !h.shouldSend(client, released) {
		t.Error("should receive funds_released events")
	}
	if !h.shouldSend(client, refunded) {
		t.Error("should receive order_refunded events")
	}
	if h.shouldSend(client, placed) {
		t.Error("should NOT receive order_placed events")
	}
}

func TestShouldSendAccountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Accounts: []string{"acct_amaka"},
	}}

	asSeller := &Event{
		Type: EventOrderPlaced,
		Data: orderData("acct_chidi", "acct_amaka", "", "HSK-1"),
	}
	asPilot := &Event{
		Type: EventInTransit,
		Data: orderData("acct_chidi", "acct_other", "acct_amaka", "HSK-2"),
	}
	unrelated := &Event{
		Type: EventOrderPlaced,
		Data: orderData("acct_chidi", "acct_other", "", "HSK-3"),
	}

	if !h.shouldSend(client, asSeller) {
		t.Error("should match as seller")
	}
	if !h.shouldSend(client, asPilot) {
		t.Error("should match as pilot")
	}
	if h.shouldSend(client, unrelated) {
		t.Error("should NOT match unrelated orders")
	}
}

func TestShouldSendHandshakeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Handshakes: []string{"HSK-AAAA11112222"},
	}}

	matching := &Event{
		Type: EventDelivered,
		Data: orderData("acct_chidi", "acct_amaka", "", "HSK-AAAA11112222"),
	}
	other := &Event{
		Type: EventDelivered,
		Data: orderData("acct_chidi", "acct_amaka", "", "HSK-BBBB33334444"),
	}

	if !h.shouldSend(client, matching) {
		t.Error("should match the watched handshake")
	}
	if h.shouldSend(client, other) {
		t.Error("should NOT match other handshakes")
	}
}

func TestShouldSendCombinedFilters(t *testing.T) {
	h := testHub()

	// Type and account filters compose: both must match.
	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventDisputeRaised},
		Accounts:   []string{"acct_amaka"},
	}}

	rightTypeRightAccount := &Event{
		Type: EventDisputeRaised,
		Data: orderData("acct_chidi", "acct_amaka", "", "HSK-1"),
	}
	rightTypeWrongAccount := &Event{
		Type: EventDisputeRaised,
		Data: orderData("acct_chidi", "acct_other", "", "HSK-2"),
	}
	wrongType := &Event{
		Type: EventOrderPlaced,
		Data: orderData("acct_chidi", "acct_amaka", "", "HSK-3"),
	}

	if !h.shouldSend(client, rightTypeRightAccount) {
		t.Error("should match when both filters pass")
	}
	if h.shouldSend(client, rightTypeWrongAccount) {
		t.Error("should NOT match wrong account")
	}
	if h.shouldSend(client, wrongType) {
		t.Error("should NOT match wrong type")
	}
}

func TestBroadcastDoesNotBlockWhenFull(t *testing.T) {
	h := testHub()
	// No Run loop draining the channel: overfill it.
	for i := 0; i < 600; i++ {
		h.BroadcastOrderEvent(EventOrderPlaced, orderData("acct_a", "acct_b", "", "HSK-1"))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop on context cancellation")
	}
}
