package book

import (
	"testing"
	"time"

	"github.com/offsetx/exchange/internal/models"
)

func order(id, userID string, side models.Side, price, quantity float64, at time.Time) *models.Order {
	return &models.Order{
		ID:        id,
		UserID:    userID,
		Side:      side,
		Price:     price,
		Quantity:  quantity,
		Status:    models.OrderPending,
		CreatedAt: at,
	}
}

func TestBook_AddOrdering(t *testing.T) {
	b := New()
	now := time.Now()

	b.Add(order("b1", "u1", models.SideBuy, 50, 1, now.Add(-time.Second)))
	b.Add(order("b2", "u2", models.SideBuy, 51, 1, now))
	b.Add(order("b3", "u3", models.SideBuy, 50, 1, now.Add(time.Second)))

	bids := b.BuySide()
	if len(bids) != 3 {
		t.Fatalf("expected 3 bids, got %d", len(bids))
	}
	if bids[0].ID != "b2" {
		t.Errorf("expected highest price first, got %s", bids[0].ID)
	}
	if bids[1].ID != "b1" || bids[2].ID != "b3" {
		t.Error("bids at same price not in insertion order")
	}

	b.Add(order("s1", "u1", models.SideSell, 52, 1, now.Add(-time.Second)))
	b.Add(order("s2", "u2", models.SideSell, 51, 1, now))
	b.Add(order("s3", "u3", models.SideSell, 52, 1, now.Add(time.Second)))

	asks := b.SellSide()
	if len(asks) != 3 {
		t.Fatalf("expected 3 asks, got %d", len(asks))
	}
	if asks[0].ID != "s2" {
		t.Errorf("expected lowest price first, got %s", asks[0].ID)
	}
	if asks[1].ID != "s1" || asks[2].ID != "s3" {
		t.Error("asks at same price not in insertion order")
	}
}

func TestBook_BestLookups(t *testing.T) {
	b := New()
	now := time.Now()

	if b.BestBuy() != nil || b.BestSell() != nil {
		t.Fatal("expected nil best on empty book")
	}

	b.Add(order("b1", "u1", models.SideBuy, 48, 1, now))
	b.Add(order("b2", "u2", models.SideBuy, 52, 1, now))
	b.Add(order("s1", "u3", models.SideSell, 55, 1, now))
	b.Add(order("s2", "u4", models.SideSell, 53, 1, now))

	if best := b.BestBuy(); best == nil || best.ID != "b2" {
		t.Errorf("expected best buy b2, got %+v", best)
	}
	if best := b.BestSell(); best == nil || best.ID != "s2" {
		t.Errorf("expected best sell s2, got %+v", best)
	}
}

func TestBook_HasCrossedMatch(t *testing.T) {
	b := New()
	now := time.Now()

	if b.HasCrossedMatch() {
		t.Fatal("empty book must not cross")
	}

	b.Add(order("b1", "u1", models.SideBuy, 50, 1, now))
	if b.HasCrossedMatch() {
		t.Fatal("one-sided book must not cross")
	}

	b.Add(order("s1", "u2", models.SideSell, 51, 1, now))
	if b.HasCrossedMatch() {
		t.Fatal("bid below ask must not cross")
	}

	b.Add(order("s2", "u3", models.SideSell, 50, 1, now))
	if !b.HasCrossedMatch() {
		t.Fatal("bid equal to ask must cross")
	}
}

func TestBook_Remove(t *testing.T) {
	b := New()
	now := time.Now()

	b.Add(order("b1", "u1", models.SideBuy, 50, 1, now))
	b.Add(order("b2", "u2", models.SideBuy, 50, 1, now.Add(time.Second)))
	b.Add(order("b3", "u3", models.SideBuy, 49, 1, now))

	b.Remove("b1")
	if best := b.BestBuy(); best == nil || best.ID != "b2" {
		t.Errorf("expected b2 to head the level after removal, got %+v", best)
	}

	// Emptying a level deletes it; the next level becomes best.
	b.Remove("b2")
	if best := b.BestBuy(); best == nil || best.ID != "b3" {
		t.Errorf("expected b3 best after level emptied, got %+v", best)
	}

	// Unknown id is a no-op.
	b.Remove("nope")
	if b.Size() != 1 {
		t.Errorf("expected 1 resting order, got %d", b.Size())
	}
}

func TestBook_Fill(t *testing.T) {
	b := New()
	b.Add(order("s1", "u1", models.SideSell, 50, 10, time.Now()))

	b.Fill("s1", 4)
	got := b.Get("s1")
	if got.Quantity != 6 || got.Status != models.OrderPartial {
		t.Errorf("expected remaining 6 partial, got %g %s", got.Quantity, got.Status)
	}

	// Unknown id is a no-op.
	b.Fill("nope", 1)
	if b.Size() != 1 {
		t.Errorf("expected 1 resting order, got %d", b.Size())
	}
}

func TestBook_Get(t *testing.T) {
	b := New()
	o := order("s1", "u1", models.SideSell, 50, 3, time.Now())
	b.Add(o)

	if got := b.Get("s1"); got != o {
		t.Error("expected Get to return the resting order")
	}
	if got := b.Get("missing"); got != nil {
		t.Errorf("expected nil for unknown id, got %+v", got)
	}
}

func TestBook_Clear(t *testing.T) {
	b := New()
	now := time.Now()
	b.Add(order("b1", "u1", models.SideBuy, 50, 1, now))
	b.Add(order("s1", "u2", models.SideSell, 51, 1, now))

	b.Clear()
	if b.Size() != 0 || b.BestBuy() != nil || b.BestSell() != nil {
		t.Fatal("expected empty book after clear")
	}
}
