package book

import (
	"sort"
	"sync"

	"github.com/offsetx/exchange/internal/models"
)

// priceLevel holds the resting orders at one price, oldest first.
type priceLevel struct {
	price  float64
	orders []*models.Order
}

// Book is the two-sided order book: bids sorted highest price first, asks
// lowest price first, FIFO within a price level. Levels live in sorted
// slices, so best-of-book is the first entry and insert/remove locate the
// level with a binary search. All access is serialized by one mutex; the
// book holds no business logic beyond ordering.
type Book struct {
	mu    sync.Mutex
	bids  []*priceLevel // price descending
	asks  []*priceLevel // price ascending
	index map[string]*models.Order
}

// New creates an empty order book.
func New() *Book {
	return &Book{index: make(map[string]*models.Order)}
}

// Add inserts an order into its side's price level, appending within the
// level so time priority holds at a given price.
func (b *Book) Add(order *models.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.index[order.ID] = order
	if order.Side == models.SideBuy {
		b.bids = insert(b.bids, order, func(level *priceLevel) bool {
			return level.price <= order.Price
		})
	} else {
		b.asks = insert(b.asks, order, func(level *priceLevel) bool {
			return level.price >= order.Price
		})
	}
}

// insert places order into levels at the position found by the cutoff
// predicate, creating a new level when the price has no bucket yet.
func insert(levels []*priceLevel, order *models.Order, cutoff func(*priceLevel) bool) []*priceLevel {
	i := sort.Search(len(levels), func(i int) bool { return cutoff(levels[i]) })
	if i < len(levels) && levels[i].price == order.Price {
		levels[i].orders = append(levels[i].orders, order)
		return levels
	}
	level := &priceLevel{price: order.Price, orders: []*models.Order{order}}
	levels = append(levels, nil)
	copy(levels[i+1:], levels[i:])
	levels[i] = level
	return levels
}

// Remove takes an order out of the book, deleting its price level if it
// empties. Unknown ids are a no-op.
func (b *Book) Remove(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.index[orderID]
	if !ok {
		return
	}
	delete(b.index, orderID)

	if order.Side == models.SideBuy {
		b.bids = removeFrom(b.bids, order, func(level *priceLevel) bool {
			return level.price <= order.Price
		})
	} else {
		b.asks = removeFrom(b.asks, order, func(level *priceLevel) bool {
			return level.price >= order.Price
		})
	}
}

func removeFrom(levels []*priceLevel, order *models.Order, cutoff func(*priceLevel) bool) []*priceLevel {
	i := sort.Search(len(levels), func(i int) bool { return cutoff(levels[i]) })
	if i >= len(levels) || levels[i].price != order.Price {
		return levels
	}
	level := levels[i]
	for j, resting := range level.orders {
		if resting.ID == order.ID {
			level.orders = append(level.orders[:j], level.orders[j+1:]...)
			break
		}
	}
	if len(level.orders) == 0 {
		levels = append(levels[:i], levels[i+1:]...)
	}
	return levels
}

// Fill records a partial fill on a resting order, decrementing its remaining
// quantity under the book lock so snapshot readers never observe a torn
// write. Unknown ids are a no-op.
func (b *Book) Fill(orderID string, quantity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if order, ok := b.index[orderID]; ok {
		order.Quantity -= quantity
		order.Status = models.OrderPartial
	}
}

// Get returns the resting order with the given id, or nil.
func (b *Book) Get(orderID string) *models.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index[orderID]
}

// BestBuy returns the highest-priced, oldest-at-that-price bid, or nil.
func (b *Book) BestBuy() *models.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return best(b.bids)
}

// BestSell returns the lowest-priced, oldest-at-that-price ask, or nil.
func (b *Book) BestSell() *models.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return best(b.asks)
}

func best(levels []*priceLevel) *models.Order {
	if len(levels) == 0 || len(levels[0].orders) == 0 {
		return nil
	}
	return levels[0].orders[0]
}

// HasCrossedMatch reports whether the best bid meets or exceeds the best ask.
func (b *Book) HasCrossedMatch() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	buy, sell := best(b.bids), best(b.asks)
	return buy != nil && sell != nil && buy.Price >= sell.Price
}

// Clear empties both sides. Used on startup before the book is rebuilt from
// persisted open orders.
func (b *Book) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = nil
	b.asks = nil
	b.index = make(map[string]*models.Order)
}

// BuySide returns a copy of the bids in priority order.
func (b *Book) BuySide() []models.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return snapshot(b.bids)
}

// SellSide returns a copy of the asks in priority order.
func (b *Book) SellSide() []models.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return snapshot(b.asks)
}

func snapshot(levels []*priceLevel) []models.Order {
	var orders []models.Order
	for _, level := range levels {
		for _, order := range level.orders {
			orders = append(orders, *order)
		}
	}
	return orders
}

// Size returns the number of resting orders.
func (b *Book) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.index)
}
