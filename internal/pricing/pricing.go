package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/offsetx/exchange/internal/models"
	"github.com/offsetx/exchange/internal/store"
)

const (
	// DefaultBasePrice is quoted until the first trade executes.
	DefaultBasePrice = 10000.0
	// DefaultSensitivity is the supply/demand adjustment factor.
	DefaultSensitivity = 0.1

	bandBelow = 0.9
	bandAbove = 1.1
)

// Service supplies the last traded price, the admission band for incoming
// orders, and the published dynamic price quote.
type Service struct {
	orders    store.OrderStore
	trades    store.TradeStore
	basePrice float64
}

// New creates a pricing service. A non-positive basePrice falls back to
// DefaultBasePrice.
func New(orders store.OrderStore, trades store.TradeStore, basePrice float64) *Service {
	if basePrice <= 0 {
		basePrice = DefaultBasePrice
	}
	return &Service{orders: orders, trades: trades, basePrice: basePrice}
}

// LastTradedPrice returns the most recent trade's price, or the base price
// when no trade has ever executed.
func (s *Service) LastTradedPrice(ctx context.Context) (float64, error) {
	trade, err := s.trades.LastTrade(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.basePrice, nil
		}
		return 0, fmt.Errorf("failed to get last trade: %w", err)
	}
	return trade.Price, nil
}

// Band returns the inclusive [min, max] limit-price range a new order must
// fall within: 10% either side of the last traded price.
func (s *Service) Band(ctx context.Context) (float64, float64, error) {
	last, err := s.LastTradedPrice(ctx)
	if err != nil {
		return 0, 0, err
	}
	return last * bandBelow, last * bandAbove, nil
}

// DynamicPrice computes base * (1 + sensitivity * (demand/supply - 1)) where
// demand and supply are the summed quantities of resting pending buy and sell
// orders. With no supply the quote rises by the full sensitivity.
func (s *Service) DynamicPrice(ctx context.Context, base, sensitivity float64) (float64, error) {
	demand, err := s.orders.SumQuantityBySideStatus(ctx, models.SideBuy, models.OrderPending)
	if err != nil {
		return 0, fmt.Errorf("failed to sum demand: %w", err)
	}
	supply, err := s.orders.SumQuantityBySideStatus(ctx, models.SideSell, models.OrderPending)
	if err != nil {
		return 0, fmt.Errorf("failed to sum supply: %w", err)
	}

	if supply == 0 {
		return base * (1 + sensitivity), nil
	}
	return base * (1 + sensitivity*(demand-supply)/supply), nil
}

// CreditsNeeded returns how many credits are missing to cover emissions.
func CreditsNeeded(totalEmissions, creditsOwned float64) float64 {
	return math.Max(0, totalEmissions-creditsOwned)
}

// ExtraCredits returns the surplus of owned credits over emissions.
func ExtraCredits(totalEmissions, creditsOwned float64) float64 {
	return math.Max(0, creditsOwned-totalEmissions)
}

// CreditsUsed returns how many credits were consumed since initialCredits.
func CreditsUsed(initialCredits, currentCredits float64) float64 {
	return math.Max(0, initialCredits-currentCredits)
}
