package dex

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/Luisqbd/sniperbot/internal/domain"
)

// GasPricer reports the current network gas price. *chain.Client satisfies
// it; tests substitute a fixed price.
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// ExecLimits caps what the aggregator will accept for one execution.
type ExecLimits struct {
	MaxSlippageBps  float64
	MaxGasPriceGwei float64
}

// Aggregator fans quoting and execution out across the configured routes in
// priority order. At most one route's swap reaches the chain per call.
type Aggregator struct {
	routes []domain.DexRoute
	client RouteClient
	gas    GasPricer
	logger *slog.Logger
}

// NewAggregator builds an aggregator over routes, which are sorted by
// ascending priority once here.
func NewAggregator(routes []domain.DexRoute, client RouteClient, gas GasPricer, logger *slog.Logger) *Aggregator {
	sorted := make([]domain.DexRoute, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &Aggregator{
		routes: sorted,
		client: client,
		gas:    gas,
		logger: logger.With(slog.String("component", "dex_aggregator")),
	}
}

// Routes returns the configured routes in fallback order.
func (a *Aggregator) Routes() []domain.DexRoute {
	out := make([]domain.DexRoute, len(a.routes))
	copy(out, a.routes)
	return out
}

// BestQuote queries every route and returns the quote with the highest
// output amount. Routes without a pool are skipped; if no route can quote,
// the error matches domain.ErrQuoteUnavailable.
func (a *Aggregator) BestQuote(ctx context.Context, side domain.Side, token string, amountIn *big.Int) (domain.Quote, error) {
	var (
		best  domain.Quote
		found bool
	)
	for _, route := range a.routes {
		q, err := a.client.Quote(ctx, route, side, token, amountIn)
		if err != nil {
			a.logger.Debug("quote unavailable",
				slog.String("route", route.Name),
				slog.String("token", token),
				slog.Any("error", err),
			)
			continue
		}
		if !found || q.AmountOut.Cmp(best.AmountOut) > 0 {
			best, found = q, true
		}
	}
	if !found {
		return domain.Quote{}, fmt.Errorf("dex: no route can quote %s: %w", token, domain.ErrQuoteUnavailable)
	}
	return best, nil
}

// ExecuteWithFallback attempts the swap on each route in priority order and
// returns the first success. Routes whose quotes violate the slippage limit
// are skipped rather than executed. When every route fails the returned
// error is a *domain.ExecutionError listing each route's reason, and it
// matches domain.ErrAllRoutesFailed.
//
// The gas-price cap is checked once up front: execution at an unacceptable
// gas price would fail on every route for the same reason.
func (a *Aggregator) ExecuteWithFallback(ctx context.Context, side domain.Side, token string, amountIn *big.Int, limits ExecLimits) (domain.ExecutionResult, error) {
	gasPrice, err := a.gas.SuggestGasPrice(ctx)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("dex: gas price: %w", err)
	}
	if limits.MaxGasPriceGwei > 0 {
		cap := gweiToWei(limits.MaxGasPriceGwei)
		if gasPrice.Cmp(cap) > 0 {
			return domain.ExecutionResult{}, fmt.Errorf("dex: gas price %s wei exceeds cap %s wei: %w",
				gasPrice.String(), cap.String(), domain.ErrGasPriceExceeded)
		}
	}

	failures := make([]domain.RouteFailure, 0, len(a.routes))
	for _, route := range a.routes {
		select {
		case <-ctx.Done():
			return domain.ExecutionResult{}, ctx.Err()
		default:
		}

		quote, err := a.client.Quote(ctx, route, side, token, amountIn)
		if err != nil {
			failures = append(failures, domain.RouteFailure{DexName: route.Name, Reason: err})
			continue
		}

		if limits.MaxSlippageBps > 0 && quote.PriceImpact*10_000 > limits.MaxSlippageBps {
			failures = append(failures, domain.RouteFailure{
				DexName: route.Name,
				Reason: fmt.Errorf("price impact %.1f bps over limit %.1f bps: %w",
					quote.PriceImpact*10_000, limits.MaxSlippageBps, domain.ErrSlippageExceeded),
			})
			continue
		}

		minOut := applySlippage(quote.AmountOut, limits.MaxSlippageBps)
		result, err := a.client.Execute(ctx, route, side, token, amountIn, minOut, gasPrice)
		if err != nil {
			a.logger.Warn("route execution failed, falling back",
				slog.String("route", route.Name),
				slog.String("token", token),
				slog.String("side", string(side)),
				slog.Any("error", err),
			)
			failures = append(failures, domain.RouteFailure{DexName: route.Name, Reason: err})
			continue
		}

		a.logger.Info("swap executed",
			slog.String("route", route.Name),
			slog.String("token", token),
			slog.String("side", string(side)),
			slog.String("tx", result.TxHash),
		)
		return result, nil
	}

	return domain.ExecutionResult{}, &domain.ExecutionError{Failures: failures}
}

// applySlippage reduces amount by bps basis points, defaulting to 5% when
// no limit is set so the swap still carries slippage protection.
func applySlippage(amount *big.Int, bps float64) *big.Int {
	if bps <= 0 {
		bps = 500
	}
	keep := big.NewInt(int64(10_000 - bps))
	out := new(big.Int).Mul(amount, keep)
	return out.Div(out, big.NewInt(10_000))
}

func gweiToWei(gwei float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9))
	wei, _ := f.Int(nil)
	return wei
}
