package dex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Luisqbd/sniperbot/internal/domain"
)

type fakeRouteBehavior struct {
	quote     domain.Quote
	quoteErr  error
	execErr   error
	execCalls int
}

type fakeRouteClient struct {
	byName map[string]*fakeRouteBehavior
}

func (f *fakeRouteClient) Quote(_ context.Context, route domain.DexRoute, side domain.Side, _ string, amountIn *big.Int) (domain.Quote, error) {
	b := f.byName[route.Name]
	if b.quoteErr != nil {
		return domain.Quote{}, b.quoteErr
	}
	q := b.quote
	q.DexName = route.Name
	q.Side = side
	q.AmountIn = amountIn
	return q, nil
}

func (f *fakeRouteClient) Execute(_ context.Context, route domain.DexRoute, side domain.Side, _ string, amountIn, minOut, _ *big.Int) (domain.ExecutionResult, error) {
	b := f.byName[route.Name]
	b.execCalls++
	if b.execErr != nil {
		return domain.ExecutionResult{}, b.execErr
	}
	return domain.ExecutionResult{
		DexName:   route.Name,
		Side:      side,
		TxHash:    "0x" + route.Name,
		AmountIn:  amountIn,
		AmountOut: minOut,
	}, nil
}

type fixedGas struct{ price *big.Int }

func (g fixedGas) SuggestGasPrice(context.Context) (*big.Int, error) { return g.price, nil }

func testRoutes() []domain.DexRoute {
	return []domain.DexRoute{
		{Name: "second", Protocol: domain.ProtocolV3, Priority: 2},
		{Name: "first", Protocol: domain.ProtocolV2, Priority: 1},
		{Name: "third", Protocol: domain.ProtocolV2, Priority: 3},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRoutesSortedByPriority(t *testing.T) {
	agg := NewAggregator(testRoutes(), &fakeRouteClient{}, fixedGas{big.NewInt(1)}, quietLogger())
	routes := agg.Routes()
	require.Len(t, routes, 3)
	assert.Equal(t, "first", routes[0].Name)
	assert.Equal(t, "second", routes[1].Name)
	assert.Equal(t, "third", routes[2].Name)
}

func TestBestQuotePicksHighestOutput(t *testing.T) {
	client := &fakeRouteClient{byName: map[string]*fakeRouteBehavior{
		"first":  {quote: domain.Quote{AmountOut: big.NewInt(100)}},
		"second": {quote: domain.Quote{AmountOut: big.NewInt(150)}},
		"third":  {quoteErr: fmt.Errorf("no pool: %w", domain.ErrQuoteUnavailable)},
	}}
	agg := NewAggregator(testRoutes(), client, fixedGas{big.NewInt(1)}, quietLogger())

	q, err := agg.BestQuote(context.Background(), domain.SideBuy, "0xtoken", big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, "second", q.DexName)
	assert.Equal(t, int64(150), q.AmountOut.Int64())
}

func TestBestQuoteAllUnavailable(t *testing.T) {
	unavailable := fmt.Errorf("no pool: %w", domain.ErrQuoteUnavailable)
	client := &fakeRouteClient{byName: map[string]*fakeRouteBehavior{
		"first": {quoteErr: unavailable}, "second": {quoteErr: unavailable}, "third": {quoteErr: unavailable},
	}}
	agg := NewAggregator(testRoutes(), client, fixedGas{big.NewInt(1)}, quietLogger())

	_, err := agg.BestQuote(context.Background(), domain.SideBuy, "0xtoken", big.NewInt(10))
	require.ErrorIs(t, err, domain.ErrQuoteUnavailable)
}

func TestExecuteFallsBackInPriorityOrder(t *testing.T) {
	client := &fakeRouteClient{byName: map[string]*fakeRouteBehavior{
		"first":  {quote: domain.Quote{AmountOut: big.NewInt(100)}, execErr: errors.New("reverted")},
		"second": {quote: domain.Quote{AmountOut: big.NewInt(90)}},
		"third":  {quote: domain.Quote{AmountOut: big.NewInt(80)}},
	}}
	agg := NewAggregator(testRoutes(), client, fixedGas{big.NewInt(1)}, quietLogger())

	res, err := agg.ExecuteWithFallback(context.Background(), domain.SideBuy, "0xtoken", big.NewInt(10), ExecLimits{MaxSlippageBps: 500})
	require.NoError(t, err)
	assert.Equal(t, "second", res.DexName)

	// At most one swap reaches the chain: the third route is never tried
	// after the second succeeds.
	assert.Equal(t, 1, client.byName["first"].execCalls)
	assert.Equal(t, 1, client.byName["second"].execCalls)
	assert.Equal(t, 0, client.byName["third"].execCalls)
}

func TestExecuteAllRoutesFailed(t *testing.T) {
	client := &fakeRouteClient{byName: map[string]*fakeRouteBehavior{
		"first":  {quote: domain.Quote{AmountOut: big.NewInt(100)}, execErr: errors.New("reverted")},
		"second": {quoteErr: fmt.Errorf("no pool: %w", domain.ErrQuoteUnavailable)},
		"third":  {quote: domain.Quote{AmountOut: big.NewInt(80)}, execErr: errors.New("out of gas")},
	}}
	agg := NewAggregator(testRoutes(), client, fixedGas{big.NewInt(1)}, quietLogger())

	_, err := agg.ExecuteWithFallback(context.Background(), domain.SideSell, "0xtoken", big.NewInt(10), ExecLimits{})
	require.ErrorIs(t, err, domain.ErrAllRoutesFailed)

	var execErr *domain.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Len(t, execErr.Failures, 3)
	assert.Equal(t, "first", execErr.Failures[0].DexName)
	assert.Equal(t, "second", execErr.Failures[1].DexName)
	assert.Equal(t, "third", execErr.Failures[2].DexName)
}

func TestExecuteSkipsHighImpactRoute(t *testing.T) {
	client := &fakeRouteClient{byName: map[string]*fakeRouteBehavior{
		"first":  {quote: domain.Quote{AmountOut: big.NewInt(100), PriceImpact: 0.20}}, // 2000 bps
		"second": {quote: domain.Quote{AmountOut: big.NewInt(90), PriceImpact: 0.01}},
		"third":  {quote: domain.Quote{AmountOut: big.NewInt(80)}},
	}}
	agg := NewAggregator(testRoutes(), client, fixedGas{big.NewInt(1)}, quietLogger())

	res, err := agg.ExecuteWithFallback(context.Background(), domain.SideBuy, "0xtoken", big.NewInt(10), ExecLimits{MaxSlippageBps: 500})
	require.NoError(t, err)
	assert.Equal(t, "second", res.DexName)
	assert.Equal(t, 0, client.byName["first"].execCalls, "over-impact route must not execute")
}

func TestExecuteRespectsGasPriceCap(t *testing.T) {
	client := &fakeRouteClient{byName: map[string]*fakeRouteBehavior{
		"first": {quote: domain.Quote{AmountOut: big.NewInt(100)}}, "second": {}, "third": {},
	}}
	// 2 gwei current price against a 1 gwei cap.
	agg := NewAggregator(testRoutes(), client, fixedGas{big.NewInt(2_000_000_000)}, quietLogger())

	_, err := agg.ExecuteWithFallback(context.Background(), domain.SideBuy, "0xtoken", big.NewInt(10), ExecLimits{MaxGasPriceGwei: 1})
	require.ErrorIs(t, err, domain.ErrGasPriceExceeded)
	assert.Equal(t, 0, client.byName["first"].execCalls)
}

func TestApplySlippage(t *testing.T) {
	assert.Equal(t, int64(9_500), applySlippage(big.NewInt(10_000), 500).Int64())
	assert.Equal(t, int64(9_900), applySlippage(big.NewInt(10_000), 100).Int64())
	// Zero limit still protects with the 5% default.
	assert.Equal(t, int64(9_500), applySlippage(big.NewInt(10_000), 0).Int64())
}
