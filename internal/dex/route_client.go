// Package dex quotes and executes swaps across the configured DEX routes,
// falling back through them in priority order.
package dex

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Luisqbd/sniperbot/internal/chain"
	"github.com/Luisqbd/sniperbot/internal/domain"
)

// Gas ceilings used for quoting; execution estimates gas per transaction.
const (
	gasEstimateV2 = 150_000
	gasEstimateV3 = 200_000
)

// v3 fee tiers probed when quoting, in hundredths of a bip.
var v3FeeTiers = []uint32{500, 3000, 10_000}

var (
	routerV2ABI = mustABI(`[
		{"name":"getAmountsOut","type":"function","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
		{"name":"swapExactETHForTokensSupportingFeeOnTransferTokens","type":"function","stateMutability":"payable","inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[]},
		{"name":"swapExactTokensForETHSupportingFeeOnTransferTokens","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[]}
	]`)

	factoryV2ABI = mustABI(`[
		{"name":"getPair","type":"function","stateMutability":"view","inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"}],"outputs":[{"name":"pair","type":"address"}]}
	]`)

	pairV2ABI = mustABI(`[
		{"name":"getReserves","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}]},
		{"name":"token0","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
	]`)

	quoterV3ABI = mustABI(`[
		{"name":"quoteExactInputSingle","type":"function","stateMutability":"nonpayable","inputs":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},{"name":"amountIn","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}],"outputs":[{"name":"amountOut","type":"uint256"}]}
	]`)

	routerV3ABI = mustABI(`[
		{"name":"exactInputSingle","type":"function","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},{"name":"recipient","type":"address"},{"name":"deadline","type":"uint256"},{"name":"amountIn","type":"uint256"},{"name":"amountOutMinimum","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}]}],"outputs":[{"name":"amountOut","type":"uint256"}]}
	]`)

	erc20ABI = mustABI(`[
		{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("dex: parse abi: %v", err))
	}
	return parsed
}

// RouteClient quotes and executes a single swap on one route. The chain
// implementation talks JSON-RPC; tests substitute fakes.
type RouteClient interface {
	Quote(ctx context.Context, route domain.DexRoute, side domain.Side, token string, amountIn *big.Int) (domain.Quote, error)
	Execute(ctx context.Context, route domain.DexRoute, side domain.Side, token string, amountIn, minOut, gasPrice *big.Int) (domain.ExecutionResult, error)
}

// ChainRouteClient implements RouteClient against live router contracts.
type ChainRouteClient struct {
	client  *chain.Client
	wallet  *chain.Wallet
	weth    common.Address
	timeout time.Duration
	logger  *slog.Logger
}

// NewChainRouteClient builds a route client trading through wallet.
func NewChainRouteClient(client *chain.Client, wallet *chain.Wallet, wethAddress string, logger *slog.Logger) *ChainRouteClient {
	return &ChainRouteClient{
		client:  client,
		wallet:  wallet,
		weth:    common.HexToAddress(wethAddress),
		timeout: 90 * time.Second,
		logger:  logger.With(slog.String("component", "dex_client")),
	}
}

func (c *ChainRouteClient) path(side domain.Side, token common.Address) (in, out common.Address) {
	if side == domain.SideBuy {
		return c.weth, token
	}
	return token, c.weth
}

// Quote asks route for the output of swapping amountIn, returning
// domain.ErrQuoteUnavailable when the route has no pool for the token.
func (c *ChainRouteClient) Quote(ctx context.Context, route domain.DexRoute, side domain.Side, token string, amountIn *big.Int) (domain.Quote, error) {
	tokenAddr := common.HexToAddress(token)
	switch route.Protocol {
	case domain.ProtocolV2:
		return c.quoteV2(ctx, route, side, tokenAddr, amountIn)
	case domain.ProtocolV3:
		return c.quoteV3(ctx, route, side, tokenAddr, amountIn)
	default:
		return domain.Quote{}, fmt.Errorf("dex: route %s: unknown protocol %q", route.Name, route.Protocol)
	}
}

func (c *ChainRouteClient) quoteV2(ctx context.Context, route domain.DexRoute, side domain.Side, token common.Address, amountIn *big.Int) (domain.Quote, error) {
	in, out := c.path(side, token)

	pair, err := c.getPair(ctx, route, in, out)
	if err != nil {
		return domain.Quote{}, err
	}
	if pair == (common.Address{}) {
		return domain.Quote{}, fmt.Errorf("dex: route %s: no pair for %s: %w", route.Name, token.Hex(), domain.ErrQuoteUnavailable)
	}

	data, err := routerV2ABI.Pack("getAmountsOut", amountIn, []common.Address{in, out})
	if err != nil {
		return domain.Quote{}, fmt.Errorf("dex: pack getAmountsOut: %w", err)
	}
	router := common.HexToAddress(route.Router)
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &router, Data: data})
	if err != nil {
		return domain.Quote{}, fmt.Errorf("dex: route %s: getAmountsOut: %w", route.Name, domain.ErrQuoteUnavailable)
	}
	vals, err := routerV2ABI.Unpack("getAmountsOut", raw)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("dex: unpack getAmountsOut: %w", err)
	}
	amounts, ok := vals[0].([]*big.Int)
	if !ok || len(amounts) < 2 || amounts[len(amounts)-1].Sign() == 0 {
		return domain.Quote{}, fmt.Errorf("dex: route %s: empty quote: %w", route.Name, domain.ErrQuoteUnavailable)
	}
	amountOut := amounts[len(amounts)-1]

	impact, err := c.priceImpactV2(ctx, pair, in, amountIn)
	if err != nil {
		// Reserves are advisory for sizing; a failed read should not kill the quote.
		c.logger.Debug("reserve read failed", slog.String("route", route.Name), slog.Any("error", err))
	}

	return domain.Quote{
		DexName:     route.Name,
		Side:        side,
		AmountIn:    amountIn,
		AmountOut:   amountOut,
		Price:       quotePrice(side, amountIn, amountOut),
		PriceImpact: impact,
		GasEstimate: gasEstimateV2,
	}, nil
}

func (c *ChainRouteClient) getPair(ctx context.Context, route domain.DexRoute, a, b common.Address) (common.Address, error) {
	data, err := factoryV2ABI.Pack("getPair", a, b)
	if err != nil {
		return common.Address{}, fmt.Errorf("dex: pack getPair: %w", err)
	}
	factory := common.HexToAddress(route.Factory)
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &factory, Data: data})
	if err != nil {
		return common.Address{}, fmt.Errorf("dex: route %s: getPair: %w", route.Name, err)
	}
	vals, err := factoryV2ABI.Unpack("getPair", raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("dex: unpack getPair: %w", err)
	}
	pair, _ := vals[0].(common.Address)
	return pair, nil
}

// priceImpactV2 approximates the impact of amountIn against the pool's
// input-side reserve.
func (c *ChainRouteClient) priceImpactV2(ctx context.Context, pair, tokenIn common.Address, amountIn *big.Int) (float64, error) {
	data, err := pairV2ABI.Pack("getReserves")
	if err != nil {
		return 0, err
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &pair, Data: data})
	if err != nil {
		return 0, err
	}
	vals, err := pairV2ABI.Unpack("getReserves", raw)
	if err != nil {
		return 0, err
	}
	reserve0, _ := vals[0].(*big.Int)
	reserve1, _ := vals[1].(*big.Int)

	t0data, err := pairV2ABI.Pack("token0")
	if err != nil {
		return 0, err
	}
	raw, err = c.client.CallContract(ctx, ethereum.CallMsg{To: &pair, Data: t0data})
	if err != nil {
		return 0, err
	}
	t0vals, err := pairV2ABI.Unpack("token0", raw)
	if err != nil {
		return 0, err
	}
	token0, _ := t0vals[0].(common.Address)

	reserveIn := reserve0
	if token0 != tokenIn {
		reserveIn = reserve1
	}
	if reserveIn == nil || reserveIn.Sign() == 0 {
		return 1, nil
	}

	in := new(big.Float).SetInt(amountIn)
	res := new(big.Float).SetInt(reserveIn)
	impact, _ := new(big.Float).Quo(in, new(big.Float).Add(res, in)).Float64()
	return impact, nil
}

func (c *ChainRouteClient) quoteV3(ctx context.Context, route domain.DexRoute, side domain.Side, token common.Address, amountIn *big.Int) (domain.Quote, error) {
	in, out := c.path(side, token)
	quoter := common.HexToAddress(route.Quoter)

	var best *big.Int
	for _, fee := range v3FeeTiers {
		data, err := quoterV3ABI.Pack("quoteExactInputSingle", in, out, big.NewInt(int64(fee)), amountIn, new(big.Int))
		if err != nil {
			return domain.Quote{}, fmt.Errorf("dex: pack quoteExactInputSingle: %w", err)
		}
		raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &quoter, Data: data})
		if err != nil {
			// No pool at this tier; try the next one.
			continue
		}
		vals, err := quoterV3ABI.Unpack("quoteExactInputSingle", raw)
		if err != nil {
			continue
		}
		amountOut, _ := vals[0].(*big.Int)
		if amountOut != nil && (best == nil || amountOut.Cmp(best) > 0) {
			best = amountOut
		}
	}
	if best == nil || best.Sign() == 0 {
		return domain.Quote{}, fmt.Errorf("dex: route %s: no v3 pool for %s: %w", route.Name, token.Hex(), domain.ErrQuoteUnavailable)
	}

	return domain.Quote{
		DexName:     route.Name,
		Side:        side,
		AmountIn:    amountIn,
		AmountOut:   best,
		Price:       quotePrice(side, amountIn, best),
		GasEstimate: gasEstimateV3,
	}, nil
}

// Execute performs the swap on route with minOut slippage protection.
func (c *ChainRouteClient) Execute(ctx context.Context, route domain.DexRoute, side domain.Side, token string, amountIn, minOut, gasPrice *big.Int) (domain.ExecutionResult, error) {
	tokenAddr := common.HexToAddress(token)
	router := common.HexToAddress(route.Router)
	deadline := big.NewInt(time.Now().Add(2 * time.Minute).Unix())

	if side == domain.SideSell {
		if err := c.ensureAllowance(ctx, tokenAddr, router, amountIn, gasPrice); err != nil {
			return domain.ExecutionResult{}, err
		}
	}

	var (
		data  []byte
		value *big.Int
		err   error
	)
	switch route.Protocol {
	case domain.ProtocolV2:
		in, out := c.path(side, tokenAddr)
		pathAddrs := []common.Address{in, out}
		if side == domain.SideBuy {
			data, err = routerV2ABI.Pack("swapExactETHForTokensSupportingFeeOnTransferTokens",
				minOut, pathAddrs, c.wallet.Address(), deadline)
			value = amountIn
		} else {
			data, err = routerV2ABI.Pack("swapExactTokensForETHSupportingFeeOnTransferTokens",
				amountIn, minOut, pathAddrs, c.wallet.Address(), deadline)
			value = new(big.Int)
		}
	case domain.ProtocolV3:
		in, out := c.path(side, tokenAddr)
		params := struct {
			TokenIn           common.Address
			TokenOut          common.Address
			Fee               *big.Int
			Recipient         common.Address
			Deadline          *big.Int
			AmountIn          *big.Int
			AmountOutMinimum  *big.Int
			SqrtPriceLimitX96 *big.Int
		}{
			TokenIn:           in,
			TokenOut:          out,
			Fee:               big.NewInt(3000),
			Recipient:         c.wallet.Address(),
			Deadline:          deadline,
			AmountIn:          amountIn,
			AmountOutMinimum:  minOut,
			SqrtPriceLimitX96: new(big.Int),
		}
		data, err = routerV3ABI.Pack("exactInputSingle", params)
		if side == domain.SideBuy {
			value = amountIn
		} else {
			value = new(big.Int)
		}
	default:
		return domain.ExecutionResult{}, fmt.Errorf("dex: route %s: unknown protocol %q", route.Name, route.Protocol)
	}
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("dex: pack swap: %w", err)
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.wallet.Address(),
		To:    &router,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("dex: route %s: %w: %v", route.Name, domain.ErrExecutionReverted, err)
	}
	gasLimit += gasLimit / 5 // headroom for fee-on-transfer paths

	txHash, err := c.wallet.SendTx(ctx, chain.TxRequest{
		To:       router,
		Value:    value,
		Data:     data,
		GasLimit: gasLimit,
		GasPrice: gasPrice,
	})
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("dex: route %s: broadcast: %w", route.Name, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	receipt, err := c.client.WaitMined(waitCtx, txHash)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("dex: route %s: %w", route.Name, err)
	}
	if receipt.Status == 0 {
		return domain.ExecutionResult{}, fmt.Errorf("dex: route %s: tx %s reverted: %w", route.Name, txHash.Hex(), domain.ErrExecutionReverted)
	}

	// Realized output is conservatively reported as minOut; exact amounts
	// require log parsing and minOut is what the accounting must not exceed.
	return domain.ExecutionResult{
		DexName:   route.Name,
		Side:      side,
		TxHash:    txHash.Hex(),
		AmountIn:  amountIn,
		AmountOut: minOut,
		Price:     quotePrice(side, amountIn, minOut),
		GasUsed:   receipt.GasUsed,
	}, nil
}

// ensureAllowance approves the router for amount when the current allowance
// is insufficient.
func (c *ChainRouteClient) ensureAllowance(ctx context.Context, token, spender common.Address, amount, gasPrice *big.Int) error {
	data, err := erc20ABI.Pack("allowance", c.wallet.Address(), spender)
	if err != nil {
		return fmt.Errorf("dex: pack allowance: %w", err)
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		return fmt.Errorf("dex: read allowance: %w", err)
	}
	vals, err := erc20ABI.Unpack("allowance", raw)
	if err != nil {
		return fmt.Errorf("dex: unpack allowance: %w", err)
	}
	if current, _ := vals[0].(*big.Int); current != nil && current.Cmp(amount) >= 0 {
		return nil
	}

	approveData, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return fmt.Errorf("dex: pack approve: %w", err)
	}
	txHash, err := c.wallet.SendTx(ctx, chain.TxRequest{
		To:       token,
		Data:     approveData,
		GasLimit: 80_000,
		GasPrice: gasPrice,
	})
	if err != nil {
		return fmt.Errorf("dex: approve: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	receipt, err := c.client.WaitMined(waitCtx, txHash)
	if err != nil {
		return fmt.Errorf("dex: approve wait: %w", err)
	}
	if receipt.Status == 0 {
		return fmt.Errorf("dex: approve tx %s reverted: %w", txHash.Hex(), domain.ErrExecutionReverted)
	}
	return nil
}

// TokenBalance reads the wallet's ERC-20 balance of token.
func (c *ChainRouteClient) TokenBalance(ctx context.Context, token string) (*big.Int, error) {
	addr := common.HexToAddress(token)
	data, err := erc20ABI.Pack("balanceOf", c.wallet.Address())
	if err != nil {
		return nil, fmt.Errorf("dex: pack balanceOf: %w", err)
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data})
	if err != nil {
		return nil, fmt.Errorf("dex: read balance: %w", err)
	}
	vals, err := erc20ABI.Unpack("balanceOf", raw)
	if err != nil {
		return nil, fmt.Errorf("dex: unpack balanceOf: %w", err)
	}
	bal, _ := vals[0].(*big.Int)
	if bal == nil {
		bal = new(big.Int)
	}
	return bal, nil
}

// quotePrice converts in/out amounts to native units per token.
func quotePrice(side domain.Side, amountIn, amountOut *big.Int) float64 {
	if amountIn == nil || amountOut == nil || amountIn.Sign() == 0 || amountOut.Sign() == 0 {
		return 0
	}
	in, _ := new(big.Float).SetInt(amountIn).Float64()
	out, _ := new(big.Float).SetInt(amountOut).Float64()
	if side == domain.SideBuy {
		// in = native, out = token
		return in / out
	}
	return out / in
}
