package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Luisqbd/sniperbot/internal/domain"
)

// ContractCaller is the read access the inspector needs. *chain.Client
// satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

var erc20MetaABI = mustABI(`[
	{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("discovery: parse abi: %v", err))
	}
	return parsed
}

// Metadata is the off-chain enrichment for a token: fields a plain RPC node
// cannot answer.
type Metadata struct {
	Verified     bool    `json:"is_open_source"`
	Holders      int     `json:"holder_count"`
	BuyTaxPct    float64 `json:"buy_tax"`
	SellTaxPct   float64 `json:"sell_tax"`
	TopHolderPct float64 `json:"top_holder_pct"`
}

// MetadataProvider fetches off-chain token metadata. A nil provider leaves
// those fields zeroed, which the screener treats as unverified.
type MetadataProvider interface {
	Fetch(ctx context.Context, tokenAddress string) (Metadata, error)
}

// HTTPMetadata queries a token-security REST endpoint.
type HTTPMetadata struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPMetadata builds a provider for the given endpoint base URL.
func NewHTTPMetadata(baseURL string, logger *slog.Logger) *HTTPMetadata {
	return &HTTPMetadata{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With(slog.String("component", "token_metadata")),
	}
}

// Fetch retrieves metadata for tokenAddress.
func (h *HTTPMetadata) Fetch(ctx context.Context, tokenAddress string) (Metadata, error) {
	url := fmt.Sprintf("%s/%s", h.baseURL, strings.ToLower(tokenAddress))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("discovery: build metadata request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("discovery: fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Metadata{}, fmt.Errorf("discovery: metadata endpoint returned %d", resp.StatusCode)
	}

	var md Metadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return Metadata{}, fmt.Errorf("discovery: decode metadata: %w", err)
	}
	return md, nil
}

// ChainInspector builds a domain.Token from on-chain reads plus optional
// off-chain metadata.
type ChainInspector struct {
	caller   ContractCaller
	weth     common.Address
	metadata MetadataProvider // may be nil
	logger   *slog.Logger
	now      func() time.Time
}

// NewChainInspector builds an inspector. metadata may be nil.
func NewChainInspector(caller ContractCaller, wethAddress string, metadata MetadataProvider, logger *slog.Logger) *ChainInspector {
	return &ChainInspector{
		caller:   caller,
		weth:     common.HexToAddress(wethAddress),
		metadata: metadata,
		logger:   logger.With(slog.String("component", "inspector")),
		now:      time.Now,
	}
}

// Inspect reads the token's symbol and decimals, values the pool's WETH
// side for liquidity, and merges off-chain metadata when available.
func (c *ChainInspector) Inspect(ctx context.Context, tokenAddress, poolAddress string) (domain.Token, error) {
	addr := common.HexToAddress(tokenAddress)

	symbol, err := c.callSymbol(ctx, addr)
	if err != nil {
		return domain.Token{}, fmt.Errorf("discovery: read symbol of %s: %w", tokenAddress, err)
	}
	decimals, err := c.callDecimals(ctx, addr)
	if err != nil {
		return domain.Token{}, fmt.Errorf("discovery: read decimals of %s: %w", tokenAddress, err)
	}

	token := domain.Token{
		Address:      strings.ToLower(tokenAddress),
		Symbol:       symbol,
		Decimals:     decimals,
		Pool:         strings.ToLower(poolAddress),
		DiscoveredAt: c.now(),
	}

	if pool := common.HexToAddress(poolAddress); pool != (common.Address{}) {
		if liq, err := c.poolLiquidityETH(ctx, pool); err == nil {
			token.LiquidityETH = liq
		} else {
			c.logger.Debug("liquidity read failed", slog.String("pool", poolAddress), slog.Any("error", err))
		}
	}

	if c.metadata != nil {
		md, err := c.metadata.Fetch(ctx, tokenAddress)
		if err != nil {
			c.logger.Debug("metadata fetch failed", slog.String("token", tokenAddress), slog.Any("error", err))
		} else {
			token.Verified = md.Verified
			token.Holders = md.Holders
			token.BuyTaxPct = md.BuyTaxPct
			token.SellTaxPct = md.SellTaxPct
			token.TopHolderPct = md.TopHolderPct
		}
	}
	return token, nil
}

func (c *ChainInspector) callSymbol(ctx context.Context, addr common.Address) (string, error) {
	data, err := erc20MetaABI.Pack("symbol")
	if err != nil {
		return "", err
	}
	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data})
	if err != nil {
		return "", err
	}
	vals, err := erc20MetaABI.Unpack("symbol", raw)
	if err != nil {
		// Some tokens return bytes32 symbols; fall back to a trimmed dump.
		return strings.TrimRight(string(raw), "\x00"), nil
	}
	s, _ := vals[0].(string)
	return s, nil
}

func (c *ChainInspector) callDecimals(ctx context.Context, addr common.Address) (uint8, error) {
	data, err := erc20MetaABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data})
	if err != nil {
		return 0, err
	}
	vals, err := erc20MetaABI.Unpack("decimals", raw)
	if err != nil {
		return 0, err
	}
	d, _ := vals[0].(uint8)
	return d, nil
}

// poolLiquidityETH reads the pool's WETH balance and doubles it, the usual
// approximation of total pool value in native units.
func (c *ChainInspector) poolLiquidityETH(ctx context.Context, pool common.Address) (float64, error) {
	data, err := erc20MetaABI.Pack("balanceOf", pool)
	if err != nil {
		return 0, err
	}
	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.weth, Data: data})
	if err != nil {
		return 0, err
	}
	vals, err := erc20MetaABI.Unpack("balanceOf", raw)
	if err != nil {
		return 0, err
	}
	wei, _ := vals[0].(*big.Int)
	if wei == nil {
		return 0, nil
	}
	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(math.Pow10(18))).Float64()
	return 2 * eth, nil
}
