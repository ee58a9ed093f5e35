// Package screener screens discovered tokens before any capital is
// committed: hard-fail safety rules, a honeypot round-trip simulation, and
// contract privilege inspection, combined into a scored verdict.
package screener

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Luisqbd/sniperbot/internal/chain"
	"github.com/Luisqbd/sniperbot/internal/config"
	"github.com/Luisqbd/sniperbot/internal/domain"
)

// ChainReader is the read-only chain access the screener needs.
type ChainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
}

// QuoteProvider supplies swap quotes for the honeypot simulation. The DEX
// aggregator satisfies it.
type QuoteProvider interface {
	BestQuote(ctx context.Context, side domain.Side, token string, amountIn *big.Int) (domain.Quote, error)
}

var ownableABI = mustABI(`[
	{"name":"owner","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("screener: parse abi: %v", err))
	}
	return parsed
}

// Privileged function selectors whose presence in the bytecode indicates
// the deployer retained dangerous controls.
var privilegedSelectors = map[string][]byte{
	"pause()":               {0x84, 0x56, 0xcb, 0x59},
	"blacklist(address)":    {0xf9, 0xf9, 0x2b, 0xe4},
	"mint(address,uint256)": {0x40, 0xc1, 0x0f, 0x19},
	"setMaxTxAmount(uint256)": {0xec, 0x28, 0x43, 0x8a},
}

// Addresses treated as "renounced" owners.
var deadOwners = map[common.Address]bool{
	{}: true,
	common.HexToAddress("0x000000000000000000000000000000000000dEaD"): true,
}

// Screener evaluates token safety. It holds no mutable state and is safe
// for concurrent use.
type Screener struct {
	cfg    config.ScreenerConfig
	reader ChainReader
	quotes QuoteProvider
	logger *slog.Logger
	now    func() time.Time
}

// New builds a screener with the given thresholds.
func New(cfg config.ScreenerConfig, reader ChainReader, quotes QuoteProvider, logger *slog.Logger) *Screener {
	return &Screener{
		cfg:    cfg,
		reader: reader,
		quotes: quotes,
		logger: logger.With(slog.String("component", "screener")),
		now:    time.Now,
	}
}

// Screen runs every check against token and returns the combined verdict.
// A failed hard rule rejects immediately with Pass=false; soft findings
// subtract from the score, and a final score below the configured minimum
// also rejects. The returned error covers only infrastructure failures,
// never an unsafe token.
func (s *Screener) Screen(ctx context.Context, token domain.Token, class domain.TokenClass) (domain.SecurityVerdict, error) {
	verdict := domain.NewVerdict()

	s.applyHardRules(&verdict, token, class)
	if !verdict.Pass {
		s.logVerdict(token, verdict)
		return verdict, nil
	}

	if err := s.simulateHoneypot(ctx, &verdict, token); err != nil {
		return domain.SecurityVerdict{}, err
	}
	if !verdict.Pass {
		s.logVerdict(token, verdict)
		return verdict, nil
	}

	if err := s.inspectPrivileges(ctx, &verdict, token); err != nil {
		return domain.SecurityVerdict{}, err
	}

	if verdict.Pass && verdict.Score < s.cfg.MinScore {
		verdict.Reject(fmt.Sprintf("score %d below minimum %d", verdict.Score, s.cfg.MinScore))
	}

	s.logVerdict(token, verdict)
	return verdict, nil
}

// applyHardRules checks the static token facts against the configured
// floors and ceilings.
func (s *Screener) applyHardRules(v *domain.SecurityVerdict, token domain.Token, class domain.TokenClass) {
	if s.cfg.RequireVerified && !token.Verified {
		v.Reject("contract source not verified")
		return
	}
	if token.BuyTaxPct > s.cfg.MaxTaxPct || token.SellTaxPct > s.cfg.MaxTaxPct {
		v.Reject(fmt.Sprintf("tax %.1f%%/%.1f%% exceeds ceiling %.1f%%",
			token.BuyTaxPct, token.SellTaxPct, s.cfg.MaxTaxPct))
		return
	}
	if token.TopHolderPct > s.cfg.MaxTopHolderPct {
		v.Reject(fmt.Sprintf("top holder owns %.1f%% (max %.1f%%)", token.TopHolderPct, s.cfg.MaxTopHolderPct))
		return
	}
	if token.LiquidityETH < s.cfg.MinLiquidityETH {
		v.Reject(fmt.Sprintf("liquidity %.4f ETH below floor %.4f ETH", token.LiquidityETH, s.cfg.MinLiquidityETH))
		return
	}
	if token.Holders < s.cfg.MinHolders {
		v.Reject(fmt.Sprintf("%d holders below floor %d", token.Holders, s.cfg.MinHolders))
		return
	}
	if class == domain.ClassMemecoin && s.cfg.MaxTokenAge.Duration > 0 {
		if age := token.Age(s.now()); age > s.cfg.MaxTokenAge.Duration {
			v.Reject(fmt.Sprintf("token age %s past snipe window %s", age.Round(time.Minute), s.cfg.MaxTokenAge.Duration))
			return
		}
	}

	// Soft signals.
	if token.BuyTaxPct+token.SellTaxPct > s.cfg.MaxTaxPct {
		v.Penalize(10, "combined tax near ceiling")
	}
	if token.Holders < 2*s.cfg.MinHolders {
		v.Penalize(10, "thin holder base")
	}
}

// simulateHoneypot quotes a probe buy and the matching sell. A token whose
// sell leg cannot be quoted is treated as a honeypot; a round trip losing
// more than half the probe is penalized heavily.
func (s *Screener) simulateHoneypot(ctx context.Context, v *domain.SecurityVerdict, token domain.Token) error {
	probe := chain.ETHToWei(s.cfg.HoneypotProbeETH)

	buy, err := s.quotes.BestQuote(ctx, domain.SideBuy, token.Address, probe)
	if err != nil {
		if errorsIsQuoteUnavailable(err) {
			v.Reject("no route can quote a buy")
			return nil
		}
		return fmt.Errorf("screener: honeypot buy probe: %w", err)
	}

	sell, err := s.quotes.BestQuote(ctx, domain.SideSell, token.Address, buy.AmountOut)
	if err != nil {
		if errorsIsQuoteUnavailable(err) {
			v.Reject("sell simulation failed: honeypot")
			return nil
		}
		return fmt.Errorf("screener: honeypot sell probe: %w", err)
	}
	if sell.AmountOut.Sign() == 0 {
		v.Reject("sell simulation returned zero: honeypot")
		return nil
	}

	// Fraction of the probe lost across the round trip.
	in, _ := new(big.Float).SetInt(probe).Float64()
	back, _ := new(big.Float).SetInt(sell.AmountOut).Float64()
	loss := 1 - back/in
	if loss > 0.50 {
		v.Penalize(40, fmt.Sprintf("round-trip loss %.0f%%", loss*100))
	} else if loss > 0.25 {
		v.Penalize(15, fmt.Sprintf("round-trip loss %.0f%%", loss*100))
	}
	return nil
}

// inspectPrivileges checks ownership and retained contract controls.
func (s *Screener) inspectPrivileges(ctx context.Context, v *domain.SecurityVerdict, token domain.Token) error {
	addr := common.HexToAddress(token.Address)

	code, err := s.reader.CodeAt(ctx, addr)
	if err != nil {
		return fmt.Errorf("screener: read bytecode: %w", err)
	}
	if len(code) == 0 {
		v.Reject("no contract code at address")
		return nil
	}
	for name, sel := range privilegedSelectors {
		if bytes.Contains(code, sel) {
			v.Penalize(15, "privileged function retained: "+name)
		}
	}

	owner, ok := s.callOwner(ctx, addr)
	if !ok {
		// No owner() function at all reads as renounced-by-construction.
		return nil
	}
	if deadOwners[owner] {
		return nil
	}
	v.Penalize(15, "ownership not renounced")

	supply, err := s.callUint(ctx, addr, "totalSupply")
	if err != nil || supply.Sign() == 0 {
		return nil
	}
	ownerBal, err := s.callUint(ctx, addr, "balanceOf", owner)
	if err != nil {
		return nil
	}
	pct := new(big.Float).Quo(new(big.Float).SetInt(ownerBal), new(big.Float).SetInt(supply))
	share, _ := pct.Float64()
	switch {
	case share > 0.50:
		v.Reject(fmt.Sprintf("owner holds %.0f%% of supply", share*100))
	case share > 0.20:
		v.Penalize(20, fmt.Sprintf("owner holds %.0f%% of supply", share*100))
	}
	return nil
}

func (s *Screener) callOwner(ctx context.Context, addr common.Address) (common.Address, bool) {
	data, err := ownableABI.Pack("owner")
	if err != nil {
		return common.Address{}, false
	}
	raw, err := s.reader.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data})
	if err != nil || len(raw) == 0 {
		return common.Address{}, false
	}
	vals, err := ownableABI.Unpack("owner", raw)
	if err != nil {
		return common.Address{}, false
	}
	owner, ok := vals[0].(common.Address)
	return owner, ok
}

func (s *Screener) callUint(ctx context.Context, addr common.Address, method string, args ...any) (*big.Int, error) {
	data, err := ownableABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := s.reader.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data})
	if err != nil {
		return nil, err
	}
	vals, err := ownableABI.Unpack(method, raw)
	if err != nil {
		return nil, err
	}
	out, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("screener: %s returned non-integer", method)
	}
	return out, nil
}

func (s *Screener) logVerdict(token domain.Token, v domain.SecurityVerdict) {
	s.logger.Info("token screened",
		slog.String("token", token.Address),
		slog.String("symbol", token.Symbol),
		slog.Bool("pass", v.Pass),
		slog.Int("score", v.Score),
		slog.Any("reasons", v.Reasons),
	)
}

func errorsIsQuoteUnavailable(err error) bool {
	return errors.Is(err, domain.ErrQuoteUnavailable)
}
