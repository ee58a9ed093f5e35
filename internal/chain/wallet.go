package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Wallet signs and broadcasts transactions for a single account.
type Wallet struct {
	key    *ecdsa.PrivateKey
	addr   common.Address
	client *Client
	signer types.Signer
	logger *slog.Logger
}

// NewWallet builds a wallet bound to client's chain ID.
func NewWallet(key *ecdsa.PrivateKey, client *Client, logger *slog.Logger) *Wallet {
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	return &Wallet{
		key:    key,
		addr:   addr,
		client: client,
		signer: types.LatestSignerForChainID(client.ChainID()),
		logger: logger.With(slog.String("component", "wallet"), slog.String("address", addr.Hex())),
	}
}

// Address returns the wallet's account address.
func (w *Wallet) Address() common.Address { return w.addr }

// BalanceETH returns the wallet's ETH balance as a float, for display and
// risk checks. Exact wei amounts stay in big.Int on the execution path.
func (w *Wallet) BalanceETH(ctx context.Context) (float64, error) {
	wei, err := w.client.BalanceAt(ctx, w.addr)
	if err != nil {
		return 0, err
	}
	return WeiToETH(wei), nil
}

// TxRequest describes a transaction to sign and send.
type TxRequest struct {
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
	GasPrice *big.Int
}

// SendTx signs req with the wallet key and broadcasts it, returning the
// transaction hash.
func (w *Wallet) SendTx(ctx context.Context, req TxRequest) (common.Hash, error) {
	nonce, err := w.client.NonceAt(ctx, w.addr)
	if err != nil {
		return common.Hash{}, err
	}

	gasPrice := req.GasPrice
	if gasPrice == nil {
		gasPrice, err = w.client.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, err
		}
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &req.To,
		Value:    value,
		Gas:      req.GasLimit,
		GasPrice: gasPrice,
		Data:     req.Data,
	})

	signed, err := types.SignTx(tx, w.signer, w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign tx: %w", err)
	}

	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}

	w.logger.Debug("transaction broadcast",
		slog.String("tx", signed.Hash().Hex()),
		slog.String("to", req.To.Hex()),
		slog.Uint64("nonce", nonce),
	)
	return signed.Hash(), nil
}

var weiPerETH = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// WeiToETH converts a wei amount to a float64 ETH amount.
func WeiToETH(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	out, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerETH).Float64()
	return out
}

// ETHToWei converts a float64 ETH amount to wei, truncating sub-wei dust.
func ETHToWei(eth float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(eth), weiPerETH)
	wei, _ := f.Int(nil)
	return wei
}
