package bitcoin

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/klingon-wallet/internal/backend"
	"github.com/klingon-exchange/klingon-wallet/internal/chain"
)

// maxPrevoutFetches bounds concurrent funding-transaction lookups.
const maxPrevoutFetches = 4

// Coin is a spendable output together with the path of the key that owns it.
type Coin struct {
	OutPoint      wire.OutPoint
	PkScript      []byte
	Value         int64
	Path          chain.Path
	Confirmations int64
}

// WatchedAddress pairs an address with the derivation path it came from.
type WatchedAddress struct {
	Address string
	Path    chain.Path
}

// CollectCoins returns the unspent outputs of the current external and
// internal addresses. Output scripts are resolved from the funding
// transactions because the indexer's UTXO listing omits them.
func CollectCoins(ctx context.Context, idx backend.Indexer, addrs []WatchedAddress) ([]Coin, error) {
	var coins []Coin
	for _, w := range addrs {
		utxos, err := idx.GetAddressUTXOs(ctx, w.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to list utxos of %s: %w", w.Address, err)
		}
		for _, u := range utxos {
			hash, err := chainhash.NewHashFromStr(u.TxID)
			if err != nil {
				return nil, fmt.Errorf("invalid txid %s: %w", u.TxID, err)
			}
			coins = append(coins, Coin{
				OutPoint:      *wire.NewOutPoint(hash, u.Vout),
				Value:         int64(u.Amount),
				Path:          w.Path,
				Confirmations: u.Confirmations,
			})
		}
	}

	if err := resolveScripts(ctx, idx, coins); err != nil {
		return nil, err
	}
	return coins, nil
}

// resolveScripts fills PkScript on every coin, fetching each funding
// transaction once.
func resolveScripts(ctx context.Context, idx backend.Indexer, coins []Coin) error {
	txids := make(map[string]struct{})
	for _, c := range coins {
		txids[c.OutPoint.Hash.String()] = struct{}{}
	}

	var mu sync.Mutex
	txs := make(map[string]*backend.Transaction, len(txids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPrevoutFetches)
	for txid := range txids {
		txid := txid
		g.Go(func() error {
			tx, err := idx.GetTransaction(gctx, txid)
			if err != nil {
				return fmt.Errorf("failed to fetch funding tx %s: %w", txid, err)
			}
			mu.Lock()
			txs[txid] = tx
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range coins {
		op := coins[i].OutPoint
		tx := txs[op.Hash.String()]
		if int(op.Index) >= len(tx.Outputs) {
			return fmt.Errorf("funding tx %s has no output %d", op.Hash, op.Index)
		}
		script, err := hex.DecodeString(tx.Outputs[op.Index].ScriptPubKey)
		if err != nil {
			return fmt.Errorf("invalid script in %s:%d: %w", op.Hash, op.Index, err)
		}
		coins[i].PkScript = script
	}
	return nil
}
