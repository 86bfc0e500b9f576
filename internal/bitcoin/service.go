package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"net"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/klingon-exchange/klingon-wallet/internal/backend"
	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
	"github.com/klingon-exchange/klingon-wallet/pkg/logging"
)

// DefaultFallbackFeeRate is used when the indexer has no 6-block estimate.
const DefaultFallbackFeeRate = 10 // sat/vB

// Balance is the confirmed balance of the watched address pair plus the
// unconfirmed delta.
type Balance struct {
	Confirmed   uint64
	Unconfirmed int64
}

// HistoryEntry is one transaction seen by the watched address pair.
// Net is positive for incoming value.
type HistoryEntry struct {
	TxID         string
	Time         time.Time
	Net          int64
	Fee          uint64
	Counterparty string
	Confirmed    bool
}

// Service talks to the indexer on behalf of derived accounts.
type Service struct {
	idx         backend.Indexer
	network     chain.Network
	fallbackFee uint64
	log         *logging.Logger
}

// NewService creates a bitcoin service. A zero fallbackFee selects
// DefaultFallbackFeeRate.
func NewService(idx backend.Indexer, network chain.Network, fallbackFee uint64) *Service {
	if fallbackFee == 0 {
		fallbackFee = DefaultFallbackFeeRate
	}
	return &Service{
		idx:         idx,
		network:     network,
		fallbackFee: fallbackFee,
		log:         logging.GetDefault().Component("bitcoin"),
	}
}

// Network returns the network the service serves.
func (s *Service) Network() chain.Network {
	return s.network
}

// Watched returns the current external and internal address with paths.
func (s *Service) Watched(acct *Account, externalIndex, internalIndex uint32) ([]WatchedAddress, error) {
	ext, err := acct.ExternalAddress(externalIndex)
	if err != nil {
		return nil, err
	}
	in, err := acct.InternalAddress(internalIndex)
	if err != nil {
		return nil, err
	}
	return []WatchedAddress{
		{Address: ext.EncodeAddress(), Path: acct.Path(ExternalChain, externalIndex)},
		{Address: in.EncodeAddress(), Path: acct.Path(InternalChain, internalIndex)},
	}, nil
}

// Balance sums the balance of the watched addresses. Unknown addresses
// count as empty.
func (s *Service) Balance(ctx context.Context, addrs []WatchedAddress) (*Balance, error) {
	var bal Balance
	for _, w := range addrs {
		info, err := s.idx.GetAddressInfo(ctx, w.Address)
		if errors.Is(err, backend.ErrAddressNotFound) {
			continue
		}
		if err != nil {
			return nil, mapError(err)
		}
		bal.Confirmed += info.Balance
		bal.Unconfirmed += info.MempoolBalance
	}
	return &bal, nil
}

// History merges the history of the watched addresses by txid and computes
// each transaction's net effect on them, newest first.
func (s *Service) History(ctx context.Context, addrs []WatchedAddress) ([]HistoryEntry, error) {
	ours := make(map[string]bool, len(addrs))
	for _, w := range addrs {
		ours[w.Address] = true
	}

	seen := make(map[string]bool)
	var entries []HistoryEntry
	for _, w := range addrs {
		txs, err := s.idx.GetAddressTxs(ctx, w.Address)
		if errors.Is(err, backend.ErrAddressNotFound) {
			continue
		}
		if err != nil {
			return nil, mapError(err)
		}
		for _, tx := range txs {
			if seen[tx.TxID] {
				continue
			}
			seen[tx.TxID] = true
			entries = append(entries, historyEntry(tx, ours))
		}
	}

	sortHistory(entries)
	return entries, nil
}

func historyEntry(tx backend.Transaction, ours map[string]bool) HistoryEntry {
	var received, spent int64
	var externalIn, externalOut string
	for _, in := range tx.Inputs {
		if in.PrevOut == nil {
			continue
		}
		if ours[in.PrevOut.ScriptPubKeyAddr] {
			spent += int64(in.PrevOut.Value)
		} else if externalIn == "" {
			externalIn = in.PrevOut.ScriptPubKeyAddr
		}
	}
	for _, out := range tx.Outputs {
		if ours[out.ScriptPubKeyAddr] {
			received += int64(out.Value)
		} else if externalOut == "" {
			externalOut = out.ScriptPubKeyAddr
		}
	}

	e := HistoryEntry{
		TxID:      tx.TxID,
		Net:       received - spent,
		Confirmed: tx.Confirmed,
	}
	if tx.BlockTime > 0 {
		e.Time = time.Unix(tx.BlockTime, 0).UTC()
	}
	if e.Net > 0 {
		e.Counterparty = externalIn
	} else {
		e.Counterparty = externalOut
		if spent > 0 {
			e.Fee = tx.Fee
		}
	}
	return e
}

// sortHistory puts unconfirmed entries first, then newest block time.
func sortHistory(entries []HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return newer(entries[i], entries[j])
	})
}

func newer(a, b HistoryEntry) bool {
	if a.Time.IsZero() != b.Time.IsZero() {
		return a.Time.IsZero()
	}
	return a.Time.After(b.Time)
}

// FeeRate returns the 6-block fee estimate in sat/vB, or the fallback when
// the indexer has none.
func (s *Service) FeeRate(ctx context.Context) uint64 {
	fees, err := s.idx.GetFeeEstimates(ctx)
	if err != nil {
		s.log.Warn("Fee estimate unavailable, using fallback", "error", err, "fallback", s.fallbackFee)
		return s.fallbackFee
	}
	if fees.HourFee == 0 {
		return s.fallbackFee
	}
	return fees.HourFee
}

// SendResult is the outcome of Send.
type SendResult struct {
	TxID string
	Fee  int64
}

// Send collects the coins of the watched pair, builds, signs and finalizes
// the transaction, and broadcasts it. Change goes to the internal address
// at changeIndex.
func (s *Service) Send(ctx context.Context, acct *Account, addrs []WatchedAddress, destination string, amount int64, changeIndex uint32) (*SendResult, error) {
	dest, err := s.DecodeAddress(destination)
	if err != nil {
		return nil, err
	}

	coins, err := CollectCoins(ctx, s.idx, addrs)
	if err != nil {
		return nil, mapError(err)
	}

	feeRate := s.FeeRate(ctx)
	packet, fee, err := acct.BuildTransaction(coins, dest, amount, feeRate, changeIndex)
	if err != nil {
		return nil, err
	}
	if err := acct.SignTransaction(packet); err != nil {
		return nil, walleterr.Wrap(walleterr.OperationFailed, err, "failed to sign transaction")
	}
	tx, err := FinalizeTransaction(packet)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, walleterr.Wrap(walleterr.OperationFailed, err, "failed to serialize transaction")
	}

	txid, err := s.idx.BroadcastTransaction(ctx, hex.EncodeToString(buf.Bytes()))
	if err != nil {
		return nil, mapError(err)
	}

	s.log.Info("Broadcast transaction", "txid", txid, "inputs", len(coins), "fee", fee, "fee_rate", feeRate)
	return &SendResult{TxID: txid, Fee: fee}, nil
}

// DecodeAddress parses a destination for this network.
func (s *Service) DecodeAddress(address string) (btcutil.Address, error) {
	params := chain.MustGet(chain.Bitcoin, s.network).Net
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil || !addr.IsForNet(params) {
		return nil, walleterr.ErrInvalidAddress.WithDetail("address", address)
	}
	return addr, nil
}

// ValidateAddress reports whether address is valid on this network.
func (s *Service) ValidateAddress(address string) bool {
	_, err := s.DecodeAddress(address)
	return err == nil
}

// mapError translates indexer failures into wallet errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var we *walleterr.Error
	if errors.As(err, &we) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return walleterr.Wrap(walleterr.Timeout, err, "indexer request timed out")
	case errors.Is(err, backend.ErrBroadcastFailed):
		return walleterr.Wrap(walleterr.RpcError, err, "broadcast rejected")
	case errors.Is(err, backend.ErrRateLimited), errors.Is(err, backend.ErrUnavailable):
		return walleterr.Wrap(walleterr.NetworkUnavailable, err, "indexer unavailable")
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return walleterr.Wrap(walleterr.Timeout, err, "indexer request timed out")
		}
		return walleterr.Wrap(walleterr.NetworkUnavailable, err, "indexer unreachable")
	}
	return walleterr.Wrap(walleterr.OperationFailed, err, "bitcoin request failed")
}
