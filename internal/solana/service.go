package solana

import (
	"context"
	"errors"
	"math/big"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	sol "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
	"github.com/klingon-exchange/klingon-wallet/pkg/logging"
)

const (
	// HistoryLimit is the number of signatures fetched per history call.
	HistoryLimit = 20

	// LamportsDecimals is the SOL precision.
	LamportsDecimals = 9

	maxTxFetches = 4
)

// RPC is the subset of the Solana JSON-RPC client the service uses.
// *rpc.Client satisfies it.
type RPC interface {
	GetBalance(ctx context.Context, account sol.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account sol.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account sol.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, txSig sol.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account sol.PublicKey) (*rpc.GetAccountInfoResult, error)
	SendTransaction(ctx context.Context, transaction *sol.Transaction) (sol.Signature, error)
}

// TokenBalance is a raw SPL balance with the on-chain decimals.
type TokenBalance struct {
	Amount   *big.Int
	Decimals uint8
}

// HistoryEntry is one transaction's effect on the tracked account, in raw
// units. Delta is positive for incoming value.
type HistoryEntry struct {
	Signature    string
	Time         time.Time
	Delta        *big.Int
	Fee          uint64
	Counterparty string
	Memo         string
}

// Service talks to a Solana RPC node.
type Service struct {
	client     RPC
	commitment rpc.CommitmentType
	log        *logging.Logger
}

// NewService creates a service over client.
func NewService(client RPC) *Service {
	return &Service{
		client:     client,
		commitment: rpc.CommitmentFinalized,
		log:        logging.GetDefault().Component("solana"),
	}
}

// Dial creates a service for the RPC endpoint at url.
func Dial(url string) *Service {
	return NewService(rpc.New(url))
}

// Balance returns the lamport balance of owner.
func (s *Service) Balance(ctx context.Context, owner sol.PublicKey) (uint64, error) {
	res, err := s.client.GetBalance(ctx, owner, s.commitment)
	if err != nil {
		return 0, mapError(err)
	}
	return res.Value, nil
}

// TokenBalance returns the owner's balance of mint. A missing associated
// token account is a zero balance with the fallback decimals.
func (s *Service) TokenBalance(ctx context.Context, owner, mint sol.PublicKey, fallbackDecimals uint8) (*TokenBalance, error) {
	ata, _, err := sol.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.OperationFailed, err, "failed to find associated token account")
	}

	res, err := s.client.GetTokenAccountBalance(ctx, ata, s.commitment)
	if isAccountMissing(err) {
		return &TokenBalance{Amount: new(big.Int), Decimals: fallbackDecimals}, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	if res == nil || res.Value == nil {
		return &TokenBalance{Amount: new(big.Int), Decimals: fallbackDecimals}, nil
	}

	amount, ok := new(big.Int).SetString(res.Value.Amount, 10)
	if !ok {
		return nil, walleterr.Newf(walleterr.RpcError, "invalid token amount %q", res.Value.Amount)
	}
	return &TokenBalance{Amount: amount, Decimals: res.Value.Decimals}, nil
}

// History returns the recent SOL movements of owner, or the token
// movements of its associated token account when mint is non-nil.
func (s *Service) History(ctx context.Context, owner sol.PublicKey, mint *sol.PublicKey) ([]HistoryEntry, error) {
	tracked := owner
	if mint != nil {
		ata, _, err := sol.FindAssociatedTokenAddress(owner, *mint)
		if err != nil {
			return nil, walleterr.Wrap(walleterr.OperationFailed, err, "failed to find associated token account")
		}
		tracked = ata
	}

	limit := HistoryLimit
	sigs, err := s.client.GetSignaturesForAddressWithOpts(ctx, tracked, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: s.commitment,
	})
	if isAccountMissing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}

	var mu sync.Mutex
	entries := make([]HistoryEntry, 0, len(sigs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxTxFetches)
	for _, sig := range sigs {
		sig := sig
		g.Go(func() error {
			entry, ok, err := s.historyEntry(gctx, sig, tracked, mint)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				entries = append(entries, entry)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Time.Equal(entries[j].Time) {
			return entries[i].Time.After(entries[j].Time)
		}
		return entries[i].Signature < entries[j].Signature
	})
	return entries, nil
}

func (s *Service) historyEntry(ctx context.Context, sig *rpc.TransactionSignature, tracked sol.PublicKey, mint *sol.PublicKey) (HistoryEntry, bool, error) {
	maxVersion := uint64(0)
	res, err := s.client.GetTransaction(ctx, sig.Signature, &rpc.GetTransactionOpts{
		Encoding:                       sol.EncodingBase64,
		Commitment:                     s.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return HistoryEntry{}, false, nil
	}
	if err != nil {
		return HistoryEntry{}, false, mapError(err)
	}
	if res == nil || res.Meta == nil || res.Transaction == nil {
		return HistoryEntry{}, false, nil
	}

	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		s.log.Debug("Skipping undecodable transaction", "signature", sig.Signature, "error", err)
		return HistoryEntry{}, false, nil
	}
	keys := tx.Message.AccountKeys

	var entry HistoryEntry
	var ok bool
	if mint == nil {
		entry, ok = lamportDelta(keys, res.Meta, tracked)
	} else {
		entry, ok = tokenDelta(keys, res.Meta, tracked)
	}
	if !ok {
		return HistoryEntry{}, false, nil
	}

	entry.Signature = sig.Signature.String()
	switch {
	case sig.BlockTime != nil:
		entry.Time = sig.BlockTime.Time().UTC()
	case res.BlockTime != nil:
		entry.Time = res.BlockTime.Time().UTC()
	}
	if sig.Memo != nil {
		entry.Memo = *sig.Memo
	}
	return entry, true, nil
}

// lamportDelta computes the SOL movement of tracked. The fee is excluded
// from outgoing amounts when tracked paid it.
func lamportDelta(keys sol.PublicKeySlice, meta *rpc.TransactionMeta, tracked sol.PublicKey) (HistoryEntry, bool) {
	idx := indexOf(keys, tracked)
	if idx < 0 || idx >= len(meta.PreBalances) || idx >= len(meta.PostBalances) {
		return HistoryEntry{}, false
	}

	delta := new(big.Int).Sub(new(big.Int).SetUint64(meta.PostBalances[idx]), new(big.Int).SetUint64(meta.PreBalances[idx]))
	var entry HistoryEntry
	if delta.Sign() < 0 && idx == 0 {
		entry.Fee = meta.Fee
		delta.Add(delta, new(big.Int).SetUint64(meta.Fee))
	}
	if delta.Sign() == 0 {
		return HistoryEntry{}, false
	}
	entry.Delta = delta

	// Counterparty: the account whose balance moved the other way the most.
	var best *big.Int
	for i := range keys {
		if i == idx || i >= len(meta.PreBalances) || i >= len(meta.PostBalances) {
			continue
		}
		d := new(big.Int).Sub(new(big.Int).SetUint64(meta.PostBalances[i]), new(big.Int).SetUint64(meta.PreBalances[i]))
		if d.Sign() == 0 || d.Sign() == delta.Sign() {
			continue
		}
		if best == nil || new(big.Int).Abs(d).Cmp(best) > 0 {
			best = new(big.Int).Abs(d)
			entry.Counterparty = keys[i].String()
		}
	}
	return entry, true
}

// tokenDelta computes the SPL movement of the tracked token account.
func tokenDelta(keys sol.PublicKeySlice, meta *rpc.TransactionMeta, tracked sol.PublicKey) (HistoryEntry, bool) {
	idx := indexOf(keys, tracked)
	if idx < 0 {
		return HistoryEntry{}, false
	}

	pre := tokenAmounts(meta.PreTokenBalances)
	post := tokenAmounts(meta.PostTokenBalances)
	delta := new(big.Int).Sub(post.amount(uint16(idx)), pre.amount(uint16(idx)))
	if delta.Sign() == 0 {
		return HistoryEntry{}, false
	}

	entry := HistoryEntry{Delta: delta}
	if delta.Sign() < 0 {
		entry.Fee = meta.Fee
	}

	for i, owner := range post.owners {
		if int(i) == idx {
			continue
		}
		d := new(big.Int).Sub(post.amount(i), pre.amount(i))
		if d.Sign() != 0 && d.Sign() != delta.Sign() {
			entry.Counterparty = owner
			break
		}
	}
	return entry, true
}

type tokenAmountSet struct {
	amounts map[uint16]*big.Int
	owners  map[uint16]string
}

func tokenAmounts(balances []rpc.TokenBalance) tokenAmountSet {
	set := tokenAmountSet{amounts: make(map[uint16]*big.Int), owners: make(map[uint16]string)}
	for _, b := range balances {
		if b.UiTokenAmount == nil {
			continue
		}
		v, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10)
		if !ok {
			continue
		}
		set.amounts[b.AccountIndex] = v
		if b.Owner != nil {
			set.owners[b.AccountIndex] = b.Owner.String()
		}
	}
	return set
}

func (t tokenAmountSet) amount(idx uint16) *big.Int {
	if v, ok := t.amounts[idx]; ok {
		return v
	}
	return new(big.Int)
}

func indexOf(keys sol.PublicKeySlice, k sol.PublicKey) int {
	for i, key := range keys {
		if key.Equals(k) {
			return i
		}
	}
	return -1
}

// TransferSOL sends lamports from the account to destination.
func (s *Service) TransferSOL(ctx context.Context, acct *Account, destination sol.PublicKey, lamports uint64) (string, error) {
	from := acct.PublicKey()
	instr := system.NewTransferInstruction(lamports, from, destination).Build()
	return s.submit(ctx, acct, []sol.Instruction{instr})
}

// TransferToken sends raw token units of mint. The destination's
// associated token account is created first when it does not exist.
func (s *Service) TransferToken(ctx context.Context, acct *Account, destination, mint sol.PublicKey, amount uint64, decimals uint8) (string, error) {
	owner := acct.PublicKey()

	srcATA, _, err := sol.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return "", walleterr.Wrap(walleterr.OperationFailed, err, "failed to find source token account")
	}
	dstATA, _, err := sol.FindAssociatedTokenAddress(destination, mint)
	if err != nil {
		return "", walleterr.Wrap(walleterr.OperationFailed, err, "failed to find destination token account")
	}

	var instrs []sol.Instruction
	_, err = s.client.GetAccountInfo(ctx, dstATA)
	switch {
	case isAccountMissing(err):
		s.log.Debug("Creating destination token account", "ata", dstATA, "owner", destination)
		instrs = append(instrs, associatedtokenaccount.NewCreateInstruction(owner, destination, mint).Build())
	case err != nil:
		return "", mapError(err)
	}

	instrs = append(instrs, token.NewTransferCheckedInstruction(
		amount,
		decimals,
		srcATA,
		mint,
		dstATA,
		owner,
		[]sol.PublicKey{},
	).Build())

	return s.submit(ctx, acct, instrs)
}

// submit signs instrs with the account as fee payer and sends them.
func (s *Service) submit(ctx context.Context, acct *Account, instrs []sol.Instruction) (string, error) {
	recent, err := s.client.GetLatestBlockhash(ctx, s.commitment)
	if err != nil {
		return "", mapError(err)
	}

	tx, err := sol.NewTransaction(instrs, recent.Value.Blockhash, sol.TransactionPayer(acct.PublicKey()))
	if err != nil {
		return "", walleterr.Wrap(walleterr.OperationFailed, err, "failed to build transaction")
	}
	if _, err := tx.Sign(acct.signer); err != nil {
		return "", walleterr.Wrap(walleterr.OperationFailed, err, "failed to sign transaction")
	}

	sig, err := s.client.SendTransaction(ctx, tx)
	if err != nil {
		return "", mapError(err)
	}
	s.log.Info("Sent transaction", "signature", sig, "instructions", len(instrs))
	return sig.String(), nil
}

func isAccountMissing(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, rpc.ErrNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "could not find account") || strings.Contains(msg, "Account does not exist")
}

// mapError translates RPC failures. Node error text is kept verbatim.
func mapError(err error) error {
	var we *walleterr.Error
	if errors.As(err, &we) {
		return err
	}

	var rpcErr *jsonrpc.RPCError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return walleterr.Wrap(walleterr.Timeout, err, "solana rpc timed out")
	case errors.As(err, &rpcErr):
		return walleterr.Wrap(walleterr.RpcError, errors.New(rpcErr.Message), "solana rpc error")
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return walleterr.Wrap(walleterr.Timeout, err, "solana rpc timed out")
		}
		return walleterr.Wrap(walleterr.NetworkUnavailable, err, "solana rpc unreachable")
	}
	return walleterr.Wrap(walleterr.RpcError, err, "solana request failed")
}
