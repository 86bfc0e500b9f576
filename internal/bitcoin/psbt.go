package bitcoin

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
)

// DustLimit is the smallest change output worth creating, in satoshis.
const DustLimit = 546

// vsize estimate for a P2WPKH spend.
const (
	txOverheadVBytes   = 10
	p2wpkhInputVBytes  = 68
	p2wpkhOutputVBytes = 31
	vsizeMarginVBytes  = 2 // rounding slack
)

// EstimateVSize estimates the virtual size of a transaction spending
// numInputs P2WPKH coins to destScript plus a P2WPKH change output.
func EstimateVSize(numInputs int, destScript []byte) int64 {
	destOutput := 8 + 1 + len(destScript) // value + script length + script
	return int64(txOverheadVBytes + numInputs*p2wpkhInputVBytes + destOutput + p2wpkhOutputVBytes + vsizeMarginVBytes)
}

// BuildTransaction spends every coin to destination, sending change to the
// internal address at changeIndex. Change at or below DustLimit goes to fee.
// It returns the unsigned PSBT and the fee paid.
func (a *Account) BuildTransaction(coins []Coin, destination btcutil.Address, amount int64, feeRate uint64, changeIndex uint32) (*psbt.Packet, int64, error) {
	if len(coins) == 0 {
		return nil, 0, walleterr.New(walleterr.OperationFailed, "no spendable coins")
	}
	if amount < DustLimit {
		return nil, 0, walleterr.Newf(walleterr.AmountInvalid, "amount must be at least %d sat", DustLimit)
	}

	destScript, err := txscript.PayToAddrScript(destination)
	if err != nil {
		return nil, 0, walleterr.Wrap(walleterr.InvalidAddress, err, "cannot pay to destination")
	}

	var total int64
	inputs := make([]*wire.OutPoint, len(coins))
	sequences := make([]uint32, len(coins))
	for i, c := range coins {
		if err := a.checkCoinScript(c); err != nil {
			return nil, 0, err
		}
		op := c.OutPoint
		inputs[i] = &op
		sequences[i] = wire.MaxTxInSequenceNum - 2 // RBF
		total += c.Value
	}

	fee := EstimateVSize(len(coins), destScript) * int64(feeRate)
	if total < amount+fee {
		return nil, 0, walleterr.New(walleterr.OperationFailed, "insufficient funds").
			WithDetail("available", fmt.Sprintf("%d", total)).
			WithDetail("required", fmt.Sprintf("%d", amount+fee))
	}

	outputs := []*wire.TxOut{wire.NewTxOut(amount, destScript)}
	change := total - amount - fee
	var changePath chain.Path
	if change > DustLimit {
		changeAddr, err := a.InternalAddress(changeIndex)
		if err != nil {
			return nil, 0, err
		}
		changeScript, err := txscript.PayToAddrScript(changeAddr)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to build change script: %w", err)
		}
		outputs = append(outputs, wire.NewTxOut(change, changeScript))
		changePath = a.Path(InternalChain, changeIndex)
	} else {
		fee += change
	}

	packet, err := psbt.New(inputs, outputs, 2, 0, sequences)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create psbt: %w", err)
	}

	for i, c := range coins {
		deriv, err := a.derivation(c.Path)
		if err != nil {
			return nil, 0, err
		}
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(c.Value, c.PkScript)
		packet.Inputs[i].SighashType = txscript.SigHashAll
		packet.Inputs[i].Bip32Derivation = []*psbt.Bip32Derivation{deriv}
	}
	if changePath != nil {
		deriv, err := a.derivation(changePath)
		if err != nil {
			return nil, 0, err
		}
		packet.Outputs[1].Bip32Derivation = []*psbt.Bip32Derivation{deriv}
	}

	return packet, fee, nil
}

// checkCoinScript fails when a coin's script is not the P2WPKH script of
// the key at its claimed path.
func (a *Account) checkCoinScript(c Coin) error {
	mismatch := walleterr.New(walleterr.OperationFailed, "coin script does not match its derivation path").
		WithDetail("outpoint", c.OutPoint.String()).
		WithDetail("path", c.Path.String())

	change, index, err := a.split(c.Path)
	if err != nil {
		return mismatch
	}
	addr, err := a.address(change, index)
	if err != nil {
		return mismatch
	}
	want, err := txscript.PayToAddrScript(addr)
	if err != nil || !bytes.Equal(want, c.PkScript) {
		return mismatch
	}
	return nil
}

func (a *Account) derivation(path chain.Path) (*psbt.Bip32Derivation, error) {
	change, index, err := a.split(path)
	if err != nil {
		return nil, err
	}
	pub, err := a.publicKey(change, index)
	if err != nil {
		return nil, err
	}
	return &psbt.Bip32Derivation{
		PubKey:               pub.SerializeCompressed(),
		MasterKeyFingerprint: a.fingerprint,
		Bip32Path:            append([]uint32(nil), path...),
	}, nil
}

// SignTransaction adds a SIGHASH_ALL P2WPKH signature to every input using
// the key named by the input's derivation info.
func (a *Account) SignTransaction(packet *psbt.Packet) error {
	fetcher, err := prevOutFetcher(packet)
	if err != nil {
		return err
	}
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return fmt.Errorf("failed to create psbt updater: %w", err)
	}

	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		if len(in.Bip32Derivation) == 0 {
			return fmt.Errorf("input %d has no derivation info", i)
		}

		key, err := a.PrivateKey(chain.Path(in.Bip32Derivation[0].Bip32Path))
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		pub := key.PubKey().SerializeCompressed()

		sig, err := txscript.RawTxInWitnessSignature(
			packet.UnsignedTx,
			sigHashes,
			i,
			in.WitnessUtxo.Value,
			in.WitnessUtxo.PkScript,
			txscript.SigHashAll,
			key,
		)
		key.Zero()
		if err != nil {
			return fmt.Errorf("failed to sign input %d: %w", i, err)
		}

		if _, err := updater.Sign(i, sig, pub, nil, nil); err != nil {
			return fmt.Errorf("failed to add signature to input %d: %w", i, err)
		}
	}
	return nil
}

// FinalizeTransaction finalizes every input and extracts the network
// transaction. Missing or invalid signatures fail with per-input details.
func FinalizeTransaction(packet *psbt.Packet) (*wire.MsgTx, error) {
	failed := walleterr.New(walleterr.OperationFailed, "transaction signatures are incomplete or invalid")
	var bad bool

	for i := range packet.Inputs {
		if err := psbt.Finalize(packet, i); err != nil {
			failed = failed.WithDetail(fmt.Sprintf("input %d", i), err.Error())
			bad = true
		}
	}
	if bad {
		return nil, failed
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.OperationFailed, err, "failed to extract transaction")
	}

	fetcher, err := prevOutFetcher(packet)
	if err != nil {
		return nil, err
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i := range tx.TxIn {
		prev := packet.Inputs[i].WitnessUtxo
		vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags, nil, sigHashes, prev.Value, fetcher)
		if err == nil {
			err = vm.Execute()
		}
		if err != nil {
			failed = failed.WithDetail(fmt.Sprintf("input %d", i), err.Error())
			bad = true
		}
	}
	if bad {
		return nil, failed
	}
	return tx, nil
}

func prevOutFetcher(packet *psbt.Packet) (*txscript.MultiPrevOutFetcher, error) {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(packet.Inputs))
	for i, in := range packet.UnsignedTx.TxIn {
		utxo := packet.Inputs[i].WitnessUtxo
		if utxo == nil {
			return nil, walleterr.Newf(walleterr.OperationFailed, "input %d has no witness utxo", i)
		}
		prevOuts[in.PreviousOutPoint] = utxo
	}
	return txscript.NewMultiPrevOutFetcher(prevOuts), nil
}
