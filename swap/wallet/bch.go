// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wallet

import (
	"fmt"

	"github.com/blocknetdx/xbridge-go/dex/config"
	"github.com/blocknetdx/xbridge-go/swap/htlc"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/gcash/bchd/bchec"
)

// bchConnector composes a legacyConnector for every chain-agnostic RPC
// operation and overrides only the three operations the FORKID sighash
// touches: the refund, payment, and deposit transaction builders.
type bchConnector struct {
	*legacyConnector
}

// NewBCHConnector builds a Bitcoin-Cash-flavored connector. It is the only
// CreateTxMethod variant whose sighash is not legacy whole-transaction
// serialization.
func NewBCHConnector(cfg *config.Wallet, params *chaincfg.Params, client *rpcclient.Client) Connector {
	return &bchConnector{legacyConnector: &legacyConnector{cfg: cfg, params: params, client: client}}
}

// bchSigner signs the BCH FORKID sighash digest with Blocknet's replay
// protection xor enabled; it is the only signer BCH connectors are permitted
// to use.
type bchSigner struct {
	priv [32]byte
}

func (s bchSigner) Sign(tx *wire.MsgTx, inputIndex int, subscript []byte, amount int64) ([]byte, error) {
	digest, err := htlc.BCHForkIDSighash(tx, inputIndex, subscript, amount, htlc.SigHashAll, true)
	if err != nil {
		return nil, fmt.Errorf("bch forkid sighash: %w", err)
	}
	priv, _ := bchec.PrivKeyFromBytes(bchec.S256(), s.priv[:])
	sig, err := priv.SignECDSA(digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing bch sighash: %w", err)
	}
	return append(sig.Serialize(), htlc.SighashByte(htlc.SigHashAll, true)), nil
}

func (c *bchConnector) CreateRefundTransaction(req RefundRequest) (*wire.MsgTx, error) {
	outpoint, err := parseOutpoint(req.Deposit)
	if err != nil {
		return nil, err
	}
	fee := int64(c.MinTxFee2(1, 1) * float64(c.cfg.COIN))
	return htlc.BuildRefundTransaction(outpoint, int64(req.Deposit.Amount*float64(c.cfg.COIN)), req.LockTime,
		req.InnerScript, req.RefundPkScript, fee, req.PubKeyM, bchSigner{priv: req.PrivKeyM})
}

func (c *bchConnector) CreatePaymentTransaction(req PaymentRequest) (*wire.MsgTx, error) {
	outpoint, err := parseOutpoint(req.Deposit)
	if err != nil {
		return nil, err
	}
	fee := int64(c.MinTxFee2(1, 1) * float64(c.cfg.COIN))
	return htlc.BuildPaymentTransaction(outpoint, int64(req.Deposit.Amount*float64(c.cfg.COIN)), req.InnerScript,
		req.PaymentPkScript, fee, req.SecretPub, req.PubKeyM, bchSigner{priv: req.PrivKeyM})
}

func (c *bchConnector) CreateDepositTransaction(req DepositRequest) (*wire.MsgTx, error) {
	if len(req.Inputs) != len(req.InputPrivKeys) {
		return nil, fmt.Errorf("input count %d does not match supplied key count %d", len(req.Inputs), len(req.InputPrivKeys))
	}
	inputs := make([]htlc.DepositInput, len(req.Inputs))
	signers := make([]htlc.Signer, len(req.Inputs))
	for i, u := range req.Inputs {
		outpoint, err := parseOutpoint(u)
		if err != nil {
			return nil, err
		}
		addr, err := btcutil.DecodeAddress(u.Address, c.params)
		if err != nil {
			return nil, fmt.Errorf("decoding input address: %w", err)
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("building input pkScript: %w", err)
		}
		_, pub := bchec.PrivKeyFromBytes(bchec.S256(), req.InputPrivKeys[i][:])
		inputs[i] = htlc.DepositInput{
			Outpoint: outpoint,
			Amount: int64(u.Amount * float64(c.cfg.COIN)),
			PkScript: pkScript,
			PublicKey: pub.SerializeCompressed(),
			SigScript: func(sig, pubkey []byte) ([]byte, error) {
				return txscript.NewScriptBuilder().AddData(sig).AddData(pubkey).Script()
			},
		}
		signers[i] = bchSigner{priv: req.InputPrivKeys[i]}
	}
	return htlc.BuildDepositTransaction(inputs, req.HTLCPkScript, req.DepositAmount, req.ChangePkScript, req.ChangeAmount, multiSigner{signers: signers})
}

// BCH deposit inputs are encoded as legacy base58 pubkey-hash addresses,
// matching legacyConnector.CreateDepositTransaction; this module targets
// the pre-cashaddr wallet address format (see DESIGN.md).
