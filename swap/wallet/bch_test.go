// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

func newTestBCHConnector(client rpcClient) *bchConnector {
	cfg := testWalletConfig()
	cfg.Ticker = "BCH"
	return &bchConnector{legacyConnector: &legacyConnector{cfg: cfg, params: &chaincfg.MainNetParams, client: client}}
}

func TestBCHConnectorInheritsChainAgnosticBehavior(t *testing.T) {
	c := newTestBCHConnector(&stubRPCClient{blockCount: 42})
	if err := c.Init(); err != nil {
		t.Fatal(err)
	}
	if c.Currency() != "BCH" {
		t.Fatalf("expected currency BCH, got %s", c.Currency())
	}
}

func TestBCHSignerDiffersFromLegacySigner(t *testing.T) {
	var priv [32]byte
	priv[0] = 1

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{Sequence: wire.MaxTxInSequenceNum})
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x76}))

	legacy := legacySigner{priv: priv}
	bch := bchSigner{priv: priv}

	legacySig, err := legacy.Sign(tx, 0, []byte{0x51}, 1000)
	if err != nil {
		t.Fatal(err)
	}
	bchSig, err := bch.Sign(tx, 0, []byte{0x51}, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if string(legacySig) == string(bchSig) {
		t.Fatal("legacy and BCH FORKID signatures over the same inputs must differ")
	}
	// Both append a trailing sighash byte; BCH's sets the FORKID bit.
	if bchSig[len(bchSig)-1]&0x40 == 0 {
		t.Fatal("BCH signature must carry the FORKID bit in its trailing byte")
	}
	if legacySig[len(legacySig)-1]&0x40 != 0 {
		t.Fatal("legacy signature must not carry the FORKID bit")
	}
}
