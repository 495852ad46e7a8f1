// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wallet

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/blocknetdx/xbridge-go/dex/config"
	"github.com/blocknetdx/xbridge-go/swap/htlc"
	"github.com/blocknetdx/xbridge-go/swap/order"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// rpcClient narrows rpcclient.Client to what legacyConnector needs, so tests
// can substitute a stub (grounded in the conventional rpcClient interface).
type rpcClient interface {
	GetBlockCount() (int64, error)
	GetBlockHash(height int64) (*chainhash.Hash, error)
	GetRawMempool() ([]*chainhash.Hash, error)
	GetBlockVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockVerboseResult, error)
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	ListUnspentMin(minConf int) ([]btcjson.ListUnspentResult, error)
	SignMessage(address btcutil.Address, message string) (string, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	DumpPrivKey(address btcutil.Address) (*btcutil.WIF, error)
}

// legacyConnector implements Connector for chains using legacy (pre-BIP-143)
// whole-transaction sighash: BTC and DGBCreateTxMethod
// variants.
type legacyConnector struct {
	cfg *config.Wallet
	params *chaincfg.Params
	client rpcClient
}

// NewLegacyConnector builds a BTC- or DGB-flavored connector from a parsed
// wallet config section and a live rpcclient.Client.
func NewLegacyConnector(cfg *config.Wallet, params *chaincfg.Params, client *rpcclient.Client) Connector {
	return &legacyConnector{cfg: cfg, params: params, client: client}
}

func (c *legacyConnector) Currency() string { return c.cfg.Ticker }

func (c *legacyConnector) COIN() uint64 { return c.cfg.COIN }

// Init probes RPC reachability the cheap way: a best-block-height query that
// every UTXO daemon answers without side effects.
func (c *legacyConnector) Init() error {
	if _, err := c.client.GetBlockCount(); err != nil {
		return fmt.Errorf("%s: rpc unreachable: %w", c.cfg.Ticker, err)
	}
	return nil
}

func (c *legacyConnector) GetUnspent(excluded map[string]order.UtxoEntry) ([]order.UtxoEntry, error) {
	results, err := c.client.ListUnspentMin(1)
	if err != nil {
		return nil, fmt.Errorf("%s: listunspent: %w", c.cfg.Ticker, err)
	}
	out := make([]order.UtxoEntry, 0, len(results))
	for _, r := range results {
		e := order.UtxoEntry{Txid: r.TxID, Vout: r.Vout, Address: r.Address, Amount: r.Amount}
		if _, locked := excluded[e.Key()]; locked {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *legacyConnector) GetBlockCount() (uint32, error) {
	n, err := c.client.GetBlockCount()
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func (c *legacyConnector) GetBlockHash(height uint32) (string, error) {
	h, err := c.client.GetBlockHash(int64(height))
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

func (c *legacyConnector) GetRawMempool() ([]string, error) {
	hashes, err := c.client.GetRawMempool()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.String()
	}
	return out, nil
}

func (c *legacyConnector) GetTransactionsInBlock(blockHash string) ([]string, error) {
	hash, err := chainhash.NewHashFromStr(blockHash)
	if err != nil {
		return nil, fmt.Errorf("parsing block hash: %w", err)
	}
	block, err := c.client.GetBlockVerbose(hash)
	if err != nil {
		return nil, err
	}
	return block.Tx, nil
}

// IsUTXOSpentInTx reports whether txid spends the output (binTxID, vout) as
// one of its inputs, and at which input index.
func (c *legacyConnector) IsUTXOSpentInTx(txid, binTxID string, vout uint32) (bool, int, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return false, -1, fmt.Errorf("parsing txid: %w", err)
	}
	tx, err := c.client.GetRawTransactionVerbose(hash)
	if err != nil {
		return false, -1, err
	}
	for i, in := range tx.Vin {
		if in.Txid == binTxID && in.Vout == vout {
			return true, i, nil
		}
	}
	return false, -1, nil
}

// GetInputScriptSig returns the raw scriptSig bytes of txid's input at
// inputIndex.
func (c *legacyConnector) GetInputScriptSig(txid string, inputIndex int) ([]byte, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("parsing txid: %w", err)
	}
	tx, err := c.client.GetRawTransactionVerbose(hash)
	if err != nil {
		return nil, err
	}
	if inputIndex < 0 || inputIndex >= len(tx.Vin) {
		return nil, fmt.Errorf("input index %d out of range for tx %s with %d inputs", inputIndex, txid, len(tx.Vin))
	}
	return hex.DecodeString(tx.Vin[inputIndex].ScriptSig.Hex)
}

// SignMessage delegates to the daemon's own signmessage RPC, since address is
// a wallet-controlled identity address, not an ephemeral swap keypair.
func (c *legacyConnector) SignMessage(address string, message []byte) ([65]byte, error) {
	addr, err := btcutil.DecodeAddress(address, c.params)
	if err != nil {
		return [65]byte{}, fmt.Errorf("decoding address: %w", err)
	}
	sigB64, err := c.client.SignMessage(addr, string(message))
	if err != nil {
		return [65]byte{}, fmt.Errorf("signmessage: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return [65]byte{}, fmt.Errorf("decoding signature: %w", err)
	}
	var out [65]byte
	if len(raw) != len(out) {
		return [65]byte{}, fmt.Errorf("unexpected signature length %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// NewKeyPair generates a fresh secp256k1 keypair locally; swap keys (M, X)
// are never imported into the wallet daemon, keeping swap secrets out of
// daemon-managed keystores.
func (c *legacyConnector) NewKeyPair() ([33]byte, [32]byte, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return [33]byte{}, [32]byte{}, fmt.Errorf("generating keypair: %w", err)
	}
	var pub [33]byte
	copy(pub[:], priv.PubKey().SerializeCompressed())
	var sec [32]byte
	copy(sec[:], priv.Serialize())
	return pub, sec, nil
}

// PrivateKeyFor pulls a wallet-controlled address's private key out of
// daemon custody via dumpprivkey, the same escape hatch real XBridge uses
// to sign the non-standard HTLC scripts the daemon's own signrawtransaction
// does not understand.
func (c *legacyConnector) PrivateKeyFor(address string) ([32]byte, error) {
	addr, err := btcutil.DecodeAddress(address, c.params)
	if err != nil {
		return [32]byte{}, fmt.Errorf("decoding address: %w", err)
	}
	wif, err := c.client.DumpPrivKey(addr)
	if err != nil {
		return [32]byte{}, fmt.Errorf("dumpprivkey: %w", err)
	}
	var out [32]byte
	copy(out[:], wif.PrivKey.Serialize())
	return out, nil
}

func (c *legacyConnector) GetKeyID(pub [33]byte) ([20]byte, error) {
	var out [20]byte
	copy(out[:], btcutil.Hash160(pub[:]))
	return out, nil
}

func (c *legacyConnector) ToXAddr(raw [20]byte) (string, error) {
	addr, err := btcutil.NewAddressPubKeyHash(raw[:], c.params)
	if err != nil {
		return "", fmt.Errorf("encoding address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

func (c *legacyConnector) FromXAddr(addr string) ([20]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, c.params)
	if err != nil {
		return [20]byte{}, fmt.Errorf("decoding address: %w", err)
	}
	pkh, ok := decoded.(*btcutil.AddressPubKeyHash)
	if !ok {
		return [20]byte{}, fmt.Errorf("address %s is not a pubkey-hash address", addr)
	}
	var out [20]byte
	copy(out[:], pkh.Hash160()[:])
	return out, nil
}

// ServiceAddresses decodes cfg.Address, the trader's configured service
// address for this currency, into its raw pubkey-hash form. A wallet
// configured with no Address claims no inbound address route.
func (c *legacyConnector) ServiceAddresses() ([][20]byte, error) {
	if c.cfg.Address == "" {
		return nil, nil
	}
	raw, err := c.FromXAddr(c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%s: decoding configured service address: %w", c.cfg.Ticker, err)
	}
	return [][20]byte{raw}, nil
}

func (c *legacyConnector) IsDustAmount(amount float64) bool {
	return uint64(amount*float64(c.cfg.COIN)) < c.cfg.DustAmount
}

func (c *legacyConnector) MinTxFee1(numInputs, numOutputs int) float64 {
	return feeForSize(estimateTxSize(numInputs, numOutputs), c.cfg)
}

func (c *legacyConnector) MinTxFee2(numInputs, numOutputs int) float64 {
	return feeForSize(estimateTxSize(numInputs, numOutputs), c.cfg)
}

func (c *legacyConnector) BlockTimeSecs() uint32 { return c.cfg.BlockTime }

func (c *legacyConnector) RequiredConfirmations() uint32 { return c.cfg.Confirmations }

func (c *legacyConnector) ServiceNodeFeeAmount() float64 {
	return float64(c.cfg.ServiceNodeFee) / float64(c.cfg.COIN)
}

func feeForSize(size int, cfg *config.Wallet) float64 {
	satoshis := uint64(size) * cfg.FeePerByte
	if satoshis < cfg.MinTxFee {
		satoshis = cfg.MinTxFee
	}
	return float64(satoshis) / float64(cfg.COIN)
}

// estimateTxSize is a conservative legacy P2PKH/P2SH size estimate: a fixed
// overhead plus a fixed cost per input and per output, matching the
// back-of-envelope sizing the original coordinator used rather than a
// byte-exact serializer. Fees are taken from this estimate; they are not
// recomputed from the signed transaction's actual size.
func estimateTxSize(numInputs, numOutputs int) int {
	const (
		overhead = 10
		perInput = 148
		perOutput = 34
	)
	return overhead + numInputs*perInput + numOutputs*perOutput
}

func (c *legacyConnector) PayToScriptHash(redeemScript []byte) ([]byte, error) {
	addr, err := btcutil.NewAddressScriptHash(redeemScript, c.params)
	if err != nil {
		return nil, fmt.Errorf("deriving P2SH address: %w", err)
	}
	return txscript.PayToAddrScript(addr)
}

func (c *legacyConnector) PayToAddress(rawAddress [20]byte) ([]byte, error) {
	addr, err := btcutil.NewAddressPubKeyHash(rawAddress[:], c.params)
	if err != nil {
		return nil, fmt.Errorf("deriving P2PKH address: %w", err)
	}
	return txscript.PayToAddrScript(addr)
}

func (c *legacyConnector) signerFor(priv [32]byte) htlc.Signer {
	return legacySigner{priv: priv}
}

type legacySigner struct {
	priv [32]byte
}

func (s legacySigner) Sign(tx *wire.MsgTx, inputIndex int, subscript []byte, amount int64) ([]byte, error) {
	digest, err := htlc.LegacySighash(tx, inputIndex, subscript, htlc.SigHashAll)
	if err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(s.priv[:])
	sig := ecdsa.Sign(priv, digest)
	der := sig.Serialize()
	return append(der, htlc.SighashByte(htlc.SigHashAll, false)), nil
}

func (c *legacyConnector) CreateRefundTransaction(req RefundRequest) (*wire.MsgTx, error) {
	outpoint, err := parseOutpoint(req.Deposit)
	if err != nil {
		return nil, err
	}
	fee := int64(c.MinTxFee2(1, 1) * float64(c.cfg.COIN))
	return htlc.BuildRefundTransaction(outpoint, int64(req.Deposit.Amount*float64(c.cfg.COIN)), req.LockTime,
		req.InnerScript, req.RefundPkScript, fee, req.PubKeyM, c.signerFor(req.PrivKeyM))
}

func (c *legacyConnector) CreatePaymentTransaction(req PaymentRequest) (*wire.MsgTx, error) {
	outpoint, err := parseOutpoint(req.Deposit)
	if err != nil {
		return nil, err
	}
	fee := int64(c.MinTxFee2(1, 1) * float64(c.cfg.COIN))
	return htlc.BuildPaymentTransaction(outpoint, int64(req.Deposit.Amount*float64(c.cfg.COIN)), req.InnerScript,
		req.PaymentPkScript, fee, req.SecretPub, req.PubKeyM, c.signerFor(req.PrivKeyM))
}

func (c *legacyConnector) CreateDepositTransaction(req DepositRequest) (*wire.MsgTx, error) {
	if len(req.Inputs) != len(req.InputPrivKeys) {
		return nil, fmt.Errorf("input count %d does not match supplied key count %d", len(req.Inputs), len(req.InputPrivKeys))
	}
	inputs := make([]htlc.DepositInput, len(req.Inputs))
	signerByIndex := make([]htlc.Signer, len(req.Inputs))
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
		priv, _ := btcec.PrivKeyFromBytes(req.InputPrivKeys[i][:])
		pub := priv.PubKey().SerializeCompressed()
		inputs[i] = htlc.DepositInput{
			Outpoint: outpoint,
			Amount: int64(u.Amount * float64(c.cfg.COIN)),
			PkScript: pkScript,
			PublicKey: pub,
			SigScript: func(sig, pubkey []byte) ([]byte, error) {
				return txscript.NewScriptBuilder().AddData(sig).AddData(pubkey).Script()
			},
		}
		signerByIndex[i] = c.signerFor(req.InputPrivKeys[i])
	}
	return htlc.BuildDepositTransaction(inputs, req.HTLCPkScript, req.DepositAmount, req.ChangePkScript, req.ChangeAmount, multiSigner{signers: signerByIndex})
}

// multiSigner routes each input to the Signer that knows its private key,
// since BuildDepositTransaction may span inputs controlled by different
// addresses.
type multiSigner struct {
	signers []htlc.Signer
}

func (m multiSigner) Sign(tx *wire.MsgTx, inputIndex int, subscript []byte, amount int64) ([]byte, error) {
	if inputIndex < 0 || inputIndex >= len(m.signers) {
		return nil, fmt.Errorf("no signer registered for input %d", inputIndex)
	}
	return m.signers[inputIndex].Sign(tx, inputIndex, subscript, amount)
}

// CreateFeeTransaction builds and signs the BLOCK service-node fee payment:
// one or more P2PKH inputs, a payment output to the service node, an
// OP_RETURN output carrying the order-attribution payload, and optional
// change.
func (c *legacyConnector) CreateFeeTransaction(req FeeTxRequest) (*wire.MsgTx, error) {
	if len(req.Inputs) != len(req.InputPrivKeys) {
		return nil, fmt.Errorf("input count %d does not match supplied key count %d", len(req.Inputs), len(req.InputPrivKeys))
	}
	payTo, err := c.PayToAddress(req.PayToRaw)
	if err != nil {
		return nil, fmt.Errorf("building fee destination script: %w", err)
	}
	opReturn, err := txscript.NullDataScript(req.OpReturnPayload)
	if err != nil {
		return nil, fmt.Errorf("building OP_RETURN script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range req.Inputs {
		outpoint, err := parseOutpoint(u)
		if err != nil {
			return nil, err
		}
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{Hash: outpoint.Hash, Index: outpoint.Index},
			Sequence: wire.MaxTxInSequenceNum,
		})
	}
	tx.AddTxOut(wire.NewTxOut(req.FeeAmount, payTo))
	tx.AddTxOut(wire.NewTxOut(0, opReturn))
	if req.ChangeAmount > 0 {
		tx.AddTxOut(wire.NewTxOut(req.ChangeAmount, req.ChangePkScript))
	}

	for i, u := range req.Inputs {
		addr, err := btcutil.DecodeAddress(u.Address, c.params)
		if err != nil {
			return nil, fmt.Errorf("decoding fee input address: %w", err)
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("building fee input pkScript: %w", err)
		}
		digest, err := htlc.LegacySighash(tx, i, pkScript, htlc.SigHashAll)
		if err != nil {
			return nil, fmt.Errorf("hashing fee input %d: %w", i, err)
		}
		priv, _ := btcec.PrivKeyFromBytes(req.InputPrivKeys[i][:])
		sig := append(ecdsa.Sign(priv, digest).Serialize(), htlc.SighashByte(htlc.SigHashAll, false))
		scriptSig, err := txscript.NewScriptBuilder().AddData(sig).AddData(priv.PubKey().SerializeCompressed()).Script()
		if err != nil {
			return nil, fmt.Errorf("assembling fee input scriptSig %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = scriptSig
	}
	return tx, nil
}

// Broadcast submits tx via sendrawtransaction and returns its txid.
func (c *legacyConnector) Broadcast(tx *wire.MsgTx) (string, error) {
	hash, err := c.client.SendRawTransaction(tx, false)
	if err != nil {
		return "", fmt.Errorf("%s: sendrawtransaction: %w", c.cfg.Ticker, err)
	}
	return hash.String(), nil
}

func parseOutpoint(u order.UtxoEntry) (htlc.Outpoint, error) {
	hash, err := chainhash.NewHashFromStr(u.Txid)
	if err != nil {
		return htlc.Outpoint{}, fmt.Errorf("parsing outpoint hash: %w", err)
	}
	return htlc.Outpoint{Hash: *hash, Index: u.Vout}, nil
}
