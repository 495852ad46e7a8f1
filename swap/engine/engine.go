// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/blocknetdx/xbridge-go/dex"
	"github.com/blocknetdx/xbridge-go/swap/htlc"
	"github.com/blocknetdx/xbridge-go/swap/lockmgr"
	swapnet "github.com/blocknetdx/xbridge-go/swap/net"
	"github.com/blocknetdx/xbridge-go/swap/order"
	"github.com/blocknetdx/xbridge-go/swap/scheduler"
	"github.com/blocknetdx/xbridge-go/swap/snode"
	"github.com/blocknetdx/xbridge-go/swap/wallet"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Lifecycle TTLs. The distilled spec names pendingTTL, TTL,
// and deadlineTTL without giving numeric defaults; these match Blocknet's
// xbridge deployment defaults.
const (
	DefaultPendingTTL = 40 * time.Minute
	DefaultTTL = 70 * time.Minute
	DefaultDeadlineTTL = 60 * time.Minute
)

// stuckNewAfter and stuckPendingAfter are the fixed rebroadcast thresholds
// gives exactly.
const (
	stuckNewAfter = 15 * time.Second
	stuckPendingAfter = 240 * time.Second
)

// Transport is the outbound half of the P2P broadcast primitive
// lists as an external collaborator: something that can hand a signed,
// framed packet to the network. Inbound delivery is the dispatcher's job
// (swap/net); this interface only covers sending.
type Transport interface {
	Send(p swapnet.Packet) error
}

// Engine drives the order lifecycle state machine for both the Maker and
// Taker role: order creation and acceptance,
// the packet handlers that advance an order from Hold through Finished, and
// the timer-driven stuck-order rebroadcast and expiry sweep.
type Engine struct {
	store *order.Store
	locks *lockmgr.Manager
	wallets *wallet.Registry

	transport Transport

	selMu sync.RWMutex
	selector *snode.Selector

	selfKeyID [swapnet.DestinationSize]byte
	protocolVersion uint32

	pendingTTL time.Duration
	ttl time.Duration
	deadlineTTL time.Duration

	log dex.Logger
}

// New builds an Engine with the default lifecycle TTLs. Use SetTTLs to
// override them (e.g. from command-line flags).
func New(store *order.Store, locks *lockmgr.Manager, wallets *wallet.Registry, transport Transport,
	sel *snode.Selector, selfKeyID [swapnet.DestinationSize]byte, protocolVersion uint32, log dex.Logger) *Engine {
	return &Engine{
		store: store,
		locks: locks,
		wallets: wallets,
		transport: transport,
		selector: sel,
		selfKeyID: selfKeyID,
		protocolVersion: protocolVersion,
		pendingTTL: DefaultPendingTTL,
		ttl: DefaultTTL,
		deadlineTTL: DefaultDeadlineTTL,
		log: log,
	}
}

// SetTTLs overrides the lifecycle TTLs New defaulted.
func (e *Engine) SetTTLs(pendingTTL, ttl, deadlineTTL time.Duration) {
	e.pendingTTL, e.ttl, e.deadlineTTL = pendingTTL, ttl, deadlineTTL
}

// SetSelector replaces the service-node selector, e.g. after the node
// registry snapshot refreshes.
func (e *Engine) SetSelector(sel *snode.Selector) {
	e.selMu.Lock()
	defer e.selMu.Unlock()
	e.selector = sel
}

func (e *Engine) currentSelector() *snode.Selector {
	e.selMu.RLock()
	defer e.selMu.RUnlock()
	return e.selector
}

// keyID hash160's a compressed pubkey, the wire-level identity the
// dispatcher routes against (net.DestinationSize bytes).
func keyID(pub [33]byte) [20]byte {
	var out [20]byte
	copy(out[:], btcutil.Hash160(pub[:]))
	return out
}

func (e *Engine) send(dest [20]byte, msgType MsgType, body []byte) error {
	full := make([]byte, 0, 1+len(body))
	full = append(full, byte(msgType))
	full = append(full, body...)
	return e.transport.Send(swapnet.NewPacket(dest, full))
}

func (e *Engine) broadcast(msgType MsgType, body []byte) error {
	return e.send(swapnet.Broadcast, msgType, body)
}

func validCurrencyTicker(s string) bool {
	return len(s) > 0 && len(s) <= 8
}

func sumCoins(utxos []order.UtxoEntry) float64 {
	var total float64
	for _, u := range utxos {
		total += u.Amount
	}
	return total
}

func signUtxos(conn wallet.Connector, utxos []order.UtxoEntry) error {
	for i := range utxos {
		canon := fmt.Sprintf("%s:%d:%s:%v", utxos[i].Txid, utxos[i].Vout, utxos[i].Address, utxos[i].Amount)
		sig, err := conn.SignMessage(utxos[i].Address, []byte(canon))
		if err != nil {
			return fmt.Errorf("signing utxo %s:%d: %w", utxos[i].Txid, utxos[i].Vout, err)
		}
		utxos[i].Signature = sig[:]
		raw, err := conn.FromXAddr(utxos[i].Address)
		if err != nil {
			return fmt.Errorf("deriving raw address for utxo %s:%d: %w", utxos[i].Txid, utxos[i].Vout, err)
		}
		utxos[i].RawAddress = raw
	}
	return nil
}

func privKeysFor(conn wallet.Connector, utxos []order.UtxoEntry) ([][32]byte, error) {
	out := make([][32]byte, len(utxos))
	for i, u := range utxos {
		priv, err := conn.PrivateKeyFor(u.Address)
		if err != nil {
			return nil, fmt.Errorf("exporting key for %s:%d: %w", u.Txid, u.Vout, err)
		}
		out[i] = priv
	}
	return out, nil
}

// blockHashArray fetches the chain's current best block hash in both raw
// and height form, the entropy xbcTransaction's orderId derivation and the
// accepting packet's block-height fields need.
func blockHashArray(conn wallet.Connector) ([32]byte, uint32, error) {
	height, err := conn.GetBlockCount()
	if err != nil {
		return [32]byte{}, 0, err
	}
	hashStr, err := conn.GetBlockHash(height)
	if err != nil {
		return [32]byte{}, 0, err
	}
	h, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return [32]byte{}, 0, err
	}
	var out [32]byte = *h
	return out, height, nil
}

func blockHashPrefix(h [32]byte) uint64 {
	return binary.LittleEndian.Uint64(h[:8])
}

// CreateOrderRequest is the Maker-side createOrder call.
type CreateOrderRequest struct {
	FromCurrency string
	FromAmount uint64
	FromAddress string
	ToCurrency string
	ToAmount uint64
	ToAddress string
}

// CreateOrder implements the Maker-side createOrder transition: validates
// amounts, selects and signs UTXOs, locks them, generates the M and X
// keypairs, computes the order id, broadcasts xbcTransaction, and enters
// Pending.
func (e *Engine) CreateOrder(req CreateOrderRequest) (*order.Descr, error) {
	if !validCurrencyTicker(req.FromCurrency) || !validCurrencyTicker(req.ToCurrency) {
		return nil, dex.NewError(dex.ErrInvalidCurrency, "ticker must be 1-8 ASCII characters")
	}
	connFrom, ok := e.wallets.Get(req.FromCurrency)
	if !ok {
		return nil, dex.NewError(dex.ErrInvalidCurrency, req.FromCurrency)
	}
	connTo, ok := e.wallets.Get(req.ToCurrency)
	if !ok {
		return nil, dex.NewError(dex.ErrInvalidCurrency, req.ToCurrency)
	}

	fromCoins := dex.ValueFromAmount(req.FromAmount, connFrom.COIN())
	if connFrom.IsDustAmount(fromCoins) {
		return nil, dex.NewError(dex.ErrDust, req.FromCurrency)
	}

	excluded := e.locks.GetAllLockedUtxos(req.FromCurrency)
	candidates, err := connFrom.GetUnspent(excluded)
	if err != nil {
		return nil, fmt.Errorf("listing %s unspent outputs: %w", req.FromCurrency, err)
	}

	selected, err := htlc.SelectUtxos(fromCoins, candidates, req.FromAddress,
		htlc.FeeFuncs{Fee1: connFrom.MinTxFee1, Fee2: connFrom.MinTxFee2})
	if err != nil {
		return nil, dex.NewError(dex.ErrInsufficientFunds, err.Error())
	}

	if !e.locks.LockCoins(req.FromCurrency, selected) {
		return nil, dex.NewError(dex.ErrInsufficientFunds, "selected utxos were locked by a concurrent order")
	}
	rollback := func() { e.locks.UnlockCoins(req.FromCurrency, selected) }

	if err := signUtxos(connFrom, selected); err != nil {
		rollback()
		return nil, dex.NewError(dex.ErrFundsNotSigned, err.Error())
	}

	fromRaw, err := connFrom.FromXAddr(req.FromAddress)
	if err != nil {
		rollback()
		return nil, dex.NewError(dex.ErrInvalidAddress, err.Error())
	}
	toRaw, err := connTo.FromXAddr(req.ToAddress)
	if err != nil {
		rollback()
		return nil, dex.NewError(dex.ErrInvalidAddress, err.Error())
	}

	pubM, privM, err := connFrom.NewKeyPair()
	if err != nil {
		rollback()
		return nil, fmt.Errorf("generating M keypair: %w", err)
	}
	pubX, privX, err := connFrom.NewKeyPair()
	if err != nil {
		rollback()
		return nil, fmt.Errorf("generating X keypair: %w", err)
	}

	blockHash, _, err := blockHashArray(connFrom)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("fetching recent block hash: %w", err)
	}

	createdMicros := dex.NowMicro()
	id := order.MakeID(order.IDInputs{
		MakerAddress: fromRaw,
		FromCurrency: req.FromCurrency,
		FromAmount: req.FromAmount,
		TakerAddress: [20]byte{},
		ToCurrency: req.ToCurrency,
		ToAmount: req.ToAmount,
		CreatedMicros: createdMicros,
		BlockHash: blockHash,
		FirstUtxoSig: selected[0].Signature,
	})

	created := time.UnixMicro(createdMicros).UTC()
	d := &order.Descr{
		ID: id,
		Role: order.RoleMaker,
		State: order.StateNew,
		FromAddress: req.FromAddress,
		FromRawAddress: fromRaw,
		FromCurrency: req.FromCurrency,
		FromAmount: req.FromAmount,
		ToAddress: req.ToAddress,
		ToRawAddress: toRaw,
		ToCurrency: req.ToCurrency,
		ToAmount: req.ToAmount,
		Created: created,
		Txtime: created,
		UsedCoins: selected,
		M: order.KeyPair{Pub: pubM, Priv: privM},
		X: order.KeyPair{Pub: pubX, Priv: privX},
		BlockHash: blockHash,
		FirstUtxoSig: selected[0].Signature,
	}

	sel := e.currentSelector()
	if sel == nil {
		rollback()
		return nil, dex.NewError(dex.ErrNoServiceNode, "")
	}
	nodes := sel.Select([]string{req.FromCurrency, req.ToCurrency}, e.protocolVersion, nil)
	if len(nodes) == 0 {
		rollback()
		return nil, dex.NewError(dex.ErrNoServiceNode, "")
	}
	d.AssignServiceNode(nodes[0].PubKey)

	if err := e.store.Append(d); err != nil {
		rollback()
		return nil, err
	}

	msg := TransactionMsg{
		OrderID: id, From: fromRaw, FromCurrency: req.FromCurrency, FromAmount: req.FromAmount,
		To: toRaw, ToCurrency: req.ToCurrency, ToAmount: req.ToAmount,
		CreatedMicros: createdMicros, BlockHash: blockHash, Utxos: selected,
	}
	if err := e.broadcast(MsgTransaction, msg.Encode()); err != nil {
		// Network relay failure is not an error: the order still
		// enters Pending, and the timer rebroadcasts it once it has sat
		// there for stuckPendingAfter.
		e.log.Warnf("broadcasting new order %x: %v", id, err)
	}

	d.State = order.StatePending
	d.UpdateTimestamp()
	return d, nil
}

// AcceptOrderRequest is the Taker-side acceptOrder call.
type AcceptOrderRequest struct {
	Announce TransactionMsg

	// TakerFromAddress funds the taker's own deposit, denominated in
	// Announce.ToCurrency (the currency the maker wants to receive).
	TakerFromAddress string
	// TakerToAddress receives Announce.FromCurrency once the swap completes.
	TakerToAddress string

	ServiceNodeFeeAddress [20]byte
	// BlockChangeAddress receives leftover BLOCK from the fee transaction;
	// required only if the selected fee utxos overshoot the fee amount.
	BlockChangeAddress string
}

// AcceptOrder implements the Taker-side acceptOrder transition: validates
// the taker's buy-leg balance, builds the BLOCK service-node fee payment,
// selects and locks the taker's own deposit UTXOs, generates the M keypair,
// broadcasts xbcTransactionAccepting, and enters Accepting.
func (e *Engine) AcceptOrder(req AcceptOrderRequest) (*order.Descr, error) {
	ann := req.Announce
	if !validCurrencyTicker(ann.FromCurrency) || !validCurrencyTicker(ann.ToCurrency) {
		return nil, dex.NewError(dex.ErrInvalidCurrency, "ticker must be 1-8 ASCII characters")
	}
	connDeposit, ok := e.wallets.Get(ann.ToCurrency)
	if !ok {
		return nil, dex.NewError(dex.ErrInvalidCurrency, ann.ToCurrency)
	}
	connReceive, ok := e.wallets.Get(ann.FromCurrency)
	if !ok {
		return nil, dex.NewError(dex.ErrInvalidCurrency, ann.FromCurrency)
	}

	depositCoins := dex.ValueFromAmount(ann.ToAmount, connDeposit.COIN())
	if connDeposit.IsDustAmount(depositCoins) {
		return nil, dex.NewError(dex.ErrDust, ann.ToCurrency)
	}
	if err := e.checkAcceptParams(ann, connDeposit, depositCoins); err != nil {
		return nil, err
	}

	excluded := e.locks.GetAllLockedUtxos(ann.ToCurrency)
	candidates, err := connDeposit.GetUnspent(excluded)
	if err != nil {
		return nil, fmt.Errorf("listing %s unspent outputs: %w", ann.ToCurrency, err)
	}
	selected, err := htlc.SelectUtxos(depositCoins, candidates, req.TakerFromAddress,
		htlc.FeeFuncs{Fee1: connDeposit.MinTxFee1, Fee2: connDeposit.MinTxFee2})
	if err != nil {
		return nil, dex.NewError(dex.ErrInsufficientFunds, err.Error())
	}
	if !e.locks.LockCoins(ann.ToCurrency, selected) {
		return nil, dex.NewError(dex.ErrInsufficientFunds, "selected utxos were locked by a concurrent order")
	}
	rollback := func() { e.locks.UnlockCoins(ann.ToCurrency, selected) }

	if err := signUtxos(connDeposit, selected); err != nil {
		rollback()
		return nil, dex.NewError(dex.ErrFundsNotSigned, err.Error())
	}

	connBlock, ok := e.wallets.Get("BLOCK")
	if !ok {
		rollback()
		return nil, dex.NewError(dex.ErrNoServiceNode, "BLOCK wallet not configured")
	}
	feeCoins := connBlock.ServiceNodeFeeAmount()
	feeExcluded := e.locks.GetAllLockedUtxos("BLOCK")
	feeCandidates, err := connBlock.GetUnspent(feeExcluded)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("listing BLOCK unspent outputs: %w", err)
	}
	feeSelected, err := htlc.SelectUtxos(feeCoins, feeCandidates, "",
		htlc.FeeFuncs{Fee1: connBlock.MinTxFee1, Fee2: connBlock.MinTxFee2})
	if err != nil {
		rollback()
		return nil, dex.NewError(dex.ErrInsufficientFundsDX, err.Error())
	}
	if !e.locks.LockFeeUtxos(feeSelected) {
		rollback()
		return nil, dex.NewError(dex.ErrInsufficientFundsDX, "fee utxos were locked by a concurrent order")
	}
	rollbackAll := func() { rollback(); e.locks.UnlockFeeUtxos(feeSelected) }

	feePrivKeys, err := privKeysFor(connBlock, feeSelected)
	if err != nil {
		rollbackAll()
		return nil, fmt.Errorf("exporting fee input keys: %w", err)
	}

	feeSat := dex.AmountFromReal(feeCoins, connBlock.COIN())
	totalFeeInSat := dex.AmountFromReal(sumCoins(feeSelected), connBlock.COIN())
	var changeScript []byte
	var changeSat int64
	if totalFeeInSat > feeSat {
		if req.BlockChangeAddress == "" {
			rollbackAll()
			return nil, dex.NewError(dex.ErrBadRequest, "fee inputs exceed fee amount but no BlockChangeAddress was given")
		}
		changeRaw, err := connBlock.FromXAddr(req.BlockChangeAddress)
		if err != nil {
			rollbackAll()
			return nil, dex.NewError(dex.ErrInvalidAddress, err.Error())
		}
		changeScript, err = connBlock.PayToAddress(changeRaw)
		if err != nil {
			rollbackAll()
			return nil, err
		}
		changeSat = int64(totalFeeInSat - feeSat)
	}

	payload, err := htlc.EncodeFeePayload(ann.OrderID, ann.FromCurrency, ann.FromAmount, ann.ToCurrency, ann.ToAmount)
	if err != nil {
		rollbackAll()
		return nil, err
	}

	feeTx, err := connBlock.CreateFeeTransaction(wallet.FeeTxRequest{
		Inputs: feeSelected, InputPrivKeys: feePrivKeys, PayToRaw: req.ServiceNodeFeeAddress,
		FeeAmount: int64(feeSat), OpReturnPayload: payload, ChangePkScript: changeScript, ChangeAmount: changeSat,
	})
	if err != nil {
		rollbackAll()
		return nil, fmt.Errorf("building fee transaction: %w", err)
	}
	feeTxid, err := connBlock.Broadcast(feeTx)
	if err != nil {
		rollbackAll()
		return nil, fmt.Errorf("broadcasting fee transaction: %w", err)
	}
	e.log.Debugf("order %x: fee transaction %s broadcast", ann.OrderID, feeTxid)

	fromRaw, err := connDeposit.FromXAddr(req.TakerFromAddress)
	if err != nil {
		rollbackAll()
		return nil, dex.NewError(dex.ErrInvalidAddress, err.Error())
	}
	toRaw, err := connReceive.FromXAddr(req.TakerToAddress)
	if err != nil {
		rollbackAll()
		return nil, dex.NewError(dex.ErrInvalidAddress, err.Error())
	}

	pubM, privM, err := connDeposit.NewKeyPair()
	if err != nil {
		rollbackAll()
		return nil, fmt.Errorf("generating M keypair: %w", err)
	}

	blockHash, _, err := blockHashArray(connDeposit)
	if err != nil {
		rollbackAll()
		return nil, fmt.Errorf("fetching recent block hash: %w", err)
	}

	createdMicros := dex.NowMicro()
	created := time.UnixMicro(createdMicros).UTC()

	fromHeight, _ := connDeposit.GetBlockCount()
	toHeight, _ := connReceive.GetBlockCount()

	d := &order.Descr{
		ID: ann.OrderID,
		Role: order.RoleTaker,
		State: order.StateNew,
		FromAddress: req.TakerFromAddress,
		FromRawAddress: fromRaw,
		FromCurrency: ann.ToCurrency,
		FromAmount: ann.ToAmount,
		ToAddress: req.TakerToAddress,
		ToRawAddress: toRaw,
		ToCurrency: ann.FromCurrency,
		ToAmount: ann.FromAmount,
		Created: created,
		Txtime: created,
		UsedCoins: selected,
		FeeUtxos: feeSelected,
		M: order.KeyPair{Pub: pubM, Priv: privM},
		BlockHash: blockHash,
		FirstUtxoSig: selected[0].Signature,
		HubAddress: ann.From,
		FromBlockHeight: fromHeight,
		ToBlockHeight: toHeight,
	}

	if err := e.store.Append(d); err != nil {
		rollbackAll()
		return nil, err
	}

	accepting := AcceptingMsg{
		HubAddr: d.HubAddress, OrderID: ann.OrderID,
		From: fromRaw, FromCurrency: ann.ToCurrency, FromAmount: ann.ToAmount,
		FromBlockHeight: fromHeight, FromBlockHashPfx: blockHashPrefix(blockHash),
		To: toRaw, ToCurrency: ann.FromCurrency, ToAmount: ann.FromAmount,
		ToBlockHeight: toHeight, ToBlockHashPfx: 0,
		Utxos: selected,
	}
	if err := e.broadcast(MsgTransactionAccepting, accepting.Encode()); err != nil {
		e.log.Warnf("broadcasting accept for order %x: %v", ann.OrderID, err)
	}

	d.State = order.StateAccepting
	d.UpdateTimestamp()
	return d, nil
}

// checkAcceptParams resolves "accept-params check disabled"
// open question: it validates the taker's actual buy-leg currency, the
// currency the taker must fund their own HTLC deposit in, against their
// spendable balance on that chain (SPEC_FULL.md's supplemented-features
// resolution).
func (e *Engine) checkAcceptParams(ann TransactionMsg, connDeposit wallet.Connector, depositCoins float64) error {
	excluded := e.locks.GetAllLockedUtxos(ann.ToCurrency)
	candidates, err := connDeposit.GetUnspent(excluded)
	if err != nil {
		return fmt.Errorf("checking %s balance: %w", ann.ToCurrency, err)
	}
	needed := depositCoins + connDeposit.MinTxFee1(1, 3) + connDeposit.MinTxFee2(1, 1)
	if sumCoins(candidates) < needed {
		return dex.NewError(dex.ErrInsufficientFunds, fmt.Sprintf("have %v %s, need %v", sumCoins(candidates), ann.ToCurrency, needed))
	}
	return nil
}

// HandlePacket dispatches a decoded, verified inbound packet to the
// matching handler based on its MsgType tag byte.
func (e *Engine) HandlePacket(p swapnet.Packet) error {
	if len(p.Body) < 1 {
		return fmt.Errorf("empty packet body")
	}
	msgType := MsgType(p.Body[0])
	body := p.Body[1:]

	switch msgType {
	case MsgTransaction, MsgTransactionAccepting:
		// Order discovery is a read path for callers outside the state
		// machine (e.g. a CLI listing open orders); the engine itself has
		// nothing to do with an announce or accept it did not originate.
		return nil
	case MsgTransactionHold:
		msg, err := DecodeHoldMsg(body)
		if err != nil {
			return err
		}
		return e.handleHold(msg)
	case MsgTransactionInit:
		msg, err := DecodeInitMsg(body)
		if err != nil {
			return err
		}
		return e.handleInit(msg)
	case MsgTransactionCreated:
		msg, err := DecodeCreatedMsg(body)
		if err != nil {
			return err
		}
		return e.handleCreated(msg)
	case MsgTransactionConfirmA:
		msg, err := DecodeConfirmAMsg(body)
		if err != nil {
			return err
		}
		return e.handleConfirmA(msg)
	case MsgTransactionConfirmB:
		msg, err := DecodeConfirmBMsg(body)
		if err != nil {
			return err
		}
		return e.handleConfirmB(msg)
	case MsgTransactionCancel:
		msg, err := DecodeCancelMsg(body)
		if err != nil {
			return err
		}
		return e.handleCancel(msg)
	case MsgTransactionFinished:
		msg, err := DecodeFinishedMsg(body)
		if err != nil {
			return err
		}
		return e.handleFinished(msg)
	default:
		return fmt.Errorf("unknown message type %d", msgType)
	}
}

func (e *Engine) handleHold(msg HoldMsg) error {
	d, ok := e.store.Get(msg.OrderID)
	if !ok {
		return dex.NewError(dex.ErrTransactionNotFound, fmt.Sprintf("%x", msg.OrderID))
	}
	d.Lock()
	defer d.Unlock()
	if d.State != order.StatePending {
		return nil
	}
	d.AssignServiceNode(msg.ServiceNode)
	d.State = order.StateHold
	d.UpdateTimestamp()
	return nil
}

func (e *Engine) handleInit(msg InitMsg) error {
	d, ok := e.store.Get(msg.OrderID)
	if !ok {
		return dex.NewError(dex.ErrTransactionNotFound, fmt.Sprintf("%x", msg.OrderID))
	}
	d.Lock()
	defer d.Unlock()

	switch d.Role {
	case order.RoleMaker:
		return e.makerHandleInit(d, msg)
	case order.RoleTaker:
		return e.takerHandleInit(d, msg)
	default:
		return nil
	}
}

// buildAndBroadcastDeposit builds, signs, and submits the HTLC deposit
// transaction funding inputs into a redeem script locked to
// (lockTime, selfPkh, counterpartyPkh, secretHash): selfPkh is the
// depositor's own pubkey hash, placed in the refund branch so the depositor
// can always reclaim a stuck deposit without relying on any disclosure from
// the counterparty; counterpartyPkh goes in the redeem branch, since only
// the counterparty ever learns the secret and spends that way. Any leftover
// change is sent back to changeRaw.
func (e *Engine) buildAndBroadcastDeposit(conn wallet.Connector, inputs []order.UtxoEntry, swapAmount uint64,
	selfPkh, counterpartyPkh, secretHash [20]byte, lockTime int64, changeRaw [20]byte) (*wire.MsgTx, string, error) {
	redeemScript, err := htlc.BuildRedeemScript(lockTime, selfPkh, counterpartyPkh, secretHash)
	if err != nil {
		return nil, "", err
	}
	htlcScript, err := conn.PayToScriptHash(redeemScript)
	if err != nil {
		return nil, "", err
	}

	swapCoins := dex.ValueFromAmount(swapAmount, conn.COIN())
	fee1 := conn.MinTxFee1(len(inputs), 3)
	fee2 := conn.MinTxFee2(1, 1)
	depositCoins := swapCoins + fee2
	changeCoins := sumCoins(inputs) - depositCoins - fee1
	if changeCoins < 0 {
		return nil, "", fmt.Errorf("selected utxos do not cover deposit+fees: have %v, need %v", sumCoins(inputs), depositCoins+fee1)
	}

	privKeys, err := privKeysFor(conn, inputs)
	if err != nil {
		return nil, "", err
	}

	var changeScript []byte
	var changeSat int64
	if changeCoins > 0 {
		changeScript, err = conn.PayToAddress(changeRaw)
		if err != nil {
			return nil, "", err
		}
		changeSat = int64(dex.AmountFromReal(changeCoins, conn.COIN()))
	}

	tx, err := conn.CreateDepositTransaction(wallet.DepositRequest{
		Inputs: inputs, InputPrivKeys: privKeys,
		HTLCPkScript: htlcScript, DepositAmount: int64(dex.AmountFromReal(depositCoins, conn.COIN())),
		ChangePkScript: changeScript, ChangeAmount: changeSat,
	})
	if err != nil {
		return nil, "", fmt.Errorf("building deposit transaction: %w", err)
	}

	txid, err := conn.Broadcast(tx)
	if err != nil {
		return nil, "", fmt.Errorf("broadcasting deposit transaction: %w", err)
	}
	return tx, txid, nil
}

// sendCreated broadcasts xbcTransactionCreated for d's own just-committed
// deposit, routed through the order's assigned service node.
func (e *Engine) sendCreated(d *order.Descr, txid string) {
	dest := keyID(d.ServiceNodePubKey)
	var depTxid [32]byte
	if h, err := chainhash.NewHashFromStr(txid); err == nil {
		depTxid = *h
	}
	created := CreatedMsg{
		OrderID: d.ID, DepTxid: depTxid, DepVout: 0,
		PubKeyM: d.M.Pub, PrivKeyM: d.M.Priv, LockTime: int64(d.LockTime),
	}
	if err := e.send(dest, MsgTransactionCreated, created.Encode()); err != nil {
		e.log.Warnf("order %x: relaying created packet: %v", d.ID, err)
	}
}

func (e *Engine) makerHandleInit(d *order.Descr, msg InitMsg) error {
	if d.State != order.StateHold {
		return nil
	}
	connFrom, ok := e.wallets.Get(d.FromCurrency)
	if !ok {
		return dex.NewError(dex.ErrInvalidCurrency, d.FromCurrency)
	}

	secretHash := keyID(d.X.Pub)
	if secretHash != msg.SecretHash {
		d.State = order.StateCancelled
		d.CancelReason = order.CancelXbridgeRejected
		return dex.NewError(dex.ErrInvalidState, "secret hash mismatch in init packet")
	}
	counterpartyPkh := keyID(msg.TakerPubKeyM)
	selfPkh := keyID(d.M.Pub)

	_, txid, err := e.buildAndBroadcastDeposit(connFrom, d.UsedCoins, d.FromAmount, selfPkh, counterpartyPkh, secretHash,
		msg.MakerLockTime, d.FromRawAddress)
	if err != nil {
		d.State = order.StateCancelled
		d.CancelReason = order.CancelBadAUtxo
		return err
	}

	// The taker's M pubkey travels in the init packet itself, not just the
	// later disclosure in CreatedMsg, so the deposit's redeem branch can be
	// reconstructed for a refund even if the taker never gets that far.
	d.CounterpartyPubKeyM = msg.TakerPubKeyM
	d.LockTime = uint32(msg.MakerLockTime)
	d.SecretHash = secretHash
	d.BinTxID = txid
	d.BinVout = 0
	d.State = order.StateCreated
	d.UpdateTimestamp()

	e.sendCreated(d, txid)
	return nil
}

func (e *Engine) takerHandleInit(d *order.Descr, msg InitMsg) error {
	if d.State != order.StateAccepting {
		return nil
	}
	connFrom, ok := e.wallets.Get(d.FromCurrency)
	if !ok {
		return dex.NewError(dex.ErrInvalidCurrency, d.FromCurrency)
	}
	counterpartyPkh := keyID(msg.MakerPubKeyM)
	selfPkh := keyID(d.M.Pub)

	_, txid, err := e.buildAndBroadcastDeposit(connFrom, d.UsedCoins, d.FromAmount, selfPkh, counterpartyPkh, msg.SecretHash,
		msg.TakerLockTime, d.FromRawAddress)
	if err != nil {
		d.State = order.StateCancelled
		d.CancelReason = order.CancelBadBUtxo
		return err
	}

	// Same reasoning as makerHandleInit: cache the maker's M pubkey from the
	// init packet so a refund's redeem-branch reconstruction doesn't depend
	// on ever receiving the maker's CreatedMsg disclosure.
	d.CounterpartyPubKeyM = msg.MakerPubKeyM
	d.LockTime = uint32(msg.TakerLockTime)
	d.SecretHash = msg.SecretHash
	d.BinTxID = txid
	d.BinVout = 0
	d.State = order.StateCreated
	d.UpdateTimestamp()

	e.sendCreated(d, txid)
	return nil
}

func (e *Engine) handleCreated(msg CreatedMsg) error {
	d, ok := e.store.Get(msg.OrderID)
	if !ok {
		return dex.NewError(dex.ErrTransactionNotFound, fmt.Sprintf("%x", msg.OrderID))
	}
	d.Lock()
	defer d.Unlock()

	d.CounterpartyBinTxID = chainhash.Hash(msg.DepTxid).String()
	d.CounterpartyBinVout = msg.DepVout
	d.CounterpartyPubKeyM = msg.PubKeyM
	d.CounterpartyPrivKeyM = msg.PrivKeyM
	d.CounterpartyLockTime = uint32(msg.LockTime)

	switch d.Role {
	case order.RoleMaker:
		return e.makerHandleCreated(d, msg)
	case order.RoleTaker:
		if d.State == order.StateCreated {
			d.State = order.StateInitialized
			d.UpdateTimestamp()
		}
		return nil
	default:
		return nil
	}
}

// makerHandleCreated verifies the taker's deposit's locktime is strictly
// shorter than the maker's own, then spends it using the secret X and the
// maker's own M key (the taker's deposit was locked to the maker's pubkey
// hash in takerHandleInit, so only the maker's own key ever redeems it),
// revealing X.pub on-chain, and relays X.priv via ConfirmA so the taker does
// not have to wait on a chain scan to learn it.
func (e *Engine) makerHandleCreated(d *order.Descr, msg CreatedMsg) error {
	if d.State != order.StateCreated {
		return nil
	}
	if msg.LockTime >= int64(d.LockTime) {
		d.State = order.StateCancelled
		d.CancelReason = order.CancelBadBLockTime
		return dex.NewError(dex.ErrInvalidState, "taker locktime not shorter than maker locktime")
	}

	connTo, ok := e.wallets.Get(d.ToCurrency)
	if !ok {
		return dex.NewError(dex.ErrInvalidCurrency, d.ToCurrency)
	}

	secretHash := keyID(d.X.Pub)
	redeemScript, err := htlc.BuildRedeemScript(msg.LockTime, keyID(msg.PubKeyM), keyID(d.M.Pub), secretHash)
	if err != nil {
		return err
	}
	paymentScript, err := connTo.PayToAddress(d.ToRawAddress)
	if err != nil {
		return err
	}

	depositCoins := dex.ValueFromAmount(d.ToAmount, connTo.COIN()) + connTo.MinTxFee2(1, 1)
	depTxidHash := chainhash.Hash(msg.DepTxid)

	tx, err := connTo.CreatePaymentTransaction(wallet.PaymentRequest{
		Deposit: order.UtxoEntry{Txid: depTxidHash.String(), Vout: msg.DepVout, Amount: depositCoins},
		InnerScript: redeemScript,
		PaymentPkScript: paymentScript,
		SecretPub: d.X.Pub[:],
		PubKeyM: d.M.Pub[:],
		PrivKeyM: d.M.Priv,
	})
	if err != nil {
		d.State = order.StateCancelled
		d.CancelReason = order.CancelBadBDepositTx
		return fmt.Errorf("building payment transaction: %w", err)
	}
	if _, err := connTo.Broadcast(tx); err != nil {
		return fmt.Errorf("broadcasting payment transaction: %w", err)
	}

	d.State = order.StateCommitted
	d.UpdateTimestamp()

	dest := keyID(d.ServiceNodePubKey)
	confirmA := ConfirmAMsg{OrderID: d.ID, PrivX: d.X.Priv}
	if err := e.send(dest, MsgTransactionConfirmA, confirmA.Encode()); err != nil {
		e.log.Warnf("order %x: relaying confirmA packet: %v", d.ID, err)
	}
	return nil
}

// handleConfirmA is the Taker-side: once the secret arrives, redeem the
// Maker's deposit using the taker's own M key (the maker's deposit was
// locked to the taker's pubkey hash in makerHandleInit, so only the taker's
// own key ever redeems it) and the now-known secret X.
func (e *Engine) handleConfirmA(msg ConfirmAMsg) error {
	d, ok := e.store.Get(msg.OrderID)
	if !ok {
		return dex.NewError(dex.ErrTransactionNotFound, fmt.Sprintf("%x", msg.OrderID))
	}
	d.Lock()
	defer d.Unlock()
	if d.Role != order.RoleTaker {
		return nil
	}
	if d.State != order.StateInitialized && d.State != order.StateCreated {
		return nil
	}

	priv, _ := btcec.PrivKeyFromBytes(msg.PrivX[:])
	var secretPub [33]byte
	copy(secretPub[:], priv.PubKey().SerializeCompressed())
	secretHash := keyID(secretPub)

	connFrom, ok := e.wallets.Get(d.ToCurrency)
	if !ok {
		return dex.NewError(dex.ErrInvalidCurrency, d.ToCurrency)
	}

	redeemScript, err := htlc.BuildRedeemScript(int64(d.CounterpartyLockTime), keyID(d.CounterpartyPubKeyM), keyID(d.M.Pub), secretHash)
	if err != nil {
		return err
	}
	paymentScript, err := connFrom.PayToAddress(d.ToRawAddress)
	if err != nil {
		return err
	}

	depositCoins := dex.ValueFromAmount(d.ToAmount, connFrom.COIN()) + connFrom.MinTxFee2(1, 1)

	tx, err := connFrom.CreatePaymentTransaction(wallet.PaymentRequest{
		Deposit: order.UtxoEntry{Txid: d.CounterpartyBinTxID, Vout: d.CounterpartyBinVout, Amount: depositCoins},
		InnerScript: redeemScript,
		PaymentPkScript: paymentScript,
		SecretPub: secretPub[:],
		PubKeyM: d.M.Pub[:],
		PrivKeyM: d.M.Priv,
	})
	if err != nil {
		d.State = order.StateCancelled
		d.CancelReason = order.CancelBadADepositTx
		return fmt.Errorf("building payment transaction: %w", err)
	}
	payTxid, err := connFrom.Broadcast(tx)
	if err != nil {
		return fmt.Errorf("broadcasting payment transaction: %w", err)
	}

	d.State = order.StateFinished
	d.UpdateTimestamp()
	e.unlockOrderUtxos(d)
	e.store.MoveToHistory(d.ID)

	dest := keyID(d.ServiceNodePubKey)
	var payArr [32]byte
	if h, err := chainhash.NewHashFromStr(payTxid); err == nil {
		payArr = *h
	}
	confirmB := ConfirmBMsg{OrderID: d.ID, PayTxid: payArr, PayVout: 0}
	if err := e.send(dest, MsgTransactionConfirmB, confirmB.Encode()); err != nil {
		e.log.Warnf("order %x: relaying confirmB packet: %v", d.ID, err)
	}
	return nil
}

// handleConfirmB is the Maker-side: the taker's redemption proof closes out
// the order without the maker having to independently watch the taker's
// chain.
func (e *Engine) handleConfirmB(msg ConfirmBMsg) error {
	d, ok := e.store.Get(msg.OrderID)
	if !ok {
		return dex.NewError(dex.ErrTransactionNotFound, fmt.Sprintf("%x", msg.OrderID))
	}
	d.Lock()
	defer d.Unlock()
	if d.Role != order.RoleMaker || d.State != order.StateCommitted {
		return nil
	}
	d.State = order.StateFinished
	d.UpdateTimestamp()
	e.unlockOrderUtxos(d)
	e.store.MoveToHistory(d.ID)

	dest := keyID(d.ServiceNodePubKey)
	fin := FinishedMsg{OrderID: d.ID}
	if err := e.send(dest, MsgTransactionFinished, fin.Encode()); err != nil {
		e.log.Warnf("order %x: relaying finished packet: %v", d.ID, err)
	}
	return nil
}

func (e *Engine) unlockOrderUtxos(d *order.Descr) {
	e.locks.UnlockCoins(d.FromCurrency, d.UsedCoins)
	if len(d.FeeUtxos) > 0 {
		e.locks.UnlockFeeUtxos(d.FeeUtxos)
	}
}

func (e *Engine) handleCancel(msg CancelMsg) error {
	d, ok := e.store.Get(msg.OrderID)
	if !ok {
		return nil
	}
	d.Lock()
	defer d.Unlock()
	if d.State.IsTerminal() {
		return nil
	}
	d.State = order.StateCancelled
	d.CancelReason = msg.Reason
	d.UpdateTimestamp()
	e.unlockOrderUtxos(d)
	e.store.MoveToHistory(d.ID)
	return nil
}

func (e *Engine) handleFinished(msg FinishedMsg) error {
	d, ok := e.store.Get(msg.OrderID)
	if !ok {
		return nil
	}
	d.Lock()
	defer d.Unlock()
	if d.State == order.StateFinished {
		return nil
	}
	d.State = order.StateFinished
	d.UpdateTimestamp()
	e.unlockOrderUtxos(d)
	e.store.MoveToHistory(d.ID)
	return nil
}

// BuildTickTasks returns the scheduler.Task batch the 15s timer dispatches
// on every tick: stuck-order rebroadcast and the expiry sweep.
func (e *Engine) BuildTickTasks() []scheduler.Task {
	return []scheduler.Task{
		func(ctx context.Context) { e.rebroadcastStuckOrders() },
		func(ctx context.Context) { e.sweepExpiry() },
	}
}

func (e *Engine) rebroadcastStuckOrders() {
	now := time.Now()
	for _, d := range e.store.Live() {
		d.Lock()
		switch {
		case d.State == order.StateNew && now.Sub(d.Txtime) >= stuckNewAfter:
			e.reselectAndRebroadcastNew(d)
		case d.State == order.StatePending && now.Sub(d.Txtime) >= stuckPendingAfter:
			e.rebroadcastPending(d)
		}
		d.Unlock()
	}
}

// reselectAndRebroadcastNew re-selects a service node unconditionally,
// excluding the order's current one, and rebroadcasts regardless of whether
// an alternate was found (SPEC_FULL.md's "log and continue" resolution of
// the original's checkAndRelayPendingOrders behavior). Must be called with
// d locked.
func (e *Engine) reselectAndRebroadcastNew(d *order.Descr) {
	sel := e.currentSelector()
	if sel == nil {
		e.log.Warnf("order %x stuck New: no service-node selector configured", d.ID)
		e.rebroadcastTransaction(d)
		return
	}
	d.ExcludeNode(d.ServiceNodePubKey)
	nodes := sel.Select([]string{d.FromCurrency, d.ToCurrency}, e.protocolVersion, d.ExcludedSet())
	if len(nodes) == 0 {
		e.log.Warnf("order %x stuck New: no alternate service node, keeping current and rebroadcasting anyway", d.ID)
	} else {
		d.AssignServiceNode(nodes[0].PubKey)
	}
	e.rebroadcastTransaction(d)
}

// rebroadcastPending only re-selects if the order's current service node no
// longer advertises both currencies (SPEC_FULL.md's asymmetry with the
// New-order path). Must be called with d locked.
func (e *Engine) rebroadcastPending(d *order.Descr) {
	sel := e.currentSelector()
	if sel != nil {
		stillAdvertises := false
		for _, n := range sel.Select([]string{d.FromCurrency, d.ToCurrency}, e.protocolVersion, nil) {
			if n.PubKey == d.ServiceNodePubKey {
				stillAdvertises = true
				break
			}
		}
		if !stillAdvertises {
			nodes := sel.Select([]string{d.FromCurrency, d.ToCurrency}, e.protocolVersion, d.ExcludedSet())
			if len(nodes) > 0 {
				d.AssignServiceNode(nodes[0].PubKey)
			} else {
				e.log.Warnf("order %x stuck Pending: current service node stale and no alternate found, keeping current and rebroadcasting anyway", d.ID)
			}
		}
	}
	e.rebroadcastTransaction(d)
}

func (e *Engine) rebroadcastTransaction(d *order.Descr) {
	msg := TransactionMsg{
		OrderID: d.ID, From: d.FromRawAddress, FromCurrency: d.FromCurrency, FromAmount: d.FromAmount,
		To: d.ToRawAddress, ToCurrency: d.ToCurrency, ToAmount: d.ToAmount,
		CreatedMicros: dex.NowMicro(), BlockHash: d.BlockHash, Utxos: d.UsedCoins,
	}
	if err := e.broadcast(MsgTransaction, msg.Encode()); err != nil {
		e.log.Warnf("rebroadcasting order %x: %v", d.ID, err)
	}
	d.UpdateTimestamp()
}

func (e *Engine) sweepExpiry() {
	now := time.Now()
	for _, d := range e.store.Live() {
		if !d.TryLock() {
			continue
		}
		e.sweepOne(d, now)
		d.Unlock()
	}
}

// sweepOne applies expiry rules. Must be called with d
// try-locked.
func (e *Engine) sweepOne(d *order.Descr, now time.Time) {
	age := now.Sub(d.Txtime)
	switch d.State {
	case order.StateNew:
		if age >= e.pendingTTL {
			d.State = order.StateOffline
			d.UpdateTimestamp()
		}
	case order.StatePending:
		if now.Sub(d.Created) > e.deadlineTTL {
			e.eraseOrder(d)
			return
		}
		if age >= e.pendingTTL {
			d.State = order.StateExpired
			d.UpdateTimestamp()
		}
	case order.StateOffline, order.StateExpired:
		if age < e.pendingTTL {
			d.State = order.StatePending
			d.UpdateTimestamp()
			return
		}
		if age >= e.ttl {
			e.eraseOrder(d)
		}
	}
}

func (e *Engine) eraseOrder(d *order.Descr) {
	e.unlockOrderUtxos(d)
	e.store.Erase(d.ID)
}
