// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package htlc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// MaxOpReturn is the largest OP_RETURN payload most BLOCK nodes relay
// without being treated as non-standard.
const MaxOpReturn = 80

// FeePayload is the OP_RETURN content of a BLOCK fee transaction: enough for
// the service node (and any observer) to tie the fee payment back to the
// order that earned it.
type FeePayload struct {
	OrderID      string `json:"orderId"`
	FromCurrency string `json:"fromCurrency"`
	FromAmount   uint64 `json:"fromAmount"`
	ToCurrency   string `json:"toCurrency"`
	ToAmount     uint64 `json:"toAmount"`
}

// EncodeFeePayload JSON-encodes the payload as the array
// [orderId, fromCurrency, fromAmount, toCurrency, toAmount], truncating the
// hex order id from the tail until the encoded payload fits within
// MaxOpReturn-3 bytes (3 bytes reserved for the OP_RETURN opcode and its
// pushdata length prefix). Every other field is left intact, so a truncated
// payload still decodes the full trade terms.
func EncodeFeePayload(orderID [32]byte, fromCurrency string, fromAmount uint64, toCurrency string, toAmount uint64) ([]byte, error) {
	limit := MaxOpReturn - 3
	idHex := hex.EncodeToString(orderID[:])

	for {
		encoded, err := json.Marshal([]interface{}{idHex, fromCurrency, fromAmount, toCurrency, toAmount})
		if err != nil {
			return nil, fmt.Errorf("encoding fee payload: %w", err)
		}
		if len(encoded) <= limit {
			return encoded, nil
		}
		if idHex == "" {
			return nil, fmt.Errorf("fee payload does not fit in %d bytes even with an empty order id", limit)
		}
		idHex = idHex[:len(idHex)-1]
	}
}

// DecodeFeePayload parses a fee payload previously produced by
// EncodeFeePayload, truncated order id and all.
func DecodeFeePayload(data []byte) (FeePayload, error) {
	var fields [5]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return FeePayload{}, fmt.Errorf("decoding fee payload: %w", err)
	}
	var p FeePayload
	for i, dst := range []interface{}{&p.OrderID, &p.FromCurrency, &p.FromAmount, &p.ToCurrency, &p.ToAmount} {
		if err := json.Unmarshal(fields[i], dst); err != nil {
			return FeePayload{}, fmt.Errorf("decoding fee payload field %d: %w", i, err)
		}
	}
	return p, nil
}
