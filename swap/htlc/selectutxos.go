// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package htlc

import (
	"fmt"
	"sort"

	"github.com/blocknetdx/xbridge-go/swap/order"
)

// FeeFuncs supplies the two fee estimators SelectUtxos needs: fee1 covers the
// deposit transaction being built (numInputs selected inputs, 3 outputs —
// payment, change, and the HTLC itself); fee2 covers the follow-on
// refund/redeem transaction (always 1 input, 1 output).
type FeeFuncs struct {
	Fee1 func(numInputs, numOutputs int) float64
	Fee2 func(numInputs, numOutputs int) float64
}

// SelectUtxos implements the deterministic coin-selection algorithm of
// candidates must already exclude every utxo the lock manager
// reports as locked for the currency; fromAddress, if non-empty, restricts
// the "preferred single match" step to utxos paying that address.
func SelectUtxos(amount float64, candidates []order.UtxoEntry, fromAddress string, fees FeeFuncs) ([]order.UtxoEntry, error) {
	sorted := make([]order.UtxoEntry, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	need := amount + fees.Fee1(1, 3) + fees.Fee2(1, 1)

	if u, ok := preferredSingleMatch(sorted, need, fees, fromAddress); ok {
		return []order.UtxoEntry{u}, nil
	}

	var gt, lt []order.UtxoEntry
	for _, u := range sorted {
		if u.Amount >= need {
			gt = append(gt, u)
		} else {
			lt = append(lt, u)
		}
	}

	switch len(gt) {
	case 0:
		// fall through to the lt accumulation path
	case 1:
		return []order.UtxoEntry{gt[0]}, nil
	default:
		sort.SliceStable(gt, func(i, j int) bool { return gt[i].Amount < gt[j].Amount })
		return []order.UtxoEntry{gt[0]}, nil
	}

	if len(lt) < 2 {
		return nil, fmt.Errorf("insufficient utxos: need %v, only %d candidates below threshold", need, len(lt))
	}

	sort.SliceStable(lt, func(i, j int) bool { return lt[i].Amount > lt[j].Amount })
	var selected []order.UtxoEntry
	var total float64
	for _, u := range lt {
		selected = append(selected, u)
		total += u.Amount
		runningNeed := amount + fees.Fee1(len(selected), 3) + fees.Fee2(1, 1)
		if total >= runningNeed {
			return selected, nil
		}
	}
	return nil, fmt.Errorf("insufficient utxos: accumulated %v, need %v", total, amount)
}

// preferredSingleMatch looks for exactly one utxo whose amount lands in
// [need, need + 1000*(fee1(1,3)+fee2(1,1))), address-matching if fromAddress
// is given. It returns the first such candidate in descending-amount order,
// making the result stable with respect to the input ordering.
func preferredSingleMatch(sorted []order.UtxoEntry, need float64, fees FeeFuncs, fromAddress string) (order.UtxoEntry, bool) {
	margin := 1000 * (fees.Fee1(1, 3) + fees.Fee2(1, 1))
	upper := need + margin
	for _, u := range sorted {
		if fromAddress != "" && u.Address != fromAddress {
			continue
		}
		if u.Amount >= need && u.Amount < upper {
			return u, true
		}
	}
	return order.UtxoEntry{}, false
}
