// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package engine

// Locktime-drift constants. The distilled spec gives
// only the relations between these constants, not their numeric values;
// the values below match Blocknet's xbridge deployment defaults.
const (
	MinLockTimeBlocks = 10
	MakerLockTimeTargetSecs = 72 * 3600
	TakerLockTimeTargetSecs = 36 * 3600
	SlowBlockTimeSecs = 150
	SlowTakerLockTimeSecs = 72 * 3600
	LockTimeDriftSecs = 3 * 3600
	MaxLockTimeDriftBlocks = 30
)

// ValidateLockTimeDrift checks the per-currency invariant of:
// blockTime*MinLockTimeBlocks must not exceed the maker target, and,
// depending on whether the chain is "slow", must not exceed the taker
// target either.
func ValidateLockTimeDrift(blockTimeSecs uint32) bool {
	if uint64(blockTimeSecs)*MinLockTimeBlocks > MakerLockTimeTargetSecs {
		return false
	}
	if blockTimeSecs < SlowBlockTimeSecs {
		if uint64(blockTimeSecs)*MinLockTimeBlocks > TakerLockTimeTargetSecs {
			return false
		}
	} else {
		if uint64(blockTimeSecs)*MinLockTimeBlocks > SlowTakerLockTimeSecs {
			return false
		}
	}
	return true
}

// MaxRequiredConfirmations returns the invariant's ceiling on a currency's
// required-confirmations setting: max(LOCKTIME_DRIFT/blockTime, MAX_LOCKTIME_DRIFT_BLOCKS).
func MaxRequiredConfirmations(blockTimeSecs uint32) uint32 {
	if blockTimeSecs == 0 {
		return MaxLockTimeDriftBlocks
	}
	byDrift := uint32(LockTimeDriftSecs / blockTimeSecs)
	if byDrift > MaxLockTimeDriftBlocks {
		return byDrift
	}
	return MaxLockTimeDriftBlocks
}

// MakerLockTime returns the maker-side deposit's absolute locktime given
// the current chain height and that chain's block time.
func MakerLockTime(currentHeight uint32, blockTimeSecs uint32) uint32 {
	if blockTimeSecs == 0 {
		blockTimeSecs = 1
	}
	return currentHeight + uint32(MakerLockTimeTargetSecs/int(blockTimeSecs))
}

// TakerLockTime returns the taker-side deposit's absolute locktime, shorter
// than the maker's so the maker's refund path can never race ahead of the
// taker's.
func TakerLockTime(currentHeight uint32, blockTimeSecs uint32) uint32 {
	if blockTimeSecs == 0 {
		blockTimeSecs = 1
	}
	target := TakerLockTimeTargetSecs
	if blockTimeSecs >= SlowBlockTimeSecs {
		target = SlowTakerLockTimeSecs
	}
	return currentHeight + uint32(target/int(blockTimeSecs))
}
