package model

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
)

// Relayer is one funded signing identity in a network's pool. All mutable
// fields are guarded by the owning RelayerManager; nothing outside the manager
// may touch PendingCount or Active directly.
type Relayer struct {
	Address common.Address

	// PrivateKey is never serialized. json:"-" keeps it out of status dumps.
	PrivateKey *ecdsa.PrivateKey `json:"-"`

	// PendingCount is the number of submitted-but-unresolved transactions
	// attributed to this relayer.
	PendingCount int

	Active bool

	// Funded flips once the funding transfer succeeds; only funded relayers
	// are eligible for automatic reactivation after rotation.
	Funded bool

	// OverThresholdCycles counts consecutive health-check cycles where
	// PendingCount stayed above the rotation threshold.
	OverThresholdCycles int
}
