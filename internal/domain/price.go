package domain

import (
	"math/big"
	"time"
)

// PriceDecimals is the fixed-point scale of every normalized price.
const PriceDecimals = 18

// PriceScale is 10^PriceDecimals.
var PriceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(PriceDecimals), nil)

// OraclePrice is one source's answer for a pair. Price carries 18 decimals and
// Confidence is a score in [0,100].
type OraclePrice struct {
	Source     string
	Pair       Pair
	Price      *big.Int
	Timestamp  time.Time
	Confidence uint8
}

// ConsensusFailure distinguishes why a consensus was rejected.
type ConsensusFailure string

const (
	ConsensusOK                        ConsensusFailure = ""
	ConsensusInsufficientConfirmations ConsensusFailure = "insufficient_confirmations"
	ConsensusExcessiveDeviation        ConsensusFailure = "excessive_deviation"
)

// ConsensusResult aggregates the surviving oracle answers for a pair.
type ConsensusResult struct {
	Pair         Pair             `json:"pair"`
	Price        *big.Int         `json:"price"`
	DeviationBps uint64           `json:"deviation_bps"`
	Sources      int              `json:"sources"`
	SourceNames  []string         `json:"source_names"`
	Valid        bool             `json:"valid"`
	Failure      ConsensusFailure `json:"failure,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	// AsOf is the newest timestamp among the surviving answers.
	AsOf time.Time `json:"as_of"`
}
