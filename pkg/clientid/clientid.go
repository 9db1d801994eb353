// Package clientid generates compact, collision-resistant client order ids
// for exchange submission, without round-tripping through a wire protobuf
// type. Adapted from the legacy non-generated order-id scheme in this
// codebase's lineage (same per-second sequence-reset discipline), kept as a
// plain decimal-based helper since no protobuf wire format survives here.
package clientid

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	mu       sync.Mutex
	lastSec  int64
	sequence int
)

// Generate builds an id of the form {priceInt}_{B|S}_{unixSec}{seq:03d},
// matching the compact scheme this lineage uses for REST-submitted orders:
// price-prefixed for quick human grep of fill logs, timestamp+sequence for
// uniqueness under rapid repeated averaging.
func Generate(price decimal.Decimal, side string, priceDecimals int32) string {
	priceInt := price.Shift(priceDecimals).Truncate(0).IntPart()

	sideTag := "B"
	if strings.EqualFold(side, "Sell") {
		sideTag = "S"
	}

	now := time.Now().Unix()

	mu.Lock()
	if now != lastSec {
		lastSec = now
		sequence = 0
	}
	sequence++
	seq := sequence
	mu.Unlock()

	return fmt.Sprintf("%d_%s_%d%03d", priceInt, sideTag, now, seq%1000)
}

// GenerateReconcilePassID names one reconciliation pass (spec §4.4.1's
// "rec_<id>" style diagnostics), unique per invocation.
func GenerateReconcilePassID() string {
	return fmt.Sprintf("rec_%s", uuid.NewString())
}
