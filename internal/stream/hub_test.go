package stream

import (
	"testing"

	"market_maker/internal/core"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatusFromWire(t *testing.T) {
	assert.Equal(t, core.OrderStatusNew, orderStatusFromWire("New"))
	assert.Equal(t, core.OrderStatusFilled, orderStatusFromWire("Filled"))
	assert.Equal(t, core.OrderStatusCancelled, orderStatusFromWire("Cancelled"))
	assert.Equal(t, core.OrderStatusUnspecified, orderStatusFromWire("Bogus"))
}

func TestSideFromWire(t *testing.T) {
	assert.Equal(t, core.OrderSideBuy, sideFromWire("Buy"))
	assert.Equal(t, core.OrderSideSell, sideFromWire("Sell"))
}

func TestParseDecimal_EmptyIsZero(t *testing.T) {
	d, err := parseDecimal("")
	assert.NoError(t, err)
	assert.True(t, d.IsZero())
}

func TestSignWSAuth_ProducesNonEmptySignature(t *testing.T) {
	key, expires, sig := signWSAuth("secret", "key")
	assert.Equal(t, "key", key)
	assert.Greater(t, expires, int64(0))
	assert.NotEmpty(t, sig)
}
