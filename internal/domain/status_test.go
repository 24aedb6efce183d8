package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusNew, StatusConfirmed, true},
		{StatusNew, StatusRejected, true},
		{StatusNew, StatusCanceled, true},
		{StatusNew, StatusRefunded, false},
		{StatusConfirmed, StatusRefunded, true},
		{StatusConfirmed, StatusCanceled, false},
		{StatusConfirmed, StatusConfirmed, false},
		{StatusRefunded, StatusRefunded, true},
		{StatusRefunded, StatusConfirmed, false},
		{StatusRejected, StatusConfirmed, false},
		{StatusCanceled, StatusRefunded, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestMapGatewayStatus(t *testing.T) {
	s, ok := MapGatewayStatus("PARTIAL_REFUNDED")
	assert.True(t, ok)
	assert.Equal(t, StatusRefunded, s)

	s, ok = MapGatewayStatus("REVERSED")
	assert.True(t, ok)
	assert.Equal(t, StatusCanceled, s)

	_, ok = MapGatewayStatus("AUTHORIZED")
	assert.False(t, ok)
}

func TestIntentRefundable(t *testing.T) {
	in := &Intent{Amount: 1000, Status: StatusConfirmed}
	assert.Equal(t, int64(1000), in.Refundable())

	in.Refunds = append(in.Refunds, Refund{Amount: 400}, Refund{Amount: 700})
	in.Status = StatusRefunded
	assert.Equal(t, int64(1100), in.Refunded())
	assert.Equal(t, int64(0), in.Refundable())

	assert.Equal(t, int64(0), (&Intent{Amount: 10, Status: StatusNew}).Refundable())
}

func TestErrorsUnwrap(t *testing.T) {
	var err error = &AlreadyFinalError{Status: StatusCanceled}
	assert.True(t, errors.Is(err, ErrAlreadyFinal))
	assert.Contains(t, err.Error(), "CANCELED")

	err = InvalidAmount("minimum amount is %d", 10)
	assert.True(t, errors.Is(err, ErrInvalidAmount))
	assert.Equal(t, "minimum amount is 10", err.Error())
}
