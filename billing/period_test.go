package billing_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/estate-billing/billing"
)

func TestParsePeriod(t *testing.T) {
	p, err := billing.ParsePeriod("2025-02")
	require.NoError(t, err)
	assert.Equal(t, 2025, p.Year)
	assert.Equal(t, time.February, p.Month)
	assert.Equal(t, 28, p.Days())
	assert.Equal(t, "202502", p.Compact())
	assert.Equal(t, date(2025, 2, 28), p.LastDay())

	_, err = billing.ParsePeriod("2025-13")
	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)
	_, err = billing.ParsePeriod("")
	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)
}

func TestPeriod_NextAcrossYear(t *testing.T) {
	dec := billing.MustParsePeriod("2024-12")
	assert.Equal(t, "2025-01", dec.Next().String())
	assert.Equal(t, "2024-11", dec.Previous().String())
	assert.True(t, dec.Contains(date(2024, 12, 31)))
	assert.False(t, dec.Contains(date(2025, 1, 1)))
}

func TestPeriod_JSON(t *testing.T) {
	var body struct {
		Period billing.Period `json:"period"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"period":"2025-04"}`), &body))
	assert.Equal(t, billing.MustParsePeriod("2025-04"), body.Period)

	out, err := json.Marshal(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"period":"2025-04"}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"period":"April"}`), &body))
}
