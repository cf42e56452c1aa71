package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddDays(t *testing.T) {
	got, err := AddDays("2024-06-05", -3)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-02", got)

	got, err = AddDays("2024-02-28", 1)
	require.NoError(t, err)
	assert.Equal(t, "2024-02-29", got)

	_, err = AddDays("garbage", 1)
	assert.Error(t, err)
}

func TestDatesBetween(t *testing.T) {
	days, err := DatesBetween("2024-06-28", "2024-07-01")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-06-28", "2024-06-29", "2024-06-30", "2024-07-01"}, days)

	days, err = DatesBetween("2024-06-28", "2024-06-28")
	require.NoError(t, err)
	assert.Len(t, days, 1)

	_, err = DatesBetween("2024-07-02", "2024-07-01")
	assert.Error(t, err)
}

func TestCompactSpreadDate(t *testing.T) {
	assert.Equal(t, "20240605", CompactDate("2024-06-05"))
	assert.Equal(t, "2024-06-05", SpreadDate("20240605"))
	assert.Equal(t, "2024-06-05", SpreadDate(CompactDate("2024-06-05")))
}

func TestMinDate(t *testing.T) {
	assert.Equal(t, "2024-06-05", MinDate("2024-06-05", "2024-06-06"))
	assert.Equal(t, "2024-06-05", MinDate("2024-06-06", "2024-06-05"))
}
