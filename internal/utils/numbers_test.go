package utils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFloatTolerance(t *testing.T) {
	tests := []struct {
		in   string
		want *float64
	}{
		{"10.25", f64(10.25)},
		{" 3.5 ", f64(3.5)},
		{"-2.1", f64(-2.1)},
		{"-", nil},
		{"--", nil},
		{"", nil},
		{"null", nil},
		{"None", nil},
		{"NaN", nil},
		{"abc", nil},
	}
	for _, tt := range tests {
		got := ParseFloat(tt.in)
		if tt.want == nil {
			assert.Nil(t, got, "input %q", tt.in)
		} else {
			require.NotNil(t, got, "input %q", tt.in)
			assert.Equal(t, *tt.want, *got)
		}
	}
}

func TestParseInt64RoundsFractions(t *testing.T) {
	got := ParseInt64("123456.7")
	require.NotNil(t, got)
	assert.Equal(t, int64(123457), *got)

	assert.Nil(t, ParseInt64("-"))
}

func TestNumFieldAcceptsMixedTypes(t *testing.T) {
	require.NotNil(t, NumField(12.5))
	assert.Equal(t, 12.5, *NumField(12.5))

	require.NotNil(t, NumField("7.25"))
	assert.Equal(t, 7.25, *NumField("7.25"))

	require.NotNil(t, NumField(json.Number("3")))
	assert.Equal(t, 3.0, *NumField(json.Number("3")))

	assert.Nil(t, NumField(nil))
	assert.Nil(t, NumField("-"))
	assert.Nil(t, NumField([]string{"x"}))
}

func f64(v float64) *float64 { return &v }
