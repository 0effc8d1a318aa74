package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCanonicalForm(t *testing.T) {
	cases := []struct {
		in    string
		scale int
		want  string
	}{
		{"100", 2, "100.00"},
		{"100.5", 2, "100.50"},
		{"0.1", 2, "0.10"},
		{".5", 2, "0.50"},
		{"-42.42", 2, "-42.42"},
		{"0.900000", 6, "0.900000"},
		{"3.6725", 6, "3.672500"},
	}
	for _, tc := range cases {
		d, err := Parse(tc.in, tc.scale)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, d.String(), tc.in)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "abc", "1.2.3", "1,50", "1.", "--1", "1e5", "$5"} {
		_, err := Parse(in, 2)
		assert.Error(t, err, in)
	}
}

func TestHalfUpRounding(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1.005", "1.01"},
		{"1.004", "1.00"},
		{"1.0049999", "1.00"},
		{"1.995", "2.00"},
		{"0.005", "0.01"},
		{"-1.005", "-1.01"},
		{"-1.004", "-1.00"},
	}
	for _, tc := range cases {
		d, err := Parse(tc.in, 2)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, d.String(), tc.in)
	}
}

func TestMulRoundsHalfUp(t *testing.T) {
	// 100.00 * 0.901550 = 90.155 -> 90.16 at 2dp.
	amount := MustParse("100.00", 2)
	rate := MustParse("0.901550", 6)
	assert.Equal(t, "90.16", amount.Mul(rate, 2).String())

	// 33.33 * 0.5 = 16.665 -> 16.67.
	assert.Equal(t, "16.67", MustParse("33.33", 2).Mul(MustParse("0.5", 1), 2).String())
}

func TestAddKeepsScale(t *testing.T) {
	sum := Zero(2)
	for _, s := range []string{"10.10", "20.20", "0.05"} {
		sum = sum.Add(MustParse(s, 2))
	}
	assert.Equal(t, "30.35", sum.String())
}

func TestSignAndIsPositive(t *testing.T) {
	assert.Equal(t, 0, Zero(2).Sign())
	assert.False(t, Zero(2).IsPositive())
	assert.True(t, MustParse("0.01", 2).IsPositive())
	assert.Equal(t, -1, MustParse("-5", 2).Sign())

	zero, err := Parse("0.00", 2)
	require.NoError(t, err)
	assert.False(t, zero.IsPositive())
}

func TestEqualAcrossScales(t *testing.T) {
	assert.True(t, MustParse("1.5", 2).Equal(MustParse("1.500000", 6)))
	assert.False(t, MustParse("1.5", 2).Equal(MustParse("1.51", 2)))
	assert.True(t, Zero(2).Equal(Zero(6)))
}

func TestRescaleUp(t *testing.T) {
	assert.Equal(t, "1.230000", MustParse("1.23", 2).Rescale(6).String())
}

func TestZeroValueDecimalIsSafe(t *testing.T) {
	var d Decimal
	assert.Equal(t, 0, d.Sign())
	assert.Equal(t, "0", d.String())
	assert.Equal(t, "5.00", d.Add(MustParse("5", 2)).Rescale(2).String())
}
