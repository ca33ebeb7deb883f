package testutil

import (
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// Assertions extends require.Assertions with go-cmp based comparisons.
type Assertions struct {
	*require.Assertions
}

func Require(t require.TestingT) *Assertions {
	return &Assertions{
		Assertions: require.New(t),
	}
}

// Diff fails the test with a readable diff when expected and actual differ.
func (a *Assertions) Diff(expected interface{}, actual interface{}, opts ...cmp.Option) {
	if diff := cmp.Diff(expected, actual, opts...); diff != "" {
		a.FailNow(diff)
	}
}

// DecimalEqual compares two decimal strings numerically, so "3" equals "3.0".
func (a *Assertions) DecimalEqual(expected string, actual string, msgAndArgs ...interface{}) {
	e, err := decimal.NewFromString(expected)
	a.NoError(err, "invalid expected decimal %q", expected)
	v, err := decimal.NewFromString(actual)
	a.NoError(err, "invalid actual decimal %q", actual)
	if !e.Equal(v) {
		a.Failf("decimals are not equal", "expected: %s\nactual: %s", expected, actual)
	}
}
