package settled

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestSettle_KeepsOrder(t *testing.T) {
	results := Settle(
		func() (int, error) { time.Sleep(20 * time.Millisecond); return 1, nil },
		nil,
		func() (int, error) { return 3, nil },
	)
	require.Len(t, results, 3)
	assert.Equal(t, 1, results[0].Value)
	assert.True(t, results[1].Fulfilled())
	assert.Equal(t, 0, results[1].Value)
	assert.Equal(t, 3, results[2].Value)
}

func TestSettle_RecoversPanics(t *testing.T) {
	results := SettleErrors(func() error { panic("bad") })
	require.Len(t, results, 1)
	assert.EqualError(t, results[0].Err, "panic: bad")
}

func TestFormatErrors(t *testing.T) {
	tests := []struct {
		name    string
		results []Result[struct{}]
		want    string
	}{
		{name: "all fulfilled", results: SettleErrors(func() error { return nil }, nil), want: ""},
		{name: "empty", results: nil, want: ""},
		{
			name:    "some rejected",
			results: SettleErrors(func() error { return nil }, func() error { return errBoom }, func() error { return errors.New("late") }),
			want:    "errors:\n\n[1]: boom\n[2]: late",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatErrors(tt.results))
		})
	}
}

func TestEvaluate(t *testing.T) {
	values, err := Evaluate(Settle(
		func() (string, error) { return "a", nil },
		func() (string, error) { return "b", nil },
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, values)

	results := Settle(
		func() (string, error) { return "a", nil },
		func() (string, error) { return "", errBoom },
	)
	values, err = Evaluate(results)
	require.Error(t, err)
	assert.Nil(t, values)
	assert.Equal(t, FormatErrors(results), err.Error())
	assert.True(t, errors.Is(err, errBoom))
}
