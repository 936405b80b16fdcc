package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/sealerbench/internal/config"
)

func mustSet(t *testing.T, ids ...string) *ValidatorSet {
	t.Helper()
	vs, err := NewValidatorSet(ids)
	require.NoError(t, err, "NewValidatorSet(%v)", ids)
	return vs
}

func TestExpectedAuthor(t *testing.T) {
	vs := mustSet(t, "A", "B", "C")

	tests := []struct {
		name      string
		timestamp uint64
		period    time.Duration
		want      string
	}{
		{name: "step 0", timestamp: 0, period: 5 * time.Second, want: "A"},
		{name: "end of step 0", timestamp: 4, period: 5 * time.Second, want: "A"},
		{name: "step 1", timestamp: 5, period: 5 * time.Second, want: "B"},
		{name: "step 7 wraps to B", timestamp: 35, period: 5 * time.Second, want: "B"},
		{name: "step 8", timestamp: 44, period: 5 * time.Second, want: "C"},
		{name: "one second period", timestamp: 9, period: time.Second, want: "A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpectedAuthor(tt.timestamp, tt.period, vs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpectedAuthor_CongruentStepsAgree(t *testing.T) {
	vs := mustSet(t, "A", "B", "C", "D", "E")
	const period = 4 * time.Second
	n := uint64(vs.Len())

	// Any two timestamps whose steps are congruent mod N must map to the same author.
	for t1 := uint64(0); t1 < 200; t1++ {
		for t2 := t1; t2 < 200; t2++ {
			s1, _ := Step(t1, period)
			s2, _ := Step(t2, period)
			if s1%n != s2%n {
				continue
			}
			a1, _ := ExpectedAuthor(t1, period, vs)
			a2, _ := ExpectedAuthor(t2, period, vs)
			require.Equal(t, a1, a2, "timestamps %d and %d (steps %d, %d)", t1, t2, s1, s2)
		}
	}
}

func TestStep_InvalidPeriod(t *testing.T) {
	for _, period := range []time.Duration{0, -time.Second, 1500 * time.Millisecond} {
		_, err := Step(100, period)
		var cfgErr *config.Error
		assert.ErrorAs(t, err, &cfgErr, "Step(100, %v)", period)
	}
}

func TestExpectedAuthor_EmptySet(t *testing.T) {
	_, err := ExpectedAuthor(10, time.Second, nil)
	var cfgErr *config.Error
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNewValidatorSet(t *testing.T) {
	tests := []struct {
		name    string
		ids     []string
		wantErr bool
	}{
		{name: "empty", ids: nil, wantErr: true},
		{name: "blank member", ids: []string{"A", " "}, wantErr: true},
		{name: "duplicate", ids: []string{"A", "B", "A"}, wantErr: true},
		{
			name:    "duplicate address differing in case",
			ids:     []string{"0x00bd138abd70e2f00903268f3db08f2d25677c9e", "0x00BD138ABD70E2F00903268F3DB08F2D25677C9E"},
			wantErr: true,
		},
		{name: "valid", ids: []string{"A", "B"}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewValidatorSet(tt.ids)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatorSet_Immutable(t *testing.T) {
	ids := []string{"A", "B", "C"}
	vs := mustSet(t, ids...)
	ids[0] = "Z"

	members := vs.Members()
	members[1] = "Y"

	assert.Equal(t, "A", vs.At(0), "mutated through the constructor slice")
	assert.Equal(t, "B", vs.At(1), "mutated through Members")
}

func TestValidatorSet_IndexOfNormalisesAddresses(t *testing.T) {
	vs := mustSet(t, "0x00bd138abd70e2f00903268f3db08f2d25677c9e", "0x00aa39d30f0d20ff03a22ccfc30b7efbfca597c2")

	idx, ok := vs.IndexOf("0x00AA39D30F0D20FF03A22CCFC30B7EFBFCA597C2")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	_, ok = vs.IndexOf("0x0000000000000000000000000000000000000001")
	assert.False(t, ok, "non-member found")
}

func TestScheduler(t *testing.T) {
	vs := mustSet(t, "A", "B", "C")
	s, err := New(vs, 5*time.Second)
	require.NoError(t, err)

	assert.EqualValues(t, 7, s.StepOf(39))
	assert.Equal(t, "B", s.Expected(7))

	_, err = New(vs, 0)
	assert.Error(t, err, "zero period")
}
