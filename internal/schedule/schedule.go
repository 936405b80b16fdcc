// Package schedule models round-robin turn assignment on a step-based
// Proof-of-Authority chain.
//
// Eligibility to seal depends only on wall-clock step: step = floor(timestamp / period),
// and the validator at index step mod N is the one whose turn it is.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/sealerbench/internal/config"
)

// ValidatorSet is the ordered, fixed-size set of sealers. Insertion order is turn order.
// It is immutable once created.
type ValidatorSet struct {
	members []string
	index   map[string]int
}

// NewValidatorSet builds a validator set from identities in turn order.
// Hex addresses are normalised to lower-case 0x form so that RPC authors compare equal.
func NewValidatorSet(ids []string) (*ValidatorSet, error) {
	if len(ids) == 0 {
		return nil, &config.Error{Field: "validators", Reason: "validator set is empty"}
	}

	vs := &ValidatorSet{
		members: make([]string, 0, len(ids)),
		index:   make(map[string]int, len(ids)),
	}
	for i, raw := range ids {
		id := NormalizeIdentity(raw)
		if id == "" {
			return nil, &config.Error{Field: "validators", Reason: fmt.Sprintf("validator %d is blank", i)}
		}
		if prev, dup := vs.index[id]; dup {
			return nil, &config.Error{Field: "validators", Reason: fmt.Sprintf("validator %s listed twice (positions %d and %d)", id, prev, i)}
		}
		vs.index[id] = i
		vs.members = append(vs.members, id)
	}
	return vs, nil
}

// NormalizeIdentity canonicalises an author identity.
func NormalizeIdentity(id string) string {
	id = strings.TrimSpace(id)
	if common.IsHexAddress(id) {
		return strings.ToLower(common.HexToAddress(id).Hex())
	}
	return id
}

// Len returns N.
func (vs *ValidatorSet) Len() int {
	return len(vs.members)
}

// Members returns a copy of the identities in turn order.
func (vs *ValidatorSet) Members() []string {
	out := make([]string, len(vs.members))
	copy(out, vs.members)
	return out
}

// At returns the identity at turn index i.
func (vs *ValidatorSet) At(i int) string {
	return vs.members[i]
}

// IndexOf returns the turn index of id, or false if id is not a validator.
func (vs *ValidatorSet) IndexOf(id string) (int, bool) {
	i, ok := vs.index[NormalizeIdentity(id)]
	return i, ok
}

// AuthorAt returns the expected author for a step: validatorSet[step mod N].
func (vs *ValidatorSet) AuthorAt(step uint64) string {
	return vs.members[step%uint64(len(vs.members))]
}

// Step returns floor(timestamp / period). The period must be a positive whole
// number of seconds.
func Step(timestamp uint64, period time.Duration) (uint64, error) {
	secs, err := periodSeconds(period)
	if err != nil {
		return 0, err
	}
	return timestamp / secs, nil
}

// ExpectedAuthor returns the validator whose turn covers timestamp.
// It performs no I/O.
func ExpectedAuthor(timestamp uint64, period time.Duration, vs *ValidatorSet) (string, error) {
	if vs == nil || vs.Len() == 0 {
		return "", &config.Error{Field: "validators", Reason: "validator set is empty"}
	}
	step, err := Step(timestamp, period)
	if err != nil {
		return "", err
	}
	return vs.AuthorAt(step), nil
}

func periodSeconds(period time.Duration) (uint64, error) {
	if period <= 0 {
		return 0, &config.Error{Field: "step_period", Reason: fmt.Sprintf("step period must be positive, got %s", period)}
	}
	if period%time.Second != 0 {
		return 0, &config.Error{Field: "step_period", Reason: fmt.Sprintf("step period must be whole seconds, got %s", period)}
	}
	return uint64(period / time.Second), nil
}

// Scheduler binds a validator set to a step period.
type Scheduler struct {
	set    *ValidatorSet
	period time.Duration
	secs   uint64
}

// New creates a Scheduler, validating both inputs.
func New(set *ValidatorSet, period time.Duration) (*Scheduler, error) {
	if set == nil || set.Len() == 0 {
		return nil, &config.Error{Field: "validators", Reason: "validator set is empty"}
	}
	secs, err := periodSeconds(period)
	if err != nil {
		return nil, err
	}
	return &Scheduler{set: set, period: period, secs: secs}, nil
}

// StepOf returns the step containing timestamp.
func (s *Scheduler) StepOf(timestamp uint64) uint64 {
	return timestamp / s.secs
}

// Expected returns the expected author for a step.
func (s *Scheduler) Expected(step uint64) string {
	return s.set.AuthorAt(step)
}

// Validators returns the bound validator set.
func (s *Scheduler) Validators() *ValidatorSet {
	return s.set
}

// Period returns the step period.
func (s *Scheduler) Period() time.Duration {
	return s.period
}
