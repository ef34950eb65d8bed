// Package txn provides best-effort atomicity across shard operations and
// non-sharded side effects. Physical shards are ordinary tables with no
// distributed-transaction protocol between them, so the coordinator runs
// saga-style compensation instead of two-phase commit: every participant
// supplies a forward action and a safe-to-repeat compensating action, and
// a failed commit unwinds the already-applied participants in reverse
// order. A crash between "forward applied" and "compensation executed"
// leaves a visible, temporarily inconsistent state; Unfinished exposes
// the contexts a recovery pass must resume.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateStarted                State = "STARTED"
	StateParticipantsRegistered State = "PARTICIPANTS_REGISTERED"
	StateCommitting             State = "COMMITTING"
	StateCommitted              State = "COMMITTED"
	StateRollingBack            State = "ROLLING_BACK"
	StateRolledBack             State = "ROLLED_BACK"
)

func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

// ExternalParticipant tags a participant that is not bound to a shard,
// e.g. a wallet debit against a non-sharded table.
const ExternalParticipant = -1

var (
	ErrAlreadyFinalized = errors.New("transaction context is already finalized")
	ErrNoParticipants   = errors.New("transaction has no registered participants")
	ErrMissingActions   = errors.New("participant must supply both forward and compensating actions")
)

// Participant is one unit of work inside a transaction context. Both
// actions must be idempotent: compensation can fail and be re-run by a
// recovery pass, so repeating either action must be safe.
type Participant struct {
	Name       string
	Shard      int // shard index, or ExternalParticipant
	Forward    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

type EntryKind string

const (
	EntryApplied     EntryKind = "APPLIED"
	EntryCompensated EntryKind = "COMPENSATED"
	EntryFailed      EntryKind = "FAILED"
)

// LogEntry records one participant outcome in the context's append-only
// log. The log is what a recovery pass replays to find the participants
// whose compensation is still pending.
type LogEntry struct {
	Participant int
	Kind        EntryKind
	Err         string
	At          time.Time
}

// Tx is one logical unit of work possibly spanning shards.
type Tx struct {
	mu           sync.Mutex
	id           uuid.UUID
	state        State
	participants []Participant
	log          []LogEntry
}

func (t *Tx) ID() uuid.UUID {
	return t.id
}

func (t *Tx) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Log returns a copy of the append-only participant log.
func (t *Tx) Log() []LogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := make([]LogEntry, len(t.log))
	copy(entries, t.log)
	return entries
}

func (t *Tx) record(participant int, kind EntryKind, err error) {
	entry := LogEntry{Participant: participant, Kind: kind, At: time.Now().UTC()}
	if err != nil {
		entry.Err = err.Error()
	}
	t.log = append(t.log, entry)
}

// CompensationError reports a rollback in which one or more compensating
// actions failed. Cause is the forward failure that triggered the
// rollback; Failures aggregates the compensation failures so an operator
// can intervene manually.
type CompensationError struct {
	Cause    error
	Failures error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("commit failed (%v) and compensation failed: %v", e.Cause, e.Failures)
}

func (e *CompensationError) Unwrap() error {
	return e.Cause
}

// Coordinator creates and drives transaction contexts. It is safe for
// concurrent use; each context is independently locked.
type Coordinator struct {
	mu     sync.Mutex
	active map[uuid.UUID]*Tx
}

func NewCoordinator() *Coordinator {
	return &Coordinator{active: make(map[uuid.UUID]*Tx)}
}

// Begin creates a new transaction context in STARTED.
func (c *Coordinator) Begin() (*Tx, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("txn: failed to generate transaction id: %w", err)
	}

	tx := &Tx{id: id, state: StateStarted}
	c.mu.Lock()
	c.active[id] = tx
	c.mu.Unlock()

	log.Debug().Stringer("tx_id", id).Msg("txn: transaction started")
	return tx, nil
}

// Register appends a unit of work to the context. Fails with
// ErrAlreadyFinalized once the context is committing or finished.
func (c *Coordinator) Register(tx *Tx, p Participant) error {
	if p.Forward == nil || p.Compensate == nil {
		return ErrMissingActions
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch tx.state {
	case StateStarted, StateParticipantsRegistered:
	default:
		return fmt.Errorf("txn: state %s: %w", tx.state, ErrAlreadyFinalized)
	}

	tx.participants = append(tx.participants, p)
	tx.state = StateParticipantsRegistered
	return nil
}

// Commit executes the registered forward actions in registration order.
// On the first failure it compensates every already-applied participant
// in reverse order and ends in ROLLED_BACK, surfacing the original
// failure plus any compensation failures.
func (c *Coordinator) Commit(ctx context.Context, tx *Tx) error {
	tx.mu.Lock()
	switch tx.state {
	case StateStarted, StateParticipantsRegistered:
	default:
		tx.mu.Unlock()
		return fmt.Errorf("txn: state %s: %w", tx.state, ErrAlreadyFinalized)
	}
	if len(tx.participants) == 0 {
		tx.mu.Unlock()
		return ErrNoParticipants
	}
	tx.state = StateCommitting
	tx.mu.Unlock()

	applied := 0
	var cause error
	for i, p := range tx.participants {
		if err := p.Forward(ctx); err != nil {
			cause = fmt.Errorf("txn: participant %d (%s) failed: %w", i, p.Name, err)
			tx.mu.Lock()
			tx.record(i, EntryFailed, err)
			tx.mu.Unlock()
			break
		}
		tx.mu.Lock()
		tx.record(i, EntryApplied, nil)
		tx.mu.Unlock()
		applied = i + 1
	}

	if cause == nil {
		tx.mu.Lock()
		tx.state = StateCommitted
		tx.mu.Unlock()
		c.finish(tx)
		log.Info().Stringer("tx_id", tx.id).Int("participants", len(tx.participants)).Msg("txn: transaction committed")
		return nil
	}

	tx.mu.Lock()
	tx.state = StateRollingBack
	tx.mu.Unlock()
	log.Warn().Err(cause).Stringer("tx_id", tx.id).Msg("txn: commit failed, rolling back")

	var compensationFailures *multierror.Error
	for i := applied - 1; i >= 0; i-- {
		p := tx.participants[i]
		if err := p.Compensate(ctx); err != nil {
			compensationFailures = multierror.Append(compensationFailures,
				fmt.Errorf("participant %d (%s): %w", i, p.Name, err))
			tx.mu.Lock()
			tx.record(i, EntryFailed, err)
			tx.mu.Unlock()
			log.Error().Err(err).Stringer("tx_id", tx.id).Int("participant", i).Msg("txn: compensation failed")
			continue
		}
		tx.mu.Lock()
		tx.record(i, EntryCompensated, nil)
		tx.mu.Unlock()
	}

	tx.mu.Lock()
	tx.state = StateRolledBack
	tx.mu.Unlock()
	c.finish(tx)

	if err := compensationFailures.ErrorOrNil(); err != nil {
		return &CompensationError{Cause: cause, Failures: err}
	}
	return fmt.Errorf("txn: rolled back: %w", cause)
}

// Unfinished lists contexts not yet in a terminal state, for a recovery
// routine to resume compensation after a crash or operator abort.
func (c *Coordinator) Unfinished() []*Tx {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make([]*Tx, 0, len(c.active))
	for _, tx := range c.active {
		if !tx.State().Terminal() {
			pending = append(pending, tx)
		}
	}
	return pending
}

func (c *Coordinator) finish(tx *Tx) {
	c.mu.Lock()
	delete(c.active, tx.id)
	c.mu.Unlock()
}
