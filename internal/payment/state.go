package payment

import (
	"log/slog"
	"sync"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/observability/metrics"
	"EffiSend-Agent/pkg/logger"

	"github.com/google/uuid"
)

// State is a step of the per-request payment state machine.
type State string

const (
	StateReceived     State = "RECEIVED"
	StateUserResolved State = "USER_RESOLVED"
	StateTxBuilt      State = "TX_BUILT"
	StateSubmitted    State = "SUBMITTED"
	StateConfirmed    State = "CONFIRMED"
	StateFailed       State = "FAILED"
)

// Operation names the user-facing payment operation driving a Transfer.
type Operation string

const (
	OpDirectTransfer Operation = "direct_transfer"
	OpFundCard       Operation = "fund_card"
	OpRedeemSPEI     Operation = "redeem_spei"
	OpBatchRedeem    Operation = "batch_redeem"
)

var transitions = map[State][]State{
	StateReceived:     {StateUserResolved, StateFailed},
	StateUserResolved: {StateTxBuilt, StateFailed},
	StateTxBuilt:      {StateSubmitted, StateFailed},
	StateSubmitted:    {StateConfirmed, StateFailed},
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// Transfer tracks one payment request through the state machine. Every
// transition is audit logged and counted.
type Transfer struct {
	ID        string
	Operation Operation
	UserID    string
	// Subject distinguishes elements of a batch, e.g. the destination CLABE.
	Subject string

	mu      sync.Mutex
	state   State
	history []State
	err     error
}

func newTransfer(op Operation, userID, subject string) *Transfer {
	t := &Transfer{
		ID:        uuid.NewString(),
		Operation: op,
		UserID:    userID,
		Subject:   subject,
		state:     StateReceived,
		history:   []State{StateReceived},
	}
	t.record(StateReceived, StateReceived, nil)
	return t
}

// State returns the current state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// History returns every state entered, in order.
func (t *Transfer) History() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]State(nil), t.history...)
}

// Err returns the error that failed the transfer, if any.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transfer) advance(to State) error {
	t.mu.Lock()
	from := t.state
	allowed := false
	for _, next := range transitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		t.mu.Unlock()
		return xerrors.New(xerrors.CodeConflict, "illegal payment transition "+string(from)+" -> "+string(to),
			xerrors.WithMetadata("transfer_id", t.ID))
	}
	t.state = to
	t.history = append(t.history, to)
	t.mu.Unlock()

	t.record(from, to, nil)
	return nil
}

// fail moves the transfer to FAILED and returns err unchanged so callers can
// write `return t.fail(err)`.
func (t *Transfer) fail(err error) error {
	t.mu.Lock()
	from := t.state
	if from.Terminal() {
		t.mu.Unlock()
		return err
	}
	t.state = StateFailed
	t.history = append(t.history, StateFailed)
	t.err = err
	t.mu.Unlock()

	t.record(from, StateFailed, err)
	return err
}

// pending keeps the transfer at SUBMITTED after a broadcast whose
// confirmation was not observed, and returns err unchanged.
func (t *Transfer) pending(err error) error {
	t.mu.Lock()
	state := t.state
	t.err = err
	t.mu.Unlock()

	t.record(state, state, err)
	return err
}

func (t *Transfer) record(from, to State, err error) {
	metrics.ObservePaymentState(string(t.Operation), string(to))
	attrs := []any{
		slog.String("transfer_id", t.ID),
		slog.String("operation", string(t.Operation)),
		slog.String("user", t.UserID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	}
	if t.Subject != "" {
		attrs = append(attrs, slog.String("subject", t.Subject))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error_code", string(xerrors.CodeOf(err))), slog.String("error", err.Error()))
		logger.Audit().Warn("payment_state", attrs...)
		return
	}
	logger.Audit().Info("payment_state", attrs...)
}
