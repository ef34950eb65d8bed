package order

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusShipped   Status = "SHIPPED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusClosed    Status = "CLOSED"
)

func (s Status) String() string {
	return string(s)
}

type PayStatus string

const (
	PayStatusUnpaid   PayStatus = "UNPAID"
	PayStatusPaid     PayStatus = "PAID"
	PayStatusRefunded PayStatus = "REFUNDED"
)

func (ps PayStatus) String() string {
	return string(ps)
}

// allowedTransitions is the order lifecycle graph. CANCELLED is reachable
// only before shipping; CLOSED is the administrative exit from any
// non-terminal state. COMPLETED, CANCELLED and CLOSED are terminal.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusConfirmed: true,
		StatusCancelled: true,
		StatusClosed:    true,
	},
	StatusConfirmed: {
		StatusShipped:   true,
		StatusCancelled: true,
		StatusClosed:    true,
	},
	StatusShipped: {
		StatusCompleted: true,
		StatusClosed:    true,
	},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusClosed:    {},
}

func (s Status) CanTransitionTo(next Status) bool {
	return allowedTransitions[s][next]
}

func (s Status) Terminal() bool {
	return len(allowedTransitions[s]) == 0 && allowedTransitions[s] != nil
}

// Order is the canonical entity replicated across shards. Monetary
// amounts are fixed-point decimals; the identifier is globally unique
// and immutable.
type Order struct {
	ID             uuid.UUID       `db:"id"`
	UserID         uuid.UUID       `db:"user_id"`
	TotalAmount    decimal.Decimal `db:"total_amount"`
	PayAmount      decimal.Decimal `db:"pay_amount"`
	FreightAmount  decimal.Decimal `db:"freight_amount"`
	DiscountAmount decimal.Decimal `db:"discount_amount"`
	PayStatus      PayStatus       `db:"pay_status"`
	Status         Status          `db:"status"`

	ReceiverName    string `db:"receiver_name"`
	ReceiverPhone   string `db:"receiver_phone"`
	ShippingAddress string `db:"shipping_address"`

	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	PaidAt      *time.Time `db:"paid_at"`
	ShippedAt   *time.Time `db:"shipped_at"`
	CompletedAt *time.Time `db:"completed_at"`
	CancelledAt *time.Time `db:"cancelled_at"`

	Deleted bool `db:"deleted"`
}

// ValidateAmounts enforces payAmount = totalAmount - discountAmount +
// freightAmount, with every amount non-negative.
func (o *Order) ValidateAmounts() error {
	for name, amount := range map[string]decimal.Decimal{
		"total_amount":    o.TotalAmount,
		"pay_amount":      o.PayAmount,
		"freight_amount":  o.FreightAmount,
		"discount_amount": o.DiscountAmount,
	} {
		if amount.IsNegative() {
			return fmt.Errorf("%s is negative (%s): %w", name, amount, ErrInvalidAmounts)
		}
	}

	expected := o.TotalAmount.Sub(o.DiscountAmount).Add(o.FreightAmount)
	if !o.PayAmount.Equal(expected) {
		return fmt.Errorf("pay_amount %s != total - discount + freight (%s): %w", o.PayAmount, expected, ErrInvalidAmounts)
	}
	return nil
}
