// Package domain holds the donation, profile and impact log types shared by the store,
// lifecycle and ledger coordination packages.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidInput marks caller errors: malformed ids, missing fields, unknown enums.
var ErrInvalidInput = errors.New("invalid input")

const (
	DefaultDonorName = "Anonymous Donor"
	DefaultNGOName   = "Unknown NGO"
)

type Status string

const (
	StatusAvailable Status = "available"
	StatusRequested Status = "requested"
	StatusDelivered Status = "delivered"
	StatusClosed    Status = "closed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusRequested, StatusDelivered, StatusClosed:
		return true
	}
	return false
}

// ParseStatus accepts any casing, so "Delivered" and "delivered" are the same status.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
	return status, nil
}

type Outcome string

const (
	OutcomePositive Outcome = "positive"
	OutcomeNegative Outcome = "negative"
)

func (o Outcome) Valid() bool {
	return o == OutcomePositive || o == OutcomeNegative
}

// ParseThumb maps the feedback widget's "up"/"down" to an outcome.
func ParseThumb(thumb string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(thumb)) {
	case "up":
		return OutcomePositive, nil
	case "down":
		return OutcomeNegative, nil
	}
	return "", fmt.Errorf("%w: thumb must be \"up\" or \"down\", got %q", ErrInvalidInput, thumb)
}

func (o Outcome) Thumb() string {
	switch o {
	case OutcomePositive:
		return "up"
	case OutcomeNegative:
		return "down"
	}
	return ""
}

// Operation names a lifecycle transition.
type Operation string

const (
	OpClaim           Operation = "claim"
	OpConfirmDelivery Operation = "confirm_delivery"
	OpRecordFeedback  Operation = "record_feedback"
)

type transition struct {
	From Status
	To   Status
}

var transitions = map[Operation]transition{
	OpClaim:           {From: StatusAvailable, To: StatusRequested},
	OpConfirmDelivery: {From: StatusRequested, To: StatusDelivered},
	OpRecordFeedback:  {From: StatusDelivered, To: StatusClosed},
}

// Transition returns the only status op may leave from and the status it moves to.
func Transition(op Operation) (from, to Status, ok bool) {
	t, ok := transitions[op]
	return t.From, t.To, ok
}

// CanTransition reports whether the guard table allows from -> to.
func CanTransition(from, to Status) bool {
	for _, t := range transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Rank orders statuses along the lifecycle, so callers can tell "already past" from
// "not yet reached".
func (s Status) Rank() int {
	switch s {
	case StatusAvailable:
		return 0
	case StatusRequested:
		return 1
	case StatusDelivered:
		return 2
	case StatusClosed:
		return 3
	}
	return -1
}

// LedgerState tracks the impact log write a closed donation owes the ledger.
type LedgerState string

const (
	LedgerNone      LedgerState = ""
	LedgerPending   LedgerState = "pending"
	LedgerFailed    LedgerState = "failed"
	LedgerCommitted LedgerState = "committed"
)

func (s LedgerState) Valid() bool {
	switch s {
	case LedgerNone, LedgerPending, LedgerFailed, LedgerCommitted:
		return true
	}
	return false
}

// LedgerClaim is held by the one caller allowed to write a donation's impact log.
// Token changes on every claim, so a superseded holder cannot overwrite its successor.
type LedgerClaim struct {
	State     LedgerState `json:"state,omitempty"`
	Token     string      `json:"-"`
	Signature string      `json:"txSignature,omitempty"`
	ClaimedAt *time.Time  `json:"claimedAt,omitempty"`
}

type Donation struct {
	ID           string      `json:"id"`
	DonorID      string      `json:"donorId"`
	NGOID        string      `json:"ngoId,omitempty"`
	MedicineName string      `json:"medicineName"`
	Quantity     int64       `json:"quantity"`
	ExpiryDate   *time.Time  `json:"expiryDate,omitempty"`
	RequestToken string      `json:"requestToken,omitempty"`
	Status       Status      `json:"status"`
	Outcome      Outcome     `json:"feedback,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	RequestedAt  *time.Time  `json:"requestedAt,omitempty"`
	ConfirmedAt  *time.Time  `json:"confirmedAt,omitempty"`
	FeedbackAt   *time.Time  `json:"feedbackAt,omitempty"`
	UpdatedAt    time.Time   `json:"updatedAt"`
	Ledger       LedgerClaim `json:"ledger,omitzero"`
}

func (d *Donation) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: donation id is required", ErrInvalidInput)
	}
	if d.DonorID == "" {
		return fmt.Errorf("%w: donor id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(d.MedicineName) == "" {
		return fmt.Errorf("%w: medicine name is required", ErrInvalidInput)
	}
	if d.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	if !d.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, d.Status)
	}
	if (d.NGOID == "") != (d.RequestToken == "") {
		return fmt.Errorf("%w: ngo id and request token must be set together", ErrInvalidInput)
	}
	if d.Status != StatusAvailable && d.NGOID == "" {
		return fmt.Errorf("%w: %s donation has no ngo", ErrInvalidInput, d.Status)
	}
	if d.Outcome != "" && !d.Outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidInput, d.Outcome)
	}
	if (d.Status == StatusClosed) != (d.Outcome != "") {
		return fmt.Errorf("%w: outcome is set only on closed donations", ErrInvalidInput)
	}
	if !d.Ledger.State.Valid() {
		return fmt.Errorf("%w: unknown ledger state %q", ErrInvalidInput, d.Ledger.State)
	}
	if d.Ledger.State != LedgerNone && d.Status != StatusClosed {
		return fmt.Errorf("%w: ledger state is set only on closed donations", ErrInvalidInput)
	}
	if d.Ledger.State == LedgerCommitted && d.Ledger.Signature == "" {
		return fmt.Errorf("%w: committed ledger state needs a signature", ErrInvalidInput)
	}
	return nil
}

type Donor struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Email     string         `json:"email"`
	Profile   map[string]any `json:"profile,omitempty"`
	Points    int64          `json:"points"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (d *Donor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: donor id is required", ErrInvalidInput)
	}
	return validateEmail(d.Email)
}

func (d *Donor) DisplayName() string {
	if d == nil || strings.TrimSpace(d.Name) == "" {
		return DefaultDonorName
	}
	return d.Name
}

type NGO struct {
	ID        string         `json:"id"`
	Name      string         `json:"ngoName"`
	Email     string         `json:"email"`
	Profile   map[string]any `json:"profile,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (n *NGO) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("%w: ngo id is required", ErrInvalidInput)
	}
	return validateEmail(n.Email)
}

func (n *NGO) DisplayName() string {
	if n == nil || strings.TrimSpace(n.Name) == "" {
		return DefaultNGOName
	}
	return n.Name
}

func validateEmail(email string) error {
	local, host, ok := strings.Cut(strings.TrimSpace(email), "@")
	if !ok || local == "" || host == "" {
		return fmt.Errorf("%w: invalid email %q", ErrInvalidInput, email)
	}
	return nil
}

// ImpactLog is the off-chain mirror of one committed ledger entry.
type ImpactLog struct {
	Signature    string    `json:"txSignature"`
	CounterValue uint64    `json:"counter"`
	SlotAddress  string    `json:"impactPda"`
	DonationID   string    `json:"donationId,omitempty"`
	DonorName    string    `json:"donorName"`
	NGOName      string    `json:"ngoName"`
	MedicineName string    `json:"medicineName"`
	Quantity     uint64    `json:"quantity"`
	Timestamp    int64     `json:"timestamp"`
	LoggedAt     time.Time `json:"loggedAt"`
}

func (l *ImpactLog) Validate() error {
	if l.Signature == "" {
		return fmt.Errorf("%w: signature is required", ErrInvalidInput)
	}
	if l.SlotAddress == "" {
		return fmt.Errorf("%w: slot address is required", ErrInvalidInput)
	}
	return nil
}
