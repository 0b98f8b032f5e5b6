package models

import "errors"

// ErrCardFull is returned when a punch or scan would land on a card that
// already reached its reward threshold. The user has to redeem first.
var ErrCardFull = errors.New("card is full")

// ErrNotRedeemable is returned when a redeem is attempted before the card
// reached its reward threshold.
var ErrNotRedeemable = errors.New("card is not full yet")

// Program is a merchant-defined loyalty scheme. Reference data: programs are
// created through the admin side and are immutable from the mobile flow.
type Program struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Category           string `json:"category,omitempty"`
	Color              string `json:"color,omitempty"`
	MaxPunches         int    `json:"maxPunches"`
	CompanyDescription string `json:"companyDescription,omitempty"`
	ProgramDescription string `json:"programDescription,omitempty"`
	// CashPerRedeemCents is the cash value handed out per completed card.
	CashPerRedeemCents int64 `json:"cashPerRedeem"`
	Active             bool  `json:"-"`
}

// Card is a user's enrollment in a Program together with their progress.
// ProgramID is the explicit link to the program; older records created
// before the link field existed may carry only the display name.
type Card struct {
	ID                 string `json:"id"`
	UserID             string `json:"-"`
	ProgramID          string `json:"programId,omitempty"`
	Name               string `json:"name"`
	Punches            int    `json:"punches"`
	MaxPunches         int    `json:"maxPunches"`
	Visits             int    `json:"visits"`
	Rewards            int    `json:"rewards"`
	SavedCents         int64  `json:"saved"`
	CashPerRedeemCents int64  `json:"cashPerRedeem"`
	MemberSince        string `json:"memberSince,omitempty"`
	CardNumber         string `json:"cardId,omitempty"`
}

// Full reports whether the card reached its reward threshold.
func (c *Card) Full() bool {
	return c.Punches >= c.MaxPunches
}

// User is a mobile account. PasswordHash is a bcrypt hash and never leaves
// the repository layer.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Phone        string `json:"phone,omitempty"`
	FullName     string `json:"full_name,omitempty"`
	PasswordHash string `json:"-"`
}

// ScanEvent records one accepted physical scan. EventID is the client-side
// identifier of the scan event and is the idempotency key: a duplicate
// delivery of the same event awards nothing.
type ScanEvent struct {
	ID         string
	EventID    string
	UserID     string
	ProgramID  string
	MerchantID string
	NewScore   int
}

// Register is the request body for POST /auth/register.
type Register struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// Login is the request body for POST /auth/login.
type Login struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ScanRequest is the request body for POST /scan.
type ScanRequest struct {
	UserID     string `json:"user_id"`
	ProgramID  string `json:"company_id"`
	MerchantID string `json:"merchant_id,omitempty"`
	// EventID identifies the physical scan event for deduplication. Optional:
	// clients that omit it get no duplicate protection.
	EventID string `json:"event_id,omitempty"`
}

// ScanResponse mirrors what the backend reports after a punch was applied.
// NewScore and TargetScore are the authoritative values; clients re-fetch
// cards rather than trusting any local increment.
type ScanResponse struct {
	Success            bool   `json:"success"`
	UserID             string `json:"user_id"`
	ProgramID          string `json:"company_id"`
	ProgramName        string `json:"company_name"`
	PreviousScore      int    `json:"previous_score"`
	NewScore           int    `json:"new_score"`
	TargetScore        int    `json:"target_score"`
	RewardEarned       bool   `json:"reward_earned"`
	ProgressPercentage int    `json:"progress_percentage"`
	ScansUntilReward   int    `json:"scans_until_reward"`
	RewardMessage      string `json:"reward_message,omitempty"`
	Duplicate          bool   `json:"duplicate,omitempty"`
}

// RedeemRequest is the request body for POST /rewards/redeem.
type RedeemRequest struct {
	ProgramID string `json:"company_id"`
}

// RedeemResponse reports a completed redemption.
type RedeemResponse struct {
	Success        bool   `json:"success"`
	ProgramID      string `json:"company_id"`
	CashValueCents int64  `json:"cash_value"`
	Punches        int    `json:"punches"`
	Rewards        int    `json:"rewards"`
	SavedCents     int64  `json:"saved"`
}

// ProgramStats is the admin aggregate view for one program.
type ProgramStats struct {
	ProgramID     string `json:"company_id"`
	TotalUsers    int    `json:"total_users"`
	TotalPunches  int    `json:"total_scans"`
	CloseToReward int    `json:"close_to_reward"`
}

// DefaultTargetScore is applied when a program or stored card row carries no
// threshold. Defaults are applied once, at the storage/decoding boundary,
// never inline at use sites.
const DefaultTargetScore = 10

// Normalize fills the gaps of a card record loaded from storage or decoded
// off the wire so every consumer sees a fully-populated record.
func (c *Card) Normalize() {
	if c.Punches < 0 {
		c.Punches = 0
	}
	if c.MaxPunches <= 0 {
		c.MaxPunches = DefaultTargetScore
	}
	if c.Punches > c.MaxPunches {
		c.Punches = c.MaxPunches
	}
}
