package mobile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loyaltyapp/punchcard/internal/tag"
	"github.com/loyaltyapp/punchcard/loyalty/models"
)

// Backend is what the ledger and scanner need from the loyalty service.
// *Client implements it against the real REST API; *MemoryBackend implements
// it as a pure local reducer for offline and mock use.
type Backend interface {
	Programs(ctx context.Context) ([]*models.Program, error)
	Cards(ctx context.Context) ([]*models.Card, error)
	AddCard(ctx context.Context, programID string) (*models.Card, error)
	DeleteCard(ctx context.Context, cardID string) error
	Scan(ctx context.Context, req models.ScanRequest) (*models.ScanResponse, error)
	Redeem(ctx context.Context, req models.RedeemRequest) (*models.RedeemResponse, error)
}

var _ Backend = (*Client)(nil)

// Ledger is the session's projection of the user's cards. It is never the
// source of truth: every mutation is followed by a full re-fetch from the
// backend so the projection converges with the server-computed counts
// instead of trusting local increments.
type Ledger struct {
	backend Backend

	mu    sync.RWMutex
	cards []*models.Card
}

func NewLedger(backend Backend) *Ledger {
	return &Ledger{backend: backend}
}

// Refresh replaces the projection with the backend's current card set.
func (l *Ledger) Refresh(ctx context.Context) error {
	cards, err := l.backend.Cards(ctx)
	if err != nil {
		return fmt.Errorf("fetching cards: %w", err)
	}
	l.mu.Lock()
	l.cards = cards
	l.mu.Unlock()
	return nil
}

// Cards returns the latest known card set.
func (l *Ledger) Cards() []*models.Card {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*models.Card, len(l.cards))
	copy(out, l.cards)
	return out
}

// AddCard enrolls in a program and re-fetches the projection.
func (l *Ledger) AddCard(ctx context.Context, programID string) (*models.Card, error) {
	card, err := l.backend.AddCard(ctx, programID)
	if err != nil {
		return nil, err
	}
	if err := l.Refresh(ctx); err != nil {
		return card, err
	}
	return card, nil
}

// DeleteCard removes an enrollment; the only path that ever deletes a card.
func (l *Ledger) DeleteCard(ctx context.Context, cardID string) error {
	if err := l.backend.DeleteCard(ctx, cardID); err != nil {
		return err
	}
	return l.Refresh(ctx)
}

// Redeem cashes out a card. Eligibility (punches >= maxPunches) is guarded
// at the resolver/UI boundary and re-validated by the backend.
func (l *Ledger) Redeem(ctx context.Context, card *models.Card) (*models.RedeemResponse, error) {
	resp, err := l.backend.Redeem(ctx, models.RedeemRequest{ProgramID: card.ProgramID})
	if err != nil {
		return nil, err
	}
	if err := l.Refresh(ctx); err != nil {
		return resp, err
	}
	return resp, nil
}

// MemoryBackend is the offline/mock implementation of Backend: a pure local
// reducer over an in-memory card set, applying the same transitions the
// server would. No network, no persistence.
type MemoryBackend struct {
	mu       sync.Mutex
	programs []*models.Program
	cards    []*models.Card
	events   map[string]*models.ScanResponse
}

func NewMemoryBackend(programs []*models.Program) *MemoryBackend {
	return &MemoryBackend{
		programs: programs,
		events:   make(map[string]*models.ScanResponse),
	}
}

func (m *MemoryBackend) Programs(ctx context.Context) ([]*models.Program, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Program, len(m.programs))
	copy(out, m.programs)
	return out, nil
}

func (m *MemoryBackend) Cards(ctx context.Context) ([]*models.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Card, 0, len(m.cards))
	for _, c := range m.cards {
		clone := *c
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MemoryBackend) findProgram(programID string) *models.Program {
	id := tag.NormalizeID(programID)
	for _, p := range m.programs {
		if tag.NormalizeID(p.ID) == id {
			return p
		}
	}
	return nil
}

func (m *MemoryBackend) findCard(programID string) *models.Card {
	id := tag.NormalizeID(programID)
	for _, c := range m.cards {
		if tag.NormalizeID(c.ProgramID) == id {
			return c
		}
	}
	return nil
}

func (m *MemoryBackend) AddCard(ctx context.Context, programID string) (*models.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	program := m.findProgram(programID)
	if program == nil {
		return nil, errors.New("program not found")
	}
	if m.findCard(program.ID) != nil {
		return nil, errors.New("already enrolled")
	}
	card := &models.Card{
		ID:                 uuid.New().String(),
		ProgramID:          program.ID,
		Name:               program.Name,
		MaxPunches:         program.MaxPunches,
		CashPerRedeemCents: program.CashPerRedeemCents,
		MemberSince:        time.Now().Format("Jan 2006"),
	}
	card.Normalize()
	m.cards = append(m.cards, card)
	clone := *card
	return &clone, nil
}

func (m *MemoryBackend) DeleteCard(ctx context.Context, cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.cards {
		if c.ID == cardID {
			m.cards = append(m.cards[:i], m.cards[i+1:]...)
			return nil
		}
	}
	return errors.New("card not found")
}

// Scan applies the same transition the server would: enrollment on first
// scan, clamped increment, full-card rejection, event-id deduplication.
func (m *MemoryBackend) Scan(ctx context.Context, req models.ScanRequest) (*models.ScanResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.EventID != "" {
		if recorded, ok := m.events[req.EventID]; ok {
			dup := *recorded
			dup.Duplicate = true
			return &dup, nil
		}
	}

	program := m.findProgram(req.ProgramID)
	if program == nil {
		return nil, errors.New("company not found or inactive")
	}
	card := m.findCard(program.ID)
	if card == nil {
		card = &models.Card{
			ID:                 uuid.New().String(),
			ProgramID:          program.ID,
			Name:               program.Name,
			MaxPunches:         program.MaxPunches,
			CashPerRedeemCents: program.CashPerRedeemCents,
			MemberSince:        time.Now().Format("Jan 2006"),
		}
		card.Normalize()
		m.cards = append(m.cards, card)
	}
	if card.Full() {
		return nil, models.ErrCardFull
	}

	prev := card.Punches
	score := prev + 1
	if score > card.MaxPunches {
		score = card.MaxPunches
	}
	card.Punches = score
	card.Visits++

	resp := &models.ScanResponse{
		Success:            true,
		UserID:             req.UserID,
		ProgramID:          program.ID,
		ProgramName:        program.Name,
		PreviousScore:      prev,
		NewScore:           score,
		TargetScore:        card.MaxPunches,
		RewardEarned:       score >= card.MaxPunches,
		ProgressPercentage: score * 100 / card.MaxPunches,
		ScansUntilReward:   card.MaxPunches - score,
	}
	if req.EventID != "" {
		m.events[req.EventID] = resp
	}
	return resp, nil
}

func (m *MemoryBackend) Redeem(ctx context.Context, req models.RedeemRequest) (*models.RedeemResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	card := m.findCard(req.ProgramID)
	if card == nil {
		return nil, errors.New("card not found")
	}
	if !card.Full() {
		return nil, models.ErrNotRedeemable
	}
	cash := card.CashPerRedeemCents
	card.Punches = 0
	card.Rewards++
	card.SavedCents += cash
	return &models.RedeemResponse{
		Success:        true,
		ProgramID:      card.ProgramID,
		CashValueCents: cash,
		Punches:        card.Punches,
		Rewards:        card.Rewards,
		SavedCents:     card.SavedCents,
	}, nil
}
