package loyalty

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/loyaltyapp/punchcard/internal/tag"
	"github.com/loyaltyapp/punchcard/loyalty/models"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned on a failed login. The message is
// deliberately the same for unknown email and wrong password.
var ErrInvalidCredentials = errors.New("invalid email or password")

type Service struct {
	repo    *Repository
	cfg     *Config
	metrics *Metrics
}

func NewService(repo *Repository, cfg *Config) *Service {
	return &Service{
		repo:    repo,
		cfg:     cfg,
		metrics: DefaultMetrics(),
	}
}

func (s *Service) Register(req models.Register) (*models.User, error) {
	if req.Email == "" {
		return nil, fmt.Errorf("email required")
	}
	if req.Password == "" {
		return nil, fmt.Errorf("password required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	user := &models.User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		Phone:        req.Phone,
		FullName:     req.FullName,
		PasswordHash: string(hash),
	}
	if err := s.repo.CreateUser(user); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("user already exists: %w", ErrConflict)
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return user, nil
}

func (s *Service) Authenticate(req models.Login) (*models.User, error) {
	user, err := s.repo.GetUserByEmail(req.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("finding user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Catalog returns the active program reference data.
func (s *Service) Catalog() ([]*models.Program, error) {
	programs, err := s.repo.ListPrograms()
	if err != nil {
		return nil, fmt.Errorf("listing programs: %w", err)
	}
	return programs, nil
}

func (s *Service) Cards(userID string) ([]*models.Card, error) {
	cards, err := s.repo.ListCards(userID)
	if err != nil {
		return nil, fmt.Errorf("listing cards: %w", err)
	}
	return cards, nil
}

// AddCard enrolls the user in a program without awarding a punch. Scanning a
// tag for an unenrolled program goes through Scan instead, which combines
// enrollment with the first punch.
func (s *Service) AddCard(userID, programID string) (*models.Card, error) {
	program, err := s.repo.GetProgram(tag.NormalizeID(programID))
	if err != nil {
		return nil, fmt.Errorf("finding program: %w", err)
	}
	card := s.newCard(userID, program)
	if err := s.repo.CreateCard(card); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("already enrolled: %w", ErrConflict)
		}
		return nil, fmt.Errorf("creating card: %w", err)
	}
	return card, nil
}

func (s *Service) DeleteCard(userID, cardID string) error {
	if err := s.repo.DeleteCard(userID, cardID); err != nil {
		return fmt.Errorf("deleting card: %w", err)
	}
	return nil
}

// Scan applies one physical scan event: verifies user and program, awards a
// punch (enrolling first when needed) and reports the authoritative counts.
// Program ids off the wire are normalized before lookup; ids may arrive as
// strings from tag query params and as numbers from admin tooling.
func (s *Service) Scan(req models.ScanRequest) (*models.ScanResponse, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id required")
	}
	if req.ProgramID == "" {
		return nil, fmt.Errorf("company_id required")
	}
	if _, err := s.repo.GetUser(req.UserID); err != nil {
		return nil, fmt.Errorf("finding user: %w", err)
	}
	programID := tag.NormalizeID(req.ProgramID)
	program, err := s.repo.GetProgram(programID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("company not found or inactive: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("finding program: %w", err)
	}

	ev := &models.ScanEvent{
		ID:         uuid.New().String(),
		EventID:    req.EventID,
		UserID:     req.UserID,
		ProgramID:  program.ID,
		MerchantID: req.MerchantID,
	}
	prev, score, target, dup, err := s.repo.ApplyScan(ev, 1, program, func() *models.Card {
		return s.newCard(req.UserID, program)
	})
	if err != nil {
		if errors.Is(err, models.ErrCardFull) {
			s.metrics.ScanRejected("card_full")
			return nil, models.ErrCardFull
		}
		s.metrics.ScanRejected("storage")
		return nil, fmt.Errorf("applying scan: %w", err)
	}
	if dup {
		s.metrics.ScanDuplicate()
	} else {
		s.metrics.ScanAwarded(program.ID)
	}

	resp := &models.ScanResponse{
		Success:            true,
		UserID:             req.UserID,
		ProgramID:          program.ID,
		ProgramName:        program.Name,
		PreviousScore:      prev,
		NewScore:           score,
		TargetScore:        target,
		RewardEarned:       score >= target,
		ProgressPercentage: score * 100 / target,
		ScansUntilReward:   max(0, target-score),
		Duplicate:          dup,
	}
	if resp.RewardEarned {
		resp.RewardMessage = fmt.Sprintf("Congratulations! You earned a reward at %s!", program.Name)
	}
	return resp, nil
}

// Redeem cashes out a full card: punches reset to zero, the reward counter
// goes up by one and the cash value accumulates into the saved total.
func (s *Service) Redeem(userID string, req models.RedeemRequest) (*models.RedeemResponse, error) {
	if req.ProgramID == "" {
		return nil, fmt.Errorf("company_id required")
	}
	card, cash, err := s.repo.Redeem(userID, tag.NormalizeID(req.ProgramID))
	if err != nil {
		if errors.Is(err, models.ErrNotRedeemable) {
			return nil, models.ErrNotRedeemable
		}
		return nil, fmt.Errorf("redeeming: %w", err)
	}
	s.metrics.Redeemed(card.ProgramID)
	return &models.RedeemResponse{
		Success:        true,
		ProgramID:      card.ProgramID,
		CashValueCents: cash,
		Punches:        card.Punches,
		Rewards:        card.Rewards,
		SavedCents:     card.SavedCents,
	}, nil
}

// Stats returns the aggregate dashboard view for one program.
func (s *Service) Stats(programID string) (*models.ProgramStats, error) {
	stats, err := s.repo.ProgramStats(tag.NormalizeID(programID))
	if err != nil {
		return nil, fmt.Errorf("aggregating stats: %w", err)
	}
	return stats, nil
}

func (s *Service) newCard(userID string, program *models.Program) *models.Card {
	return &models.Card{
		ID:                 uuid.New().String(),
		UserID:             userID,
		ProgramID:          program.ID,
		Name:               program.Name,
		MaxPunches:         program.MaxPunches,
		CashPerRedeemCents: program.CashPerRedeemCents,
		MemberSince:        time.Now().Format("Jan 2006"),
		CardNumber:         "****" + generateRandomNumber(4),
	}
}

func generateRandomNumber(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		digits[i] = byte('0' + rand.Intn(10))
	}
	return string(digits)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
