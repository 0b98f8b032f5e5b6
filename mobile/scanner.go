package mobile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loyaltyapp/punchcard/internal/tag"
	"github.com/loyaltyapp/punchcard/loyalty/models"
	"golang.org/x/exp/slog"
)

// StatusSuperseded means a newer scan arrived while this one was waiting in
// the gate; the stale scan is dropped without user feedback.
const StatusSuperseded Status = "superseded"

// Outcome is what one handled deep link produced. Message is the user-facing
// alert text; it is empty exactly for the silent outcomes (no scan intent,
// superseded).
type Outcome struct {
	Status     Status
	Resolution Resolution
	Response   *models.ScanResponse
	Message    string
}

// Scanner is the deep-link entry point: it decodes the scanned URL, waits
// for reference data behind the gate, resolves the scan and issues at most
// one remote award call, then re-syncs the ledger from the backend.
//
// The scanner owns the catalog cache and reads the card projection from the
// ledger at resolution time, so the resolver always sees current state.
type Scanner struct {
	backend Backend
	ledger  *Ledger
	gate    *Gate
	logger  *slog.Logger
	userID  string
	now     func() time.Time

	mu      sync.RWMutex
	catalog []*models.Program
}

// NewScanner wires a scanner for one signed-in user. A nil gate gets the
// default 500ms x 10 policy.
func NewScanner(backend Backend, ledger *Ledger, userID string, logger *slog.Logger, gate *Gate) *Scanner {
	if gate == nil {
		gate = NewGate(0, 0)
	}
	return &Scanner{
		backend: backend,
		ledger:  ledger,
		gate:    gate,
		logger:  logger.With(slog.String("component", "scanner")),
		userID:  userID,
		now:     time.Now,
	}
}

// Catalog returns the cached program catalog.
func (s *Scanner) Catalog() []*models.Program {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Program, len(s.catalog))
	copy(out, s.catalog)
	return out
}

// RefreshCatalog re-fetches the program reference data.
func (s *Scanner) RefreshCatalog(ctx context.Context) error {
	programs, err := s.backend.Programs(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.catalog = programs
	s.mu.Unlock()
	return nil
}

// HandleURL processes one scanned deep link or launch URL.
//
// Validation problems come back as an Outcome with a user-facing Message and
// a nil error; silent outcomes carry no message and must not alert. A
// non-nil error means the award state is unknown (remote failure, teardown):
// no local punch was applied and the caller may retry the scan; the ledger
// re-syncs from the backend on the next opportunity.
func (s *Scanner) HandleURL(ctx context.Context, raw string) (Outcome, error) {
	payload, err := tag.Decode(raw, s.now())
	if err != nil {
		if tag.IsSilent(err) {
			// The app was opened without scan intent.
			s.logger.Debug("ignoring url without scan payload")
			return Outcome{Status: StatusNoScan}, nil
		}
		s.logger.Info("rejected scan payload", slog.String("code", string(tag.CodeOf(err))))
		return Outcome{Status: StatusInvalid, Message: err.Error()}, nil
	}

	// One event id per physical scan: the backend dedupes on it, so a client
	// retry of the same scan can never award twice.
	eventID := uuid.New().String()
	gen := s.gate.Next()

	var res Resolution
	gateErr := s.gate.Run(ctx, gen, func() (bool, error) {
		res = Resolve(payload, s.Catalog(), s.ledger.Cards())
		if res.Status != StatusDeferred {
			return true, nil
		}
		// Reference data not ready; try to load it and let the gate schedule
		// the re-attempt.
		if err := s.RefreshCatalog(ctx); err != nil {
			s.logger.Info("catalog fetch failed, will retry", "err", err)
		}
		return false, nil
	})
	switch {
	case errors.Is(gateErr, ErrSuperseded):
		return Outcome{Status: StatusSuperseded}, nil
	case errors.Is(gateErr, ErrCatalogUnavailable):
		return Outcome{Status: StatusInvalid, Message: ErrCatalogUnavailable.Error()}, gateErr
	case gateErr != nil:
		return Outcome{}, gateErr
	}

	switch res.Status {
	case StatusAwarded:
		return s.award(ctx, res, payload, eventID)
	case StatusCardMissing:
		// The caller prompts to enroll; Enroll performs enrollment and the
		// first punch as one transaction.
		return Outcome{
			Status:     res.Status,
			Resolution: res,
			Message:    "Add a " + res.Program.Name + " card to start collecting punches?",
		}, nil
	case StatusCardFull:
		return Outcome{
			Status:     res.Status,
			Resolution: res,
			Message:    "Your " + res.Program.Name + " card is full - redeem your reward first!",
		}, nil
	case StatusProgramNotFound:
		return Outcome{Status: res.Status, Resolution: res, Message: res.Reason}, nil
	default:
		return Outcome{Status: res.Status, Resolution: res}, nil
	}
}

// award issues the single remote mutation for a resolved scan and re-fetches
// the projection. The local intent in res is never applied directly: the
// backend's counts win.
func (s *Scanner) award(ctx context.Context, res Resolution, payload tag.Payload, eventID string) (Outcome, error) {
	resp, err := s.backend.Scan(ctx, models.ScanRequest{
		UserID:     s.userID,
		ProgramID:  res.Program.ID,
		MerchantID: payload.MerchantID,
		EventID:    eventID,
	})
	if err != nil {
		s.logger.Info("award call failed", "err", err)
		return Outcome{
			Status:     StatusInvalid,
			Resolution: res,
			Message:    userMessage(err),
		}, err
	}

	if err := s.ledger.Refresh(ctx); err != nil {
		// The punch is awarded; the projection catches up on the next fetch.
		s.logger.Info("card refresh after award failed", "err", err)
	}

	msg := resp.RewardMessage
	if msg == "" {
		msg = "Punch added at " + resp.ProgramName + "!"
	}
	return Outcome{Status: StatusAwarded, Resolution: res, Response: resp, Message: msg}, nil
}

// Enroll adds the card for a program and awards the first punch in the same
// backend call, the combined transaction behind the "add card?" prompt.
func (s *Scanner) Enroll(ctx context.Context, program *models.Program, merchantID string) (Outcome, error) {
	resp, err := s.backend.Scan(ctx, models.ScanRequest{
		UserID:     s.userID,
		ProgramID:  program.ID,
		MerchantID: merchantID,
		EventID:    uuid.New().String(),
	})
	if err != nil {
		return Outcome{Status: StatusInvalid, Message: userMessage(err)}, err
	}
	if err := s.ledger.Refresh(ctx); err != nil {
		s.logger.Info("card refresh after enroll failed", "err", err)
	}
	return Outcome{
		Status:   StatusAwarded,
		Response: resp,
		Message:  "Welcome to " + resp.ProgramName + "! First punch added.",
	}, nil
}

// userMessage maps an error to the alert text: API rejections carry the
// server's message, transport failures the unreachable text.
func userMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Error()
	}
	if errors.Is(err, ErrUnreachable) {
		return ErrUnreachable.Error()
	}
	return err.Error()
}
