package loyalty

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	"github.com/loyaltyapp/punchcard/loyalty/models"
)

var ErrNotFound = fmt.Errorf("not found")

var ErrConflict = fmt.Errorf("conflict")

// Repository stores users, programs, cards and scan events. The in-memory
// backend is used by tests and by the default dev mode; the Postgres backend
// is selected at runtime. Both live behind the same type, like the rest of
// the service never has to know which one it talks to.
type Repository struct {
	Users    []*models.User
	Programs []*models.Program
	Cards    []*models.Card

	mu         sync.RWMutex
	emailIndex map[string]struct{}
	scanEvents map[string]*models.ScanEvent
	db         *sql.DB
}

func NewRepository() *Repository {
	return &Repository{
		Users:      make([]*models.User, 0),
		Programs:   make([]*models.Program, 0),
		Cards:      make([]*models.Card, 0),
		emailIndex: make(map[string]struct{}),
		scanEvents: make(map[string]*models.ScanEvent),
	}
}

// NewPGRepository constructs a db-backed repository.
func NewPGRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Ping reports backend health; the in-memory backend is always healthy.
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

func (r *Repository) CreateUser(user *models.User) error {
	email := strings.ToLower(strings.TrimSpace(user.Email))
	user.Email = email
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.emailIndex[email]; ok {
			return fmt.Errorf("user exists: %w", ErrConflict)
		}
		r.Users = append(r.Users, user)
		r.emailIndex[email] = struct{}{}
		return nil
	}
	_, err := r.db.ExecContext(context.Background(), `
        INSERT INTO loyalty.users(user_id, email, phone, full_name, password_hash)
        VALUES ($1,$2,$3,$4,$5)
    `, user.ID, email, user.Phone, user.FullName, user.PasswordHash)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r *Repository) GetUser(userID string) (*models.User, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, u := range r.Users {
			if u.ID == userID {
				return u, nil
			}
		}
		return nil, ErrNotFound
	}
	row := r.db.QueryRowContext(context.Background(), `SELECT user_id, email, phone, full_name, password_hash FROM loyalty.users WHERE user_id=$1`, userID)
	return scanUser(row)
}

func (r *Repository) GetUserByEmail(email string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, u := range r.Users {
			if u.Email == email {
				return u, nil
			}
		}
		return nil, ErrNotFound
	}
	row := r.db.QueryRowContext(context.Background(), `SELECT user_id, email, phone, full_name, password_hash FROM loyalty.users WHERE email=$1`, email)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.Phone, &u.FullName, &u.PasswordHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *Repository) CreateProgram(program *models.Program) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, p := range r.Programs {
			if p.ID == program.ID {
				return fmt.Errorf("program exists: %w", ErrConflict)
			}
		}
		r.Programs = append(r.Programs, program)
		return nil
	}
	_, err := r.db.ExecContext(context.Background(), `
        INSERT INTO loyalty.programs(program_id, name, category, color, max_punches, company_description, program_description, cash_per_redeem, is_active)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    `, program.ID, program.Name, program.Category, program.Color, program.MaxPunches,
		program.CompanyDescription, program.ProgramDescription, program.CashPerRedeemCents, program.Active)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// ListPrograms returns the active program catalog.
func (r *Repository) ListPrograms() ([]*models.Program, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		programs := make([]*models.Program, 0, len(r.Programs))
		for _, p := range r.Programs {
			if p.Active {
				programs = append(programs, p)
			}
		}
		return programs, nil
	}
	rows, err := r.db.QueryContext(context.Background(), `
        SELECT program_id, name, category, color, max_punches, company_description, program_description, cash_per_redeem
        FROM loyalty.programs WHERE is_active ORDER BY name
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Program
	for rows.Next() {
		p := &models.Program{Active: true}
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Color, &p.MaxPunches, &p.CompanyDescription, &p.ProgramDescription, &p.CashPerRedeemCents); err != nil {
			return nil, err
		}
		normalizeProgram(p)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) GetProgram(programID string) (*models.Program, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, p := range r.Programs {
			if p.ID == programID && p.Active {
				return p, nil
			}
		}
		return nil, ErrNotFound
	}
	row := r.db.QueryRowContext(context.Background(), `
        SELECT program_id, name, category, color, max_punches, company_description, program_description, cash_per_redeem
        FROM loyalty.programs WHERE program_id=$1 AND is_active
    `, programID)
	p := &models.Program{Active: true}
	if err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Color, &p.MaxPunches, &p.CompanyDescription, &p.ProgramDescription, &p.CashPerRedeemCents); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	normalizeProgram(p)
	return p, nil
}

// normalizeProgram applies schema defaults once, when a row is loaded, so no
// consumer ever needs an inline fallback.
func normalizeProgram(p *models.Program) {
	if p.MaxPunches <= 0 {
		p.MaxPunches = models.DefaultTargetScore
	}
}

// ListCards returns all cards of a user, fully populated.
func (r *Repository) ListCards(userID string) ([]*models.Card, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		cards := make([]*models.Card, 0)
		for _, c := range r.Cards {
			if c.UserID == userID {
				c.Normalize()
				cards = append(cards, c)
			}
		}
		return cards, nil
	}
	rows, err := r.db.QueryContext(context.Background(), `
        SELECT card_id, user_id, program_id, name, punches, max_punches, visits, rewards, saved, cash_per_redeem, member_since, card_number
        FROM loyalty.cards WHERE user_id=$1 ORDER BY member_since
    `, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*models.Card, error) {
	var c models.Card
	err := row.Scan(&c.ID, &c.UserID, &c.ProgramID, &c.Name, &c.Punches, &c.MaxPunches,
		&c.Visits, &c.Rewards, &c.SavedCents, &c.CashPerRedeemCents, &c.MemberSince, &c.CardNumber)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Normalize()
	return &c, nil
}

func (r *Repository) GetCardByProgram(userID, programID string) (*models.Card, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.findCardByProgramLocked(userID, programID)
	}
	row := r.db.QueryRowContext(context.Background(), `
        SELECT card_id, user_id, program_id, name, punches, max_punches, visits, rewards, saved, cash_per_redeem, member_since, card_number
        FROM loyalty.cards WHERE user_id=$1 AND program_id=$2
    `, userID, programID)
	return scanCard(row)
}

func (r *Repository) findCardByProgramLocked(userID, programID string) (*models.Card, error) {
	for _, c := range r.Cards {
		if c.UserID == userID && c.ProgramID == programID {
			c.Normalize()
			return c, nil
		}
	}
	return nil, ErrNotFound
}

func (r *Repository) CreateCard(card *models.Card) error {
	card.Normalize()
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, err := r.findCardByProgramLocked(card.UserID, card.ProgramID); err == nil {
			return fmt.Errorf("card exists: %w", ErrConflict)
		}
		r.Cards = append(r.Cards, card)
		return nil
	}
	_, err := r.db.ExecContext(context.Background(), `
        INSERT INTO loyalty.cards(card_id, user_id, program_id, name, punches, max_punches, visits, rewards, saved, cash_per_redeem, member_since, card_number)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
    `, card.ID, card.UserID, card.ProgramID, card.Name, card.Punches, card.MaxPunches,
		card.Visits, card.Rewards, card.SavedCents, card.CashPerRedeemCents, card.MemberSince, card.CardNumber)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// DeleteCard removes an enrollment. Cards are never deleted except through
// this explicit user action.
func (r *Repository) DeleteCard(userID, cardID string) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, c := range r.Cards {
			if c.UserID == userID && c.ID == cardID {
				r.Cards = append(r.Cards[:i], r.Cards[i+1:]...)
				return nil
			}
		}
		return ErrNotFound
	}
	res, err := r.db.ExecContext(context.Background(), `DELETE FROM loyalty.cards WHERE user_id=$1 AND card_id=$2`, userID, cardID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyScan atomically awards a punch for one physical scan event. When the
// user holds no card for the program yet, enrollment and the first punch
// happen as one transaction. The event id is the idempotency key: a
// duplicate delivery returns the recorded outcome with dup=true and changes
// nothing, mirroring at-most-once award semantics under retries.
//
// Returns ErrCardFull (wrapped) when punches already reached the target;
// the punch count never exceeds the target.
func (r *Repository) ApplyScan(ev *models.ScanEvent, points int, program *models.Program, newCard func() *models.Card) (prev, score, target int, dup bool, err error) {
	if points < 1 {
		points = 1
	}
	if r.db == nil {
		return r.applyScanMem(ev, points, newCard)
	}
	return r.applyScanPG(ev, points, program, newCard)
}

func (r *Repository) applyScanMem(ev *models.ScanEvent, points int, newCard func() *models.Card) (prev, score, target int, dup bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.EventID != "" {
		if recorded, ok := r.scanEvents[ev.EventID]; ok {
			card, cerr := r.findCardByProgramLocked(recorded.UserID, recorded.ProgramID)
			if cerr != nil {
				return 0, 0, 0, true, cerr
			}
			return recorded.NewScore - 1, recorded.NewScore, card.MaxPunches, true, nil
		}
	}

	card, cerr := r.findCardByProgramLocked(ev.UserID, ev.ProgramID)
	if errors.Is(cerr, ErrNotFound) {
		card = newCard()
		card.Normalize()
		r.Cards = append(r.Cards, card)
	} else if cerr != nil {
		return 0, 0, 0, false, cerr
	}

	if card.Full() {
		return card.Punches, card.Punches, card.MaxPunches, false, models.ErrCardFull
	}

	prev = card.Punches
	score = prev + points
	if score > card.MaxPunches {
		score = card.MaxPunches
	}
	card.Punches = score
	card.Visits++

	ev.NewScore = score
	if ev.EventID != "" {
		r.scanEvents[ev.EventID] = ev
	}
	return prev, score, card.MaxPunches, false, nil
}

func (r *Repository) applyScanPG(ev *models.ScanEvent, points int, program *models.Program, newCard func() *models.Card) (prev, score, target int, dup bool, err error) {
	ctx := context.Background()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, 0, false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `set local statement_timeout = '3s'`); err != nil {
		return 0, 0, 0, false, err
	}

	// Insert-first with ON CONFLICT DO NOTHING on the event id; a duplicate
	// delivery reads back the recorded outcome instead of awarding again.
	if ev.EventID != "" {
		var insertedID string
		row := tx.QueryRowContext(ctx, `
          INSERT INTO loyalty.scan_events(scan_id, event_id, user_id, program_id, merchant_id, new_score)
          VALUES ($1,$2,$3,$4,$5,0)
          ON CONFLICT (event_id) DO NOTHING
          RETURNING scan_id
        `, ev.ID, ev.EventID, ev.UserID, ev.ProgramID, ev.MerchantID)
		_ = row.Scan(&insertedID)
		if insertedID == "" {
			var recordedScore int
			if err := tx.QueryRowContext(ctx, `
                SELECT new_score FROM loyalty.scan_events WHERE event_id=$1
            `, ev.EventID).Scan(&recordedScore); err != nil {
				return 0, 0, 0, false, err
			}
			var max int
			if err := tx.QueryRowContext(ctx, `
                SELECT max_punches FROM loyalty.cards WHERE user_id=$1 AND program_id=$2
            `, ev.UserID, ev.ProgramID).Scan(&max); err != nil {
				return 0, 0, 0, false, err
			}
			if err := tx.Commit(); err != nil {
				return 0, 0, 0, false, err
			}
			return recordedScore - 1, recordedScore, max, true, nil
		}
	}

	row := tx.QueryRowContext(ctx, `
        SELECT card_id, punches, max_punches FROM loyalty.cards
        WHERE user_id=$1 AND program_id=$2 FOR UPDATE
    `, ev.UserID, ev.ProgramID)
	var cardID string
	var punches, max int
	serr := row.Scan(&cardID, &punches, &max)
	if errors.Is(serr, sql.ErrNoRows) {
		card := newCard()
		card.Normalize()
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO loyalty.cards(card_id, user_id, program_id, name, punches, max_punches, visits, rewards, saved, cash_per_redeem, member_since, card_number)
            VALUES ($1,$2,$3,$4,0,$5,0,0,0,$6,$7,$8)
        `, card.ID, card.UserID, card.ProgramID, card.Name, card.MaxPunches, card.CashPerRedeemCents, card.MemberSince, card.CardNumber); err != nil {
			return 0, 0, 0, false, err
		}
		cardID, punches, max = card.ID, 0, card.MaxPunches
	} else if serr != nil {
		return 0, 0, 0, false, serr
	}
	if max <= 0 {
		max = models.DefaultTargetScore
	}

	if punches >= max {
		return punches, punches, max, false, models.ErrCardFull
	}

	prev = punches
	score = prev + points
	if score > max {
		score = max
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE loyalty.cards SET punches=$2, visits=visits+1, updated_at=now() WHERE card_id=$1
    `, cardID, score); err != nil {
		return 0, 0, 0, false, err
	}
	if ev.EventID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE loyalty.scan_events SET new_score=$2 WHERE event_id=$1`, ev.EventID, score); err != nil {
			return 0, 0, 0, false, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO loyalty.scan_events(scan_id, event_id, user_id, program_id, merchant_id, new_score)
            VALUES ($1, $1, $2, $3, $4, $5)
        `, ev.ID, ev.UserID, ev.ProgramID, ev.MerchantID, score); err != nil {
			return 0, 0, 0, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, 0, false, err
	}
	ev.NewScore = score
	return prev, score, max, false, nil
}

// Redeem resets a full card and accumulates the reward. Validated here as
// well as at the client boundary: a non-full card is rejected.
func (r *Repository) Redeem(userID, programID string) (*models.Card, int64, error) {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		card, err := r.findCardByProgramLocked(userID, programID)
		if err != nil {
			return nil, 0, err
		}
		if !card.Full() {
			return nil, 0, models.ErrNotRedeemable
		}
		cash := card.CashPerRedeemCents
		card.Punches = 0
		card.Rewards++
		card.SavedCents += cash
		return card, cash, nil
	}

	ctx := context.Background()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()
	row := tx.QueryRowContext(ctx, `
        SELECT card_id, punches, max_punches, cash_per_redeem FROM loyalty.cards
        WHERE user_id=$1 AND program_id=$2 FOR UPDATE
    `, userID, programID)
	var cardID string
	var punches, max int
	var cash int64
	if err := row.Scan(&cardID, &punches, &max, &cash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	if max <= 0 {
		max = models.DefaultTargetScore
	}
	if punches < max {
		return nil, 0, models.ErrNotRedeemable
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE loyalty.cards SET punches=0, rewards=rewards+1, saved=saved+$2, updated_at=now() WHERE card_id=$1
    `, cardID, cash); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	card, err := r.getCardByID(userID, cardID)
	if err != nil {
		return nil, 0, err
	}
	return card, cash, nil
}

func (r *Repository) getCardByID(userID, cardID string) (*models.Card, error) {
	row := r.db.QueryRowContext(context.Background(), `
        SELECT card_id, user_id, program_id, name, punches, max_punches, visits, rewards, saved, cash_per_redeem, member_since, card_number
        FROM loyalty.cards WHERE user_id=$1 AND card_id=$2
    `, userID, cardID)
	return scanCard(row)
}

// ProgramStats aggregates the admin dashboard view for one program.
func (r *Repository) ProgramStats(programID string) (*models.ProgramStats, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		stats := &models.ProgramStats{ProgramID: programID}
		for _, c := range r.Cards {
			if c.ProgramID != programID {
				continue
			}
			stats.TotalUsers++
			stats.TotalPunches += c.Punches + c.Rewards*c.MaxPunches
			if float64(c.Punches) >= float64(c.MaxPunches)*0.8 {
				stats.CloseToReward++
			}
		}
		return stats, nil
	}
	row := r.db.QueryRowContext(context.Background(), `
        SELECT COUNT(DISTINCT user_id),
               COALESCE(SUM(punches + rewards*max_punches), 0),
               COUNT(*) FILTER (WHERE punches >= max_punches * 0.8)
        FROM loyalty.cards WHERE program_id=$1
    `, programID)
	stats := &models.ProgramStats{ProgramID: programID}
	if err := row.Scan(&stats.TotalUsers, &stats.TotalPunches, &stats.CloseToReward); err != nil {
		return nil, err
	}
	return stats, nil
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}
