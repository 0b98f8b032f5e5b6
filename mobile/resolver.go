// Package mobile holds the client-side core of the punch-card app: the REST
// client, the scan resolver, the local card projection and the readiness
// gate that together turn a scanned deep link into an awarded punch.
package mobile

import (
	"github.com/loyaltyapp/punchcard/internal/tag"
	"github.com/loyaltyapp/punchcard/loyalty/models"
)

// Status classifies the outcome of resolving one scan.
type Status string

const (
	// StatusNoScan means the app was opened without scan intent; nothing is
	// shown to the user.
	StatusNoScan Status = "no_scan"
	// StatusInvalid covers malformed, tampered and expired payloads.
	StatusInvalid Status = "invalid"
	// StatusDeferred means the program catalog has not loaded yet; the gate
	// retries the resolution.
	StatusDeferred        Status = "deferred"
	StatusProgramNotFound Status = "program_not_found"
	// StatusCardMissing means the user is not enrolled; the caller may prompt
	// to add the card, which awards the first punch in the same call.
	StatusCardMissing Status = "card_missing"
	StatusCardFull    Status = "card_full"
	StatusAwarded     Status = "awarded"
)

// Resolution is the decision for one scan payload against the current
// reference data. For StatusAwarded it carries the intended new counts; the
// authoritative values still come from the backend after the award call.
type Resolution struct {
	Status    Status
	ProgramID string
	Program   *models.Program
	Card      *models.Card
	// NewPunches and NewVisits are the clamped local intent for an award.
	NewPunches int
	NewVisits  int
	Reason     string
}

// Resolve decides what a scan payload means given the loaded catalog and the
// user's cards. It is a pure function: all state comes in as arguments and
// the single remote award call is the caller's job, so no stale-closure
// mirrors of UI state are ever needed.
//
// The checks run in strict order and short-circuit: catalog readiness,
// program existence, enrollment, capacity.
func Resolve(p tag.Payload, catalog []*models.Program, cards []*models.Card) Resolution {
	// An empty catalog means reference data has not finished loading. Without
	// this check a valid scan racing the catalog fetch would be misreported
	// as "program not found".
	if len(catalog) == 0 {
		return Resolution{Status: StatusDeferred, ProgramID: p.ProgramID}
	}

	programID := tag.NormalizeID(p.ProgramID)
	var program *models.Program
	for _, candidate := range catalog {
		if tag.NormalizeID(candidate.ID) == programID {
			program = candidate
			break
		}
	}
	if program == nil {
		return Resolution{
			Status:    StatusProgramNotFound,
			ProgramID: p.ProgramID,
			Reason:    "program not found: " + p.ProgramID,
		}
	}

	card := findCard(cards, program)
	if card == nil {
		return Resolution{Status: StatusCardMissing, ProgramID: program.ID, Program: program}
	}

	if card.Full() {
		return Resolution{Status: StatusCardFull, ProgramID: program.ID, Program: program, Card: card}
	}

	points := p.Points
	if points < 1 {
		points = 1
	}
	newPunches := card.Punches + points
	if newPunches > card.MaxPunches {
		newPunches = card.MaxPunches
	}
	return Resolution{
		Status:     StatusAwarded,
		ProgramID:  program.ID,
		Program:    program,
		Card:       card,
		NewPunches: newPunches,
		NewVisits:  card.Visits + 1,
	}
}

// findCard matches by the explicit program link; records written before the
// link field existed carry only the display name, so those fall back to name
// equality.
func findCard(cards []*models.Card, program *models.Program) *models.Card {
	programID := tag.NormalizeID(program.ID)
	for _, c := range cards {
		if c.ProgramID != "" && tag.NormalizeID(c.ProgramID) == programID {
			return c
		}
	}
	for _, c := range cards {
		if c.ProgramID == "" && c.Name == program.Name {
			return c
		}
	}
	return nil
}
