package mobile

import (
	"context"
	"errors"
	"testing"

	"github.com/loyaltyapp/punchcard/loyalty/models"
	"github.com/stretchr/testify/require"
)

func memPrograms() []*models.Program {
	return []*models.Program{
		{ID: "1", Name: "Great Dane Coffee", MaxPunches: 10, CashPerRedeemCents: 5_00, Active: true},
		{ID: "2", Name: "Tim Hortons", MaxPunches: 2, CashPerRedeemCents: 3_00, Active: true},
	}
}

func TestMemoryBackendScan(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(memPrograms())

	t.Run("first scan enrolls", func(t *testing.T) {
		resp, err := backend.Scan(ctx, models.ScanRequest{ProgramID: "1", EventID: "evt-1"})
		require.NoError(t, err)
		require.Equal(t, 1, resp.NewScore)
		require.Equal(t, 10, resp.TargetScore)

		cards, err := backend.Cards(ctx)
		require.NoError(t, err)
		require.Len(t, cards, 1)
		require.Equal(t, 1, cards[0].Punches)
		require.Equal(t, 1, cards[0].Visits)
	})

	t.Run("duplicate event id changes nothing", func(t *testing.T) {
		resp, err := backend.Scan(ctx, models.ScanRequest{ProgramID: "1", EventID: "evt-1"})
		require.NoError(t, err)
		require.True(t, resp.Duplicate)
		require.Equal(t, 1, resp.NewScore)

		cards, err := backend.Cards(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, cards[0].Punches)
	})

	t.Run("full card rejected", func(t *testing.T) {
		_, err := backend.Scan(ctx, models.ScanRequest{ProgramID: "2", EventID: "a"})
		require.NoError(t, err)
		resp, err := backend.Scan(ctx, models.ScanRequest{ProgramID: "2", EventID: "b"})
		require.NoError(t, err)
		require.True(t, resp.RewardEarned)

		_, err = backend.Scan(ctx, models.ScanRequest{ProgramID: "2", EventID: "c"})
		require.ErrorIs(t, err, models.ErrCardFull)
	})

	t.Run("unknown program", func(t *testing.T) {
		_, err := backend.Scan(ctx, models.ScanRequest{ProgramID: "99"})
		require.Error(t, err)
	})
}

func TestMemoryBackendRedeem(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(memPrograms())

	_, err := backend.AddCard(ctx, "2")
	require.NoError(t, err)

	_, err = backend.Redeem(ctx, models.RedeemRequest{ProgramID: "2"})
	require.ErrorIs(t, err, models.ErrNotRedeemable)

	_, err = backend.Scan(ctx, models.ScanRequest{ProgramID: "2", EventID: "a"})
	require.NoError(t, err)
	_, err = backend.Scan(ctx, models.ScanRequest{ProgramID: "2", EventID: "b"})
	require.NoError(t, err)

	resp, err := backend.Redeem(ctx, models.RedeemRequest{ProgramID: "2"})
	require.NoError(t, err)
	require.Equal(t, int64(3_00), resp.CashValueCents)
	require.Equal(t, 0, resp.Punches)
	require.Equal(t, 1, resp.Rewards)
	require.Equal(t, int64(3_00), resp.SavedCents)

	// The card can fill and redeem again; savings accumulate.
	_, err = backend.Scan(ctx, models.ScanRequest{ProgramID: "2", EventID: "c"})
	require.NoError(t, err)
	_, err = backend.Scan(ctx, models.ScanRequest{ProgramID: "2", EventID: "d"})
	require.NoError(t, err)
	resp, err = backend.Redeem(ctx, models.RedeemRequest{ProgramID: "2"})
	require.NoError(t, err)
	require.Equal(t, 2, resp.Rewards)
	require.Equal(t, int64(6_00), resp.SavedCents)
}

func TestLedgerRefreshAfterMutations(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(memPrograms())
	ledger := NewLedger(backend)

	require.Empty(t, ledger.Cards())

	card, err := ledger.AddCard(ctx, "1")
	require.NoError(t, err)
	require.Len(t, ledger.Cards(), 1)

	// A scan goes straight to the backend; the projection is stale until the
	// next refresh.
	_, err = backend.Scan(ctx, models.ScanRequest{ProgramID: "1", EventID: "evt"})
	require.NoError(t, err)
	require.Equal(t, 0, ledger.Cards()[0].Punches)

	require.NoError(t, ledger.Refresh(ctx))
	require.Equal(t, 1, ledger.Cards()[0].Punches)

	require.NoError(t, ledger.DeleteCard(ctx, card.ID))
	require.Empty(t, ledger.Cards())
}

func TestLedgerRedeemRefreshes(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(memPrograms())
	ledger := NewLedger(backend)

	_, err := backend.Scan(ctx, models.ScanRequest{ProgramID: "2", EventID: "a"})
	require.NoError(t, err)
	_, err = backend.Scan(ctx, models.ScanRequest{ProgramID: "2", EventID: "b"})
	require.NoError(t, err)
	require.NoError(t, ledger.Refresh(ctx))

	card := ledger.Cards()[0]
	require.True(t, card.Full())

	resp, err := ledger.Redeem(ctx, card)
	require.NoError(t, err)
	require.Equal(t, int64(3_00), resp.CashValueCents)

	// The projection converged on the reset counts without a manual refresh.
	card = ledger.Cards()[0]
	require.Equal(t, 0, card.Punches)
	require.Equal(t, 1, card.Rewards)
}

func TestLedgerCardsReturnsCopy(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(memPrograms())
	ledger := NewLedger(backend)

	_, err := ledger.AddCard(ctx, "1")
	require.NoError(t, err)

	cards := ledger.Cards()
	cards[0] = nil
	require.NotNil(t, ledger.Cards()[0], "mutating the returned slice must not corrupt the projection")
}

func TestLedgerRefreshError(t *testing.T) {
	ledger := NewLedger(failingBackend{err: errors.New("network down")})
	err := ledger.Refresh(context.Background())
	require.Error(t, err)
}

// failingBackend fails every call; used to exercise error paths.
type failingBackend struct {
	err error
}

func (f failingBackend) Programs(context.Context) ([]*models.Program, error) { return nil, f.err }
func (f failingBackend) Cards(context.Context) ([]*models.Card, error)      { return nil, f.err }
func (f failingBackend) AddCard(context.Context, string) (*models.Card, error) {
	return nil, f.err
}
func (f failingBackend) DeleteCard(context.Context, string) error { return f.err }
func (f failingBackend) Scan(context.Context, models.ScanRequest) (*models.ScanResponse, error) {
	return nil, f.err
}
func (f failingBackend) Redeem(context.Context, models.RedeemRequest) (*models.RedeemResponse, error) {
	return nil, f.err
}
