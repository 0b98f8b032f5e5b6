package loyalty_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/loyaltyapp/punchcard/loyalty"
	"github.com/loyaltyapp/punchcard/loyalty/models"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *http.Client, *loyalty.Repository) {
	t.Helper()

	repo := loyalty.NewRepository()
	service := loyalty.NewService(repo, loyalty.DefaultConfig())
	sessions := loyalty.NewSessions([]byte("test-secret"), time.Hour, false)

	router := chi.NewRouter()
	loyalty.NewAPI(service, sessions).AppendRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar, Timeout: 10 * time.Second}

	return srv, client, repo
}

func postJSON(t *testing.T, client *http.Client, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := client.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func registerUser(t *testing.T, client *http.Client, base, email string) string {
	t.Helper()
	resp := postJSON(t, client, base+"/auth/register", models.Register{
		Email:    email,
		Password: "hunter22",
		FullName: "Test User",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var body struct {
		UserID string `json:"user_id"`
	}
	decodeBody(t, resp, &body)
	require.NotEmpty(t, body.UserID)
	return body.UserID
}

func seedProgram(t *testing.T, repo *loyalty.Repository, id, name string, maxPunches int) {
	t.Helper()
	require.NoError(t, repo.CreateProgram(&models.Program{
		ID:                 id,
		Name:               name,
		Category:           "Coffee",
		MaxPunches:         maxPunches,
		CashPerRedeemCents: 5_00,
		Active:             true,
	}))
}

func TestAuth(t *testing.T) {
	srv, client, _ := newTestServer(t)

	t.Run("register", func(t *testing.T) {
		registerUser(t, client, srv.URL, "jo@example.com")
	})

	t.Run("duplicate register", func(t *testing.T) {
		resp := postJSON(t, client, srv.URL+"/auth/register", models.Register{
			Email:    "jo@example.com",
			Password: "other",
		})
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		var body struct {
			Error string `json:"error"`
		}
		decodeBody(t, resp, &body)
		require.Equal(t, "user already exists", body.Error)
	})

	t.Run("session after register", func(t *testing.T) {
		resp, err := client.Get(srv.URL + "/auth/session")
		require.NoError(t, err)
		var body struct {
			Authenticated bool `json:"authenticated"`
		}
		decodeBody(t, resp, &body)
		require.True(t, body.Authenticated)
	})

	t.Run("wrong password", func(t *testing.T) {
		resp := postJSON(t, client, srv.URL+"/auth/login", models.Login{
			Email:    "jo@example.com",
			Password: "wrong",
		})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		var body struct {
			Error string `json:"error"`
		}
		decodeBody(t, resp, &body)
		require.Equal(t, "invalid email or password", body.Error)
	})

	t.Run("logout clears session", func(t *testing.T) {
		resp := postJSON(t, client, srv.URL+"/auth/logout", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		sessResp, err := client.Get(srv.URL + "/auth/session")
		require.NoError(t, err)
		var body struct {
			Authenticated bool `json:"authenticated"`
		}
		decodeBody(t, sessResp, &body)
		require.False(t, body.Authenticated)
	})
}

func TestPrograms(t *testing.T) {
	srv, client, repo := newTestServer(t)
	seedProgram(t, repo, "1", "Great Dane Coffee", 10)
	seedProgram(t, repo, "2", "Tim Hortons", 5)
	require.NoError(t, repo.CreateProgram(&models.Program{ID: "3", Name: "Closed Shop", Active: false}))

	resp, err := client.Get(srv.URL + "/programs")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Companies []*models.Program `json:"companies"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Companies, 2, "inactive programs must be hidden")
}

func TestScanFlow(t *testing.T) {
	srv, client, repo := newTestServer(t)
	seedProgram(t, repo, "1", "Great Dane Coffee", 3)
	userID := registerUser(t, client, srv.URL, "scan@example.com")

	scan := func(eventID string) *http.Response {
		return postJSON(t, client, srv.URL+"/scan", models.ScanRequest{
			UserID:    userID,
			ProgramID: "1",
			EventID:   eventID,
		})
	}

	t.Run("first scan enrolls and punches", func(t *testing.T) {
		resp := scan("evt-1")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body models.ScanResponse
		decodeBody(t, resp, &body)
		require.Equal(t, 1, body.NewScore)
		require.Equal(t, 3, body.TargetScore)
		require.False(t, body.RewardEarned)

		cardsResp, err := client.Get(srv.URL + "/user/cards")
		require.NoError(t, err)
		var cards struct {
			Cards []*models.Card `json:"cards"`
		}
		decodeBody(t, cardsResp, &cards)
		require.Len(t, cards.Cards, 1)
		require.Equal(t, "Great Dane Coffee", cards.Cards[0].Name)
		require.Equal(t, "1", cards.Cards[0].ProgramID)
		require.Equal(t, 1, cards.Cards[0].Punches)
		require.Equal(t, 1, cards.Cards[0].Visits)
	})

	t.Run("duplicate event id awards nothing", func(t *testing.T) {
		resp := scan("evt-1")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body models.ScanResponse
		decodeBody(t, resp, &body)
		require.True(t, body.Duplicate)
		require.Equal(t, 1, body.NewScore)
	})

	t.Run("scan until full", func(t *testing.T) {
		for i := 2; i <= 3; i++ {
			resp := scan(fmt.Sprintf("evt-%d", i))
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var body models.ScanResponse
			decodeBody(t, resp, &body)
			require.Equal(t, i, body.NewScore)
		}
	})

	t.Run("scan on full card is rejected", func(t *testing.T) {
		resp := scan("evt-4")
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		var body struct {
			Error string `json:"error"`
		}
		decodeBody(t, resp, &body)
		require.Equal(t, "card is full", body.Error)

		// And the punch count did not move.
		cardsResp, err := client.Get(srv.URL + "/user/cards")
		require.NoError(t, err)
		var cards struct {
			Cards []*models.Card `json:"cards"`
		}
		decodeBody(t, cardsResp, &cards)
		require.Equal(t, 3, cards.Cards[0].Punches)
	})

	t.Run("unknown program", func(t *testing.T) {
		resp := postJSON(t, client, srv.URL+"/scan", models.ScanRequest{
			UserID:    userID,
			ProgramID: "99",
		})
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("normalized program id matches", func(t *testing.T) {
		// Ids can arrive zero-padded from tag tooling.
		resp := postJSON(t, client, srv.URL+"/scan", models.ScanRequest{
			UserID:    userID,
			ProgramID: "01",
		})
		// Card is full, so the normalized id reached the right program.
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		resp.Body.Close()
	})
}

func TestRedeem(t *testing.T) {
	srv, client, repo := newTestServer(t)
	seedProgram(t, repo, "1", "Great Dane Coffee", 2)
	userID := registerUser(t, client, srv.URL, "redeem@example.com")

	t.Run("redeem before full is rejected", func(t *testing.T) {
		resp := postJSON(t, client, srv.URL+"/scan", models.ScanRequest{UserID: userID, ProgramID: "1"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		redeemResp := postJSON(t, client, srv.URL+"/rewards/redeem", models.RedeemRequest{ProgramID: "1"})
		require.Equal(t, http.StatusConflict, redeemResp.StatusCode)
		redeemResp.Body.Close()
	})

	t.Run("redeem full card", func(t *testing.T) {
		resp := postJSON(t, client, srv.URL+"/scan", models.ScanRequest{UserID: userID, ProgramID: "1"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		redeemResp := postJSON(t, client, srv.URL+"/rewards/redeem", models.RedeemRequest{ProgramID: "1"})
		require.Equal(t, http.StatusOK, redeemResp.StatusCode)
		var body models.RedeemResponse
		decodeBody(t, redeemResp, &body)
		require.Equal(t, int64(5_00), body.CashValueCents)
		require.Equal(t, 0, body.Punches)
		require.Equal(t, 1, body.Rewards)
		require.Equal(t, int64(5_00), body.SavedCents)
	})
}

func TestCards(t *testing.T) {
	srv, client, repo := newTestServer(t)
	seedProgram(t, repo, "1", "Great Dane Coffee", 10)

	t.Run("cards require a session", func(t *testing.T) {
		plain := &http.Client{Timeout: 10 * time.Second}
		resp, err := plain.Get(srv.URL + "/user/cards")
		require.NoError(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	})

	registerUser(t, client, srv.URL, "cards@example.com")

	t.Run("add and delete", func(t *testing.T) {
		resp := postJSON(t, client, srv.URL+"/user/cards", map[string]string{"company_id": "1"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var card models.Card
		decodeBody(t, resp, &card)
		require.Equal(t, 0, card.Punches)
		require.Equal(t, 10, card.MaxPunches)

		dupResp := postJSON(t, client, srv.URL+"/user/cards", map[string]string{"company_id": "1"})
		require.Equal(t, http.StatusConflict, dupResp.StatusCode)
		dupResp.Body.Close()

		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/user/cards/"+card.ID, nil)
		require.NoError(t, err)
		delResp, err := client.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, delResp.StatusCode)
		delResp.Body.Close()

		cardsResp, err := client.Get(srv.URL + "/user/cards")
		require.NoError(t, err)
		var cards struct {
			Cards []*models.Card `json:"cards"`
		}
		decodeBody(t, cardsResp, &cards)
		require.Empty(t, cards.Cards)
	})
}

func TestStats(t *testing.T) {
	srv, client, repo := newTestServer(t)
	seedProgram(t, repo, "1", "Great Dane Coffee", 10)

	for i := 0; i < 3; i++ {
		userClient := &http.Client{Timeout: 10 * time.Second}
		jar, err := cookiejar.New(nil)
		require.NoError(t, err)
		userClient.Jar = jar
		userID := registerUser(t, userClient, srv.URL, fmt.Sprintf("stats%d@example.com", i))
		resp := postJSON(t, userClient, srv.URL+"/scan", models.ScanRequest{UserID: userID, ProgramID: "1"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := client.Get(srv.URL + "/admin/stats?company_id=1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats models.ProgramStats
	decodeBody(t, resp, &stats)
	require.Equal(t, 3, stats.TotalUsers)
	require.Equal(t, 3, stats.TotalPunches)
	require.Equal(t, 0, stats.CloseToReward)
}
