package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"battle-quiz-service/internal/domain"
	"github.com/shopspring/decimal"
)

func doJSON(t *testing.T, stack *testStack, method, path, userID, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, stack.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestAPIJoinAnswerAndWallet(t *testing.T) {
	stack := newTestStack(t, time.Minute)

	status, body := doJSON(t, stack, http.MethodPost, "/api/quizzes/quiz-1/join", "alice", "")
	if status != http.StatusAccepted || body["status"] != "WAITING" {
		t.Fatalf("alice should wait, got %d %v", status, body)
	}

	status, body = doJSON(t, stack, http.MethodPost, "/api/quizzes/quiz-1/join", "bob", `{"opponentId":"alice"}`)
	if status != http.StatusOK || body["status"] != "PLAYING" {
		t.Fatalf("bob should be paired, got %d %v", status, body)
	}
	match, _ := body["match"].(map[string]any)
	matchID, _ := match["id"].(string)
	if matchID == "" || match["status"] != "PLAYING" {
		t.Fatalf("unexpected match %v", match)
	}

	status, _ = doJSON(t, stack, http.MethodPost, "/api/quizzes/quiz-1/join", "alice", "")
	if status != http.StatusConflict {
		t.Fatalf("second join while playing should conflict, got %d", status)
	}

	status, _ = doJSON(t, stack, http.MethodGet, "/api/matches/"+matchID, "carol", "")
	if status != http.StatusForbidden {
		t.Fatalf("outsider should not read the match, got %d", status)
	}

	status, body = doJSON(t, stack, http.MethodPost, "/api/matches/"+matchID+"/answers", "bob", `{"questionIndex":0,"optionIndex":1}`)
	if status != http.StatusOK || body["correct"] != true || body["currentRound"] != float64(1) {
		t.Fatalf("unexpected answer response %d %v", status, body)
	}

	status, body = doJSON(t, stack, http.MethodPost, "/api/matches/"+matchID+"/answers", "bob", `{"questionIndex":0,"optionIndex":1}`)
	if status != http.StatusConflict || body["code"] != "invalid_transition" {
		t.Fatalf("repeat answer should conflict, got %d %v", status, body)
	}

	status, _ = doJSON(t, stack, http.MethodPost, "/api/matches/"+matchID+"/answers", "bob", `{"questionIndex":7,"optionIndex":1}`)
	if status != http.StatusNotFound {
		t.Fatalf("out of range question should be 404, got %d", status)
	}

	status, _ = doJSON(t, stack, http.MethodPost, "/api/matches/"+matchID+"/answers", "bob", `{"optionIndex":1}`)
	if status != http.StatusBadRequest {
		t.Fatalf("missing question index should be 400, got %d", status)
	}

	status, body = doJSON(t, stack, http.MethodPost, "/api/matches/"+matchID+"/answers", "alice", `{"questionIndex":1,"optionIndex":2}`)
	if status != http.StatusOK || body["status"] != "FINISHED" {
		t.Fatalf("second round should finish the match, got %d %v", status, body)
	}

	status, body = doJSON(t, stack, http.MethodGet, "/api/me/wallet", "bob", "")
	if status != http.StatusOK || body["balance"] != "107" {
		t.Fatalf("bob should hold the prize, got %d %v", status, body)
	}
	if txs, _ := body["transactions"].([]any); len(txs) != 2 {
		t.Fatalf("expected entry fee and prize, got %v", body["transactions"])
	}

	status, body = doJSON(t, stack, http.MethodGet, "/api/me/matches", "alice", "")
	if active, _ := body["active"].([]any); status != http.StatusOK || len(active) != 0 {
		t.Fatalf("finished match should not be active, got %d %v", status, body)
	}
}

func TestAPICancelAndInsufficientFunds(t *testing.T) {
	stack := newTestStack(t, time.Minute)

	status, _ := doJSON(t, stack, http.MethodPost, "/api/quizzes/quiz-1/join", "dave", "")
	if status != http.StatusPaymentRequired {
		t.Fatalf("dave has no balance, expected 402, got %d", status)
	}

	doJSON(t, stack, http.MethodPost, "/api/quizzes/quiz-1/join", "carol", "")
	status, body := doJSON(t, stack, http.MethodDelete, "/api/quizzes/quiz-1/join", "carol", "")
	if status != http.StatusOK || body["refunded"] != "10" {
		t.Fatalf("unexpected cancel response %d %v", status, body)
	}
	balance, _ := stack.wallet.Balance(context.Background(), "carol")
	if !balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("cancel should refund, balance %s", balance)
	}

	status, _ = doJSON(t, stack, http.MethodGet, "/api/me/wallet", "", "")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", status)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrMatchNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", domain.ErrQuizNotFound), http.StatusNotFound},
		{domain.ErrInsufficientFunds, http.StatusPaymentRequired},
		{domain.ErrQuizInactive, http.StatusUnprocessableEntity},
		{domain.ErrAlreadyActive, http.StatusConflict},
		{domain.ErrAlreadyAnswered, http.StatusConflict},
		{domain.ErrConcurrencyConflict, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestHealthz(t *testing.T) {
	stack := newTestStack(t, time.Minute)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	stack.server.Config.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz %d %q", rec.Code, rec.Body.String())
	}
}
