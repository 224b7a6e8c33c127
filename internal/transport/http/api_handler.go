package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"battle-quiz-service/internal/app"
	"battle-quiz-service/internal/domain"
	"battle-quiz-service/pkg/logger"
	"github.com/gin-gonic/gin"
)

// HistoryReader lists archived matches of a user, newest first.
type HistoryReader interface {
	History(ctx context.Context, userID string, limit int) ([]domain.Match, error)
}

type APIHandler struct {
	matchmaker *app.Matchmaker
	matches    *app.Orchestrator
	wallet     app.Wallet
	history    HistoryReader
	log        logger.Logger
}

func NewAPIHandler(matchmaker *app.Matchmaker, matches *app.Orchestrator, wallet app.Wallet, history HistoryReader, log logger.Logger) *APIHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &APIHandler{
		matchmaker: matchmaker,
		matches:    matches,
		wallet:     wallet,
		history:    history,
		log:        log,
	}
}

type joinRequest struct {
	OpponentID string `json:"opponentId"`
}

type answerRequest struct {
	QuestionIndex *int  `json:"questionIndex" binding:"required"`
	OptionIndex   *int  `json:"optionIndex" binding:"required"`
	TimeTakenMs   int64 `json:"timeTakenMs"`
}

func (h *APIHandler) GetMatch(c *gin.Context) {
	match, err := h.matches.Match(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !match.IsPlayer(currentUser(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a player of this match"})
		return
	}
	c.JSON(http.StatusOK, match)
}

func (h *APIHandler) MyMatches(c *gin.Context) {
	ctx := c.Request.Context()
	userID := currentUser(c)
	active, err := h.matches.ActiveMatches(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := gin.H{"active": active}
	if h.history != nil {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		history, err := h.history.History(ctx, userID, limit)
		if err != nil {
			h.fail(c, err)
			return
		}
		resp["history"] = history
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandler) Join(c *gin.Context) {
	var req joinRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	result, err := h.matchmaker.Join(c.Request.Context(), app.JoinRequest{
		QuizID:     c.Param("id"),
		UserID:     currentUser(c),
		OpponentID: req.OpponentID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if result.Status == domain.ParticipantWaiting {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

func (h *APIHandler) Cancel(c *gin.Context) {
	removed, err := h.matchmaker.Cancel(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participant": removed, "refunded": removed.EntryAmount})
}

func (h *APIHandler) SubmitAnswer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := currentUser(c)
	result, err := submitByIndex(c.Request.Context(), h.matches, userID, answerPayload{
		MatchID:       c.Param("id"),
		QuestionIndex: *req.QuestionIndex,
		OptionIndex:   *req.OptionIndex,
		TimeTakenMs:   req.TimeTakenMs,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newAnswerResult(result, userID))
}

func (h *APIHandler) Wallet(c *gin.Context) {
	ctx := c.Request.Context()
	userID := currentUser(c)
	balance, err := h.wallet.Balance(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	txs, err := h.wallet.Transactions(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if txs == nil {
		txs = []domain.LedgerEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance, "transactions": txs})
}

func (h *APIHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error(c.Request.Context(), "request failed", logger.String("path", c.FullPath()), logger.Error(err))
		c.JSON(status, gin.H{"error": "internal error", "code": domain.ErrorCode(err)})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": domain.ErrorCode(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrQuizInactive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrAlreadyActive),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
