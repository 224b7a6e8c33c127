package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"battle-quiz-service/internal/app"
	"battle-quiz-service/internal/domain"
	"battle-quiz-service/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

type WSHandler struct {
	hub        *Hub
	matchmaker *app.Matchmaker
	matches    *app.Orchestrator
	identity   *Identity
	upgrader   websocket.Upgrader
	log        logger.Logger
}

func NewWSHandler(hub *Hub, matchmaker *app.Matchmaker, matches *app.Orchestrator, identity *Identity, log logger.Logger) *WSHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &WSHandler{
		hub:        hub,
		matchmaker: matchmaker,
		matches:    matches,
		identity:   identity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	QuizID     string `json:"quizId"`
	OpponentID string `json:"opponentId,omitempty"`
}

type cancelPayload struct {
	QuizID string `json:"quizId"`
}

type answerPayload struct {
	MatchID       string `json:"matchId"`
	QuestionIndex int    `json:"questionIndex"`
	OptionIndex   int    `json:"optionIndex"`
	TimeTakenMs   int64  `json:"timeTakenMs"`
}

type answerResultPayload struct {
	MatchID       string             `json:"matchId"`
	QuestionIndex int                `json:"questionIndex"`
	Correct       bool               `json:"correct"`
	Awarded       int                `json:"awarded"`
	YourScore     int                `json:"yourScore"`
	OpponentScore int                `json:"opponentScore"`
	CurrentRound  int                `json:"currentRound"`
	TotalRounds   int                `json:"totalRounds"`
	Status        domain.MatchStatus `json:"status"`
}

type cancelledPayload struct {
	QuizID   string          `json:"quizId"`
	Refunded decimal.Decimal `json:"refunded"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServeWS upgrades the request and runs the connection until the client goes away.
func (h *WSHandler) ServeWS(c *gin.Context) {
	userID, err := h.identity.Resolve(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn(c.Request.Context(), "ws upgrade failed", logger.Error(err))
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	cl := newClient(userID, conn)
	resumed := h.hub.register(cl)
	go cl.writePump(h.log)

	h.log.Info(ctx, "player connected", logger.String("user", userID), logger.Bool("resumed", resumed))
	h.matches.Reconnected(ctx, userID, resumed)

	h.readPump(ctx, cl)

	if h.hub.unregister(cl) {
		h.log.Info(ctx, "player disconnected", logger.String("user", userID), logger.Duration("grace", h.hub.Grace()))
		h.matches.Disconnected(ctx, userID, h.hub.Grace())
	}
	cl.close()
}

func (h *WSHandler) readPump(ctx context.Context, cl *client) {
	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.Debug(ctx, "ws read failed", logger.String("user", cl.userID), logger.Error(err))
			}
			return
		}
		var in inboundMessage
		if err := json.Unmarshal(data, &in); err != nil {
			sendError(cl, "bad_request", "invalid message")
			continue
		}
		h.dispatch(ctx, cl, in)
	}
}

func (h *WSHandler) dispatch(ctx context.Context, cl *client, in inboundMessage) {
	switch in.Type {
	case "join_matchmaking":
		var payload joinPayload
		if err := json.Unmarshal(in.Payload, &payload); err != nil || payload.QuizID == "" {
			sendError(cl, "bad_request", "invalid join payload")
			return
		}
		h.join(ctx, cl, payload)
	case "cancel_matchmaking":
		var payload cancelPayload
		if err := json.Unmarshal(in.Payload, &payload); err != nil || payload.QuizID == "" {
			sendError(cl, "bad_request", "invalid cancel payload")
			return
		}
		removed, err := h.matchmaker.Cancel(ctx, payload.QuizID, cl.userID)
		if err != nil {
			sendDomainError(cl, err)
			return
		}
		cl.enqueue(outboundMessage[any]{Type: "cancelled", Payload: cancelledPayload{QuizID: removed.QuizID, Refunded: removed.EntryAmount}})
	case "answer":
		var payload answerPayload
		if err := json.Unmarshal(in.Payload, &payload); err != nil || payload.MatchID == "" {
			sendError(cl, "bad_request", "invalid answer payload")
			return
		}
		h.answer(ctx, cl, payload)
	case "ping":
		cl.enqueue(outboundMessage[any]{Type: "pong"})
	default:
		sendError(cl, "bad_request", "unsupported message type")
	}
}

// join replies with waiting; a successful pairing reaches both players as matched.
func (h *WSHandler) join(ctx context.Context, cl *client, payload joinPayload) {
	result, err := h.matchmaker.Join(ctx, app.JoinRequest{
		QuizID:     payload.QuizID,
		UserID:     cl.userID,
		OpponentID: payload.OpponentID,
	})
	if err != nil {
		sendDomainError(cl, err)
		return
	}
	if result.Status == domain.ParticipantWaiting {
		cl.enqueue(outboundMessage[any]{Type: string(domain.EventWaiting), Payload: domain.WaitingPayload{
			QuizID:        result.Participant.QuizID,
			ParticipantID: result.Participant.ID,
		}})
	}
}

func (h *WSHandler) answer(ctx context.Context, cl *client, payload answerPayload) {
	result, err := submitByIndex(ctx, h.matches, cl.userID, payload)
	if err != nil {
		sendDomainError(cl, err)
		return
	}
	cl.enqueue(outboundMessage[any]{Type: "answer_result", Payload: newAnswerResult(result, cl.userID)})
}

// submitByIndex maps the client's question index onto the match's fixed question list.
func submitByIndex(ctx context.Context, matches *app.Orchestrator, userID string, payload answerPayload) (app.AnswerResult, error) {
	match, err := matches.Match(ctx, payload.MatchID)
	if err != nil {
		return app.AnswerResult{}, err
	}
	if !match.IsPlayer(userID) {
		return app.AnswerResult{}, domain.ErrNotAPlayer
	}
	if payload.QuestionIndex < 0 || payload.QuestionIndex >= len(match.QuestionIDs) {
		return app.AnswerResult{}, fmt.Errorf("%w: index %d", domain.ErrQuestionNotFound, payload.QuestionIndex)
	}
	return matches.SubmitAnswer(ctx, app.AnswerSubmission{
		MatchID:        match.ID,
		UserID:         userID,
		QuestionID:     match.QuestionIDs[payload.QuestionIndex],
		SelectedOption: payload.OptionIndex,
		TimeTaken:      time.Duration(payload.TimeTakenMs) * time.Millisecond,
	})
}

func newAnswerResult(result app.AnswerResult, userID string) answerResultPayload {
	m := result.Match
	return answerResultPayload{
		MatchID:       m.ID,
		QuestionIndex: result.QuestionIndex,
		Correct:       result.Correct,
		Awarded:       result.Awarded,
		YourScore:     m.Score(userID),
		OpponentScore: m.Score(m.Opponent(userID)),
		CurrentRound:  m.CurrentRound,
		TotalRounds:   m.TotalRounds,
		Status:        m.Status,
	}
}

func sendDomainError(cl *client, err error) {
	sendError(cl, domain.ErrorCode(err), err.Error())
}

func sendError(cl *client, code, message string) {
	cl.enqueue(outboundMessage[any]{Type: "error", Payload: errorPayload{Code: code, Message: message}})
}
