package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"battle-quiz-service/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue receives one message per settled match.
const DefaultQueue = "battlequiz.match_results"

// Channel is the slice of *amqp.Channel the publisher needs.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// MatchResultMessage is the JSON body published for a settled match.
type MatchResultMessage struct {
	MatchID      string              `json:"matchId"`
	QuizID       string              `json:"quizId"`
	Player1ID    string              `json:"player1Id"`
	Player2ID    string              `json:"player2Id"`
	Player1Score int                 `json:"player1Score"`
	Player2Score int                 `json:"player2Score"`
	Winner       *string             `json:"winner"`
	Prize        string              `json:"prize"`
	Reason       domain.FinishReason `json:"reason"`
	EndedAt      time.Time           `json:"endedAt"`
}

func NewMatchResultMessage(m domain.Match) MatchResultMessage {
	msg := MatchResultMessage{
		MatchID:      m.ID,
		QuizID:       m.QuizID,
		Player1ID:    m.Player1ID,
		Player2ID:    m.Player2ID,
		Player1Score: m.Player1Score,
		Player2Score: m.Player2Score,
		Prize:        m.PrizeAmount.StringFixed(2),
		Reason:       m.FinishReason,
		EndedAt:      m.LastActivityAt,
	}
	if m.WinnerID != "" {
		winner := m.WinnerID
		msg.Winner = &winner
	}
	if m.EndTime != nil {
		msg.EndedAt = *m.EndTime
	}
	return msg
}

// ResultPublisher implements app.ResultPublisher over RabbitMQ.
type ResultPublisher struct {
	conn  *amqp.Connection
	ch    Channel
	queue string

	mu       sync.Mutex
	declared bool
}

// Dial connects to the broker at url and opens a dedicated channel.
func Dial(url, queue string) (*ResultPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	p := NewResultPublisher(ch, queue)
	p.conn = conn
	return p, nil
}

func NewResultPublisher(ch Channel, queue string) *ResultPublisher {
	if queue == "" {
		queue = DefaultQueue
	}
	return &ResultPublisher{ch: ch, queue: queue}
}

func (p *ResultPublisher) PublishResult(ctx context.Context, match domain.Match) error {
	body, err := json.Marshal(NewMatchResultMessage(match))
	if err != nil {
		return fmt.Errorf("encode match result: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.declared {
		_, err := p.ch.QueueDeclare(
			p.queue,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue: %w", err)
		}
		p.declared = true
	}

	return p.ch.PublishWithContext(
		ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    match.ID,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

func (p *ResultPublisher) Close() error {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
