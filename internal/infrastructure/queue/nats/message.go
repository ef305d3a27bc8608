package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/evidence-router/internal/core/domain"
)

type queryMessage struct {
	ID       string            `json:"id,omitempty"`
	Text     string            `json:"query"`
	CallerID string            `json:"caller_id,omitempty"`
	Hints    domain.QueryHints `json:"hints,omitzero"`

	// SubmittedAt lets workers measure queue lag.
	SubmittedAt time.Time `json:"submitted_at,omitzero"`
}

type replyMessage struct {
	Result *domain.AggregatedResult `json:"result,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

func queryMessageFrom(q domain.Query) queryMessage {
	return queryMessage{ID: q.ID, Text: q.Text, CallerID: q.CallerID, Hints: q.Hints, SubmittedAt: q.ReceivedAt}
}

func decodeQueryMessage(data []byte) (domain.Query, error) {
	var msg queryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.Query{}, domain.WrapError(domain.ErrInvalidInput, "decode query message", err)
	}
	if strings.TrimSpace(msg.Text) == "" {
		return domain.Query{}, domain.WrapError(domain.ErrInvalidInput, "decode query message", errors.New("query is required"))
	}
	return domain.Query{
		ID:         msg.ID,
		Text:       msg.Text,
		CallerID:   msg.CallerID,
		Hints:      msg.Hints,
		ReceivedAt: msg.SubmittedAt,
	}, nil
}

func encodeReply(result *domain.AggregatedResult, handlerErr error) ([]byte, error) {
	msg := replyMessage{Result: result}
	if handlerErr != nil {
		msg.Error = handlerErr.Error()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal reply: %w", err)
	}
	return payload, nil
}
