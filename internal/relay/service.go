package relay

import (
	"context"
	"fmt"
)

// Service is the in-process face of the relay for other packages (the chat
// transcript flow uses it to generate assistant replies). Same sanitization
// and fallback behavior as the HTTP handler, without the HTTP skin.
type Service struct {
	client   *Client
	defaults Defaults
}

func NewService(client *Client, defaults Defaults) *Service {
	return &Service{client: client, defaults: defaults}
}

// Reply generates one assistant reply for the given conversation.
func (s *Service) Reply(ctx context.Context, messages []ChatMessage) (string, error) {
	payload := s.defaults.apply(TurnRequest{Messages: messages})
	result, err := s.client.Complete(ctx, payload)
	if err != nil {
		return "", err
	}
	if !result.OK() {
		return "", fmt.Errorf("relay: provider returned status %d", result.StatusCode)
	}
	reply, _ := replyFromResult(result, payload.Model)
	return reply, nil
}
