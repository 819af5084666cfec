// Package relay forwards chat completion turns to the model provider on
// behalf of authenticated clients. The provider credential lives only on
// the server; clients never see it.
package relay

// Chat roles accepted on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of the conversation being forwarded.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnRequest is the client payload. Only these fields are forwarded
// upstream; anything else a client sends is dropped, never rejected.
// Optional overrides are pointers so an absent field is distinguishable
// from a zero value.
type TurnRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
}

// upstreamPayload is exactly what goes over the wire to the provider.
type upstreamPayload struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float64       `json:"top_p"`
}

// completionResponse is the subset of the provider's chat completion
// response the relay reads.
type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// TurnResponse is what the relay returns to clients on success.
type TurnResponse struct {
	Reply string `json:"reply"`
	Model string `json:"model"`
}

// FallbackReply is returned when the provider answers 2xx but supplies no
// usable completion.
const FallbackReply = "I apologize, but I was unable to generate a response."

// Defaults fill in generation parameters the client did not send.
type Defaults struct {
	Model       string
	Temperature float64
	MaxTokens   int
	TopP        float64
}

func (d Defaults) apply(req TurnRequest) upstreamPayload {
	p := upstreamPayload{
		Model:       d.Model,
		Messages:    req.Messages,
		Temperature: d.Temperature,
		MaxTokens:   d.MaxTokens,
		TopP:        d.TopP,
	}
	if req.Model != "" {
		p.Model = req.Model
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		p.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		p.TopP = *req.TopP
	}
	return p
}
