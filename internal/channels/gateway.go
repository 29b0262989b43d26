// Package channels relays messages between messaging surfaces and the
// inference gateways running on companion VMs. Adapters drop undeliverable
// messages instead of erroring back to the channel provider; channel
// webhooks retry aggressively on non-2xx and a retry would just fail again.
package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/companionlabs/companiond/internal/models"
)

// FallbackReply is sent when the companion cannot be reached. A degraded
// answer beats silence.
const FallbackReply = "I'm having trouble connecting right now. Please try again in a moment."

// GatewayClient speaks the chat-completion protocol of an instance's
// inference gateway.
type GatewayClient struct {
	httpClient *http.Client
	port       int
}

// NewGatewayClient builds a client. The timeout must stay under the inbound
// webhook's own deadline so a hung companion cannot hang the adapter.
func NewGatewayClient(timeout time.Duration, port int) *GatewayClient {
	return &GatewayClient{
		httpClient: &http.Client{Timeout: timeout},
		port:       port,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string            `json:"model"`
	Messages []chatMessage     `json:"messages"`
	User     string            `json:"user"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// chatResponse accepts both the chat-completion shape and the flat shape
// older gateway builds answer with.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Response string `json:"response"`
}

// Ask relays one user message to the instance's gateway and returns the
// reply text. Any failure degrades to the static fallback reply.
func (c *GatewayClient) Ask(ctx context.Context, instance *models.Instance, sender, text string) string {
	if instance.PublicAddress == "" {
		log.WithField("instance_id", instance.ID).
			Warn("channels: relay before an address was observed")
		return FallbackReply
	}

	body, errMarshal := json.Marshal(chatRequest{
		Model:    instance.ModelName,
		Messages: []chatMessage{{Role: "user", Content: text}},
		User:     sender,
		Metadata: map[string]string{"channel": string(instance.Channel)},
	})
	if errMarshal != nil {
		log.WithError(errMarshal).Error("channels: marshal relay request")
		return FallbackReply
	}

	url := fmt.Sprintf("http://%s:%d/v1/chat/completions", instance.PublicAddress, c.port)
	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if errReq != nil {
		log.WithError(errReq).Error("channels: build relay request")
		return FallbackReply
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+instance.GatewayToken)

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		log.WithField("instance_id", instance.ID).WithError(errDo).
			Warn("channels: relay to gateway")
		return FallbackReply
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.WithFields(log.Fields{"instance_id": instance.ID, "status": resp.StatusCode}).
			Warn("channels: gateway answered non-200")
		return FallbackReply
	}

	var parsed chatResponse
	if errDecode := json.NewDecoder(resp.Body).Decode(&parsed); errDecode != nil {
		log.WithField("instance_id", instance.ID).WithError(errDecode).
			Warn("channels: decode gateway reply")
		return FallbackReply
	}
	if len(parsed.Choices) > 0 && parsed.Choices[0].Message.Content != "" {
		return parsed.Choices[0].Message.Content
	}
	if parsed.Response != "" {
		return parsed.Response
	}
	return FallbackReply
}
