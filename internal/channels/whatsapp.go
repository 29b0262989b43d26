package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/companionlabs/companiond/internal/ledger"
	"github.com/companionlabs/companiond/internal/models"
	"github.com/companionlabs/companiond/internal/vault"
)

// defaultGraphBase is the Meta Graph API root used to send replies.
const defaultGraphBase = "https://graph.facebook.com/v19.0"

// WhatsAppAdapter handles the Meta Business webhook: the GET verification
// handshake and inbound message delivery.
type WhatsAppAdapter struct {
	resolver
	gateway       *GatewayClient
	verifyToken   string
	fallbackToken string
	httpClient    *http.Client
	graphBase     string
}

// NewWhatsAppAdapter builds the adapter. fallbackToken is the operator-level
// Graph API token used to send replies when an instance's sealed credentials
// carry no access token of their own.
func NewWhatsAppAdapter(l *ledger.Ledger, v *vault.Vault, gateway *GatewayClient, verifyToken, fallbackToken string, limits RelayLimits) *WhatsAppAdapter {
	return &WhatsAppAdapter{
		resolver:      resolver{ledger: l, vault: v, limits: limits},
		gateway:       gateway,
		verifyToken:   verifyToken,
		fallbackToken: fallbackToken,
		httpClient:    &http.Client{},
		graphBase:     defaultGraphBase,
	}
}

// Verify answers the webhook subscription handshake. It returns the
// challenge to echo and whether the token matched.
func (a *WhatsAppAdapter) Verify(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || token == "" || token != a.verifyToken {
		return "", false
	}
	return challenge, true
}

// whatsAppPayload is the slice of the webhook body the adapter reads.
type whatsAppPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []struct {
					From string `json:"from"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// HandleInbound relays every text message in the webhook payload. Messages
// that cannot be routed or delivered are dropped; the provider always gets
// a 2xx so it stops retrying.
func (a *WhatsAppAdapter) HandleInbound(ctx context.Context, payload []byte) {
	var body whatsAppPayload
	if errDecode := json.Unmarshal(payload, &body); errDecode != nil {
		log.WithError(errDecode).Warn("channels: malformed whatsapp payload")
		return
	}
	for _, entry := range body.Entry {
		for _, change := range entry.Changes {
			phoneNumberID := change.Value.Metadata.PhoneNumberID
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || msg.Text.Body == "" {
					continue
				}
				a.relay(ctx, phoneNumberID, msg.From, msg.Text.Body)
			}
		}
	}
}

func (a *WhatsAppAdapter) relay(ctx context.Context, phoneNumberID, from, text string) {
	instance, creds, ok := a.instanceFor(ctx, models.ChannelWhatsApp, phoneNumberID)
	if !ok {
		return
	}
	accessToken := creds["access_token"]
	if accessToken == "" {
		accessToken = a.fallbackToken
	}
	if accessToken == "" {
		log.WithField("instance_id", instance.ID).
			Warn("channels: whatsapp credentials missing access token")
		return
	}
	if !a.allowRelay(ctx, instance) {
		return
	}
	reply := a.gateway.Ask(ctx, instance, from, text)
	if errSend := a.send(ctx, phoneNumberID, accessToken, from, reply); errSend != nil {
		log.WithField("instance_id", instance.ID).WithError(errSend).
			Warn("channels: send whatsapp reply")
	}
}

// send posts a text message through the Graph API.
func (a *WhatsAppAdapter) send(ctx context.Context, phoneNumberID, accessToken, to, text string) error {
	body, errMarshal := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": text},
	})
	if errMarshal != nil {
		return fmt.Errorf("channels: marshal whatsapp send: %w", errMarshal)
	}
	url := fmt.Sprintf("%s/%s/messages", a.graphBase, phoneNumberID)
	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if errReq != nil {
		return fmt.Errorf("channels: build whatsapp send: %w", errReq)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, errDo := a.httpClient.Do(req)
	if errDo != nil {
		return fmt.Errorf("channels: whatsapp send: %w", errDo)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("channels: whatsapp send answered %d", resp.StatusCode)
	}
	return nil
}
