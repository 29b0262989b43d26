package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/companionlabs/companiond/internal/ledger"
	"github.com/companionlabs/companiond/internal/models"
	"github.com/companionlabs/companiond/internal/vault"
)

// defaultTeamsLoginURL issues Bot Framework tokens via client credentials.
const defaultTeamsLoginURL = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"

// TeamsAdapter handles Bot Framework activities for companions wired to
// Microsoft Teams. The routing key is the bot's app id, carried on the
// activity as the recipient.
type TeamsAdapter struct {
	resolver
	gateway    *GatewayClient
	httpClient *http.Client
	loginURL   string
}

// NewTeamsAdapter builds the adapter.
func NewTeamsAdapter(l *ledger.Ledger, v *vault.Vault, gateway *GatewayClient, limits RelayLimits) *TeamsAdapter {
	return &TeamsAdapter{
		resolver:   resolver{ledger: l, vault: v, limits: limits},
		gateway:    gateway,
		httpClient: &http.Client{},
		loginURL:   defaultTeamsLoginURL,
	}
}

// teamsActivity is the slice of a Bot Framework activity the adapter reads
// and echoes back when replying.
type teamsActivity struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	ServiceURL   string        `json:"serviceUrl"`
	From         teamsAccount  `json:"from"`
	Recipient    teamsAccount  `json:"recipient"`
	Conversation teamsConvRef  `json:"conversation"`
	ReplyToID    string        `json:"replyToId,omitempty"`
}

type teamsAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type teamsConvRef struct {
	ID string `json:"id"`
}

// HandleInbound relays one Bot Framework activity. Non-message activities
// and unroutable bots are dropped.
func (a *TeamsAdapter) HandleInbound(ctx context.Context, payload []byte) {
	var activity teamsActivity
	if errDecode := json.Unmarshal(payload, &activity); errDecode != nil {
		log.WithError(errDecode).Warn("channels: malformed teams activity")
		return
	}
	if activity.Type != "message" || strings.TrimSpace(activity.Text) == "" {
		return
	}
	appID := normalizeTeamsAppID(activity.Recipient.ID)
	if appID == "" {
		return
	}

	instance, creds, ok := a.instanceFor(ctx, models.ChannelTeams, appID)
	if !ok {
		return
	}
	password := creds["app_password"]
	if password == "" {
		log.WithField("instance_id", instance.ID).
			Warn("channels: teams credentials missing app password")
		return
	}

	if !a.allowRelay(ctx, instance) {
		return
	}
	reply := a.gateway.Ask(ctx, instance, activity.From.ID, activity.Text)
	if errSend := a.send(ctx, appID, password, activity, reply); errSend != nil {
		log.WithField("instance_id", instance.ID).WithError(errSend).
			Warn("channels: send teams reply")
	}
}

// send posts the reply into the originating conversation.
func (a *TeamsAdapter) send(ctx context.Context, appID, password string, inbound teamsActivity, text string) error {
	token, errToken := a.accessToken(ctx, appID, password)
	if errToken != nil {
		return errToken
	}

	out := teamsActivity{
		Type:         "message",
		Text:         text,
		From:         inbound.Recipient,
		Recipient:    inbound.From,
		Conversation: inbound.Conversation,
	}
	body, errMarshal := json.Marshal(out)
	if errMarshal != nil {
		return fmt.Errorf("channels: marshal teams activity: %w", errMarshal)
	}

	endpoint := fmt.Sprintf("%s/v3/conversations/%s/activities",
		strings.TrimSuffix(inbound.ServiceURL, "/"), url.PathEscape(inbound.Conversation.ID))
	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if errReq != nil {
		return fmt.Errorf("channels: build teams send: %w", errReq)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, errDo := a.httpClient.Do(req)
	if errDo != nil {
		return fmt.Errorf("channels: teams send: %w", errDo)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("channels: teams send answered %d", resp.StatusCode)
	}
	return nil
}

// accessToken exchanges the bot's client credentials for a Bot Framework
// token. Tokens are fetched per delivery; Teams traffic for a single
// companion is low enough that caching is not worth the state.
func (a *TeamsAdapter) accessToken(ctx context.Context, appID, password string) (string, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {appID},
		"client_secret": {password},
		"scope":         {"https://api.botframework.com/.default"},
	}
	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, a.loginURL,
		strings.NewReader(form.Encode()))
	if errReq != nil {
		return "", fmt.Errorf("channels: build teams token request: %w", errReq)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, errDo := a.httpClient.Do(req)
	if errDo != nil {
		return "", fmt.Errorf("channels: teams token request: %w", errDo)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("channels: teams token endpoint answered %d", resp.StatusCode)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
	}
	if errDecode := json.NewDecoder(resp.Body).Decode(&parsed); errDecode != nil {
		return "", fmt.Errorf("channels: decode teams token: %w", errDecode)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("channels: teams token endpoint returned no token")
	}
	return parsed.AccessToken, nil
}

// normalizeTeamsAppID strips the "28:" bot prefix Teams puts on recipient
// ids so the stored app id matches.
func normalizeTeamsAppID(recipientID string) string {
	return strings.TrimPrefix(strings.TrimSpace(recipientID), "28:")
}
