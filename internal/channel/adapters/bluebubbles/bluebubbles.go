// Package bluebubbles implements the iMessage channel through a BlueBubbles
// server: webhook normalization and the REST API for outbound side effects.
package bluebubbles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/memohai/chatgate/internal/channel"
)

// Type is the registered channel type.
const Type = channel.ChannelBlueBubbles

const (
	defaultTimeout = 15 * time.Second
	chatQueryPage  = 500
	chatGUIDCache  = 1024
	// iMessage accepts long texts, but bridges truncate above this.
	textChunkLimit = 4000
)

// Adapter normalizes BlueBubbles webhooks and talks to the server REST API.
type Adapter struct {
	logger     *slog.Logger
	httpClient *http.Client
	// chat ROWIDs resolved to guids, keyed by server url and id.
	chatGUIDs *lru.Cache[string, string]
}

// NewAdapter creates an Adapter. A nil client uses a default with a timeout.
func NewAdapter(log *slog.Logger, client *http.Client) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	chatGUIDs, _ := lru.New[string, string](chatGUIDCache)
	return &Adapter{
		logger:     log.With(slog.String("adapter", "bluebubbles")),
		httpClient: client,
		chatGUIDs:  chatGUIDs,
	}
}

// Type returns the BlueBubbles channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the BlueBubbles channel metadata.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "BlueBubbles",
		Capabilities: channel.ChannelCapabilities{
			Text:         true,
			Reply:        true,
			Reactions:    true,
			Typing:       true,
			ReadReceipts: true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: textChunkLimit,
			Unit:           channel.UnitRunes,
		},
		WebhookSecretQuery:   []string{"password", "guid"},
		WebhookSecretHeaders: []string{"X-Password", "X-BlueBubbles-GUID"},
		DefaultWebhookPath:   "/bluebubbles-webhook",
	}
}

type apiResponse struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	} `json:"error"`
}

type sendTextRequest struct {
	ChatGUID            string `json:"chatGuid"`
	TempGUID            string `json:"tempGuid"`
	Message             string `json:"message"`
	Method              string `json:"method,omitempty"`
	SelectedMessageGUID string `json:"selectedMessageGuid,omitempty"`
	PartIndex           *int   `json:"partIndex,omitempty"`
}

type reactRequest struct {
	ChatGUID            string `json:"chatGuid"`
	SelectedMessageGUID string `json:"selectedMessageGuid"`
	Reaction            string `json:"reaction"`
	PartIndex           *int   `json:"partIndex,omitempty"`
}

// Send posts a text message, threaded under opts.ReplyToID when set.
func (a *Adapter) Send(ctx context.Context, account channel.Account, target channel.ChatTarget, text string, opts channel.SendOptions) (channel.SendResult, error) {
	chatGUID, err := a.resolveChatGUID(ctx, account, target)
	if err != nil {
		return channel.SendResult{}, err
	}
	req := sendTextRequest{
		ChatGUID: chatGUID,
		TempGUID: uuid.NewString(),
		Message:  text,
	}
	if replyTo := strings.TrimSpace(opts.ReplyToID); replyTo != "" {
		guid, part := splitPartIndex(replyTo)
		req.Method = "private-api"
		req.SelectedMessageGUID = guid
		req.PartIndex = part
	}
	var sent struct {
		GUID string `json:"guid"`
	}
	if err := a.call(ctx, account, http.MethodPost, "/api/v1/message/text", req, &sent); err != nil {
		return channel.SendResult{}, fmt.Errorf("bluebubbles send: %w", err)
	}
	return channel.SendResult{MessageID: sent.GUID}, nil
}

// React adds or removes a tapback on messageID.
func (a *Adapter) React(ctx context.Context, account channel.Account, target channel.ChatTarget, messageID string, emoji string, opts channel.ReactOptions) error {
	chatGUID, err := a.resolveChatGUID(ctx, account, target)
	if err != nil {
		return err
	}
	name, ok := tapbackName(emoji)
	if !ok {
		return fmt.Errorf("bluebubbles: unsupported reaction %q", emoji)
	}
	if opts.Remove {
		name = "-" + name
	}
	guid, part := splitPartIndex(messageID)
	req := reactRequest{
		ChatGUID:            chatGUID,
		SelectedMessageGUID: guid,
		Reaction:            name,
		PartIndex:           part,
	}
	if err := a.call(ctx, account, http.MethodPost, "/api/v1/message/react", req, nil); err != nil {
		return fmt.Errorf("bluebubbles react: %w", err)
	}
	return nil
}

// SetTyping starts or stops the typing indicator.
func (a *Adapter) SetTyping(ctx context.Context, account channel.Account, target channel.ChatTarget, on bool) error {
	chatGUID, err := a.resolveChatGUID(ctx, account, target)
	if err != nil {
		return err
	}
	method := http.MethodPost
	if !on {
		method = http.MethodDelete
	}
	if err := a.call(ctx, account, method, "/api/v1/chat/"+url.PathEscape(chatGUID)+"/typing", nil, nil); err != nil {
		return fmt.Errorf("bluebubbles typing: %w", err)
	}
	return nil
}

// MarkRead marks the chat as read.
func (a *Adapter) MarkRead(ctx context.Context, account channel.Account, target channel.ChatTarget) error {
	chatGUID, err := a.resolveChatGUID(ctx, account, target)
	if err != nil {
		return err
	}
	if err := a.call(ctx, account, http.MethodPost, "/api/v1/chat/"+url.PathEscape(chatGUID)+"/read", nil, nil); err != nil {
		return fmt.Errorf("bluebubbles mark read: %w", err)
	}
	return nil
}

func (a *Adapter) call(ctx context.Context, account channel.Account, method, path string, payload any, out any) error {
	base := strings.TrimRight(strings.TrimSpace(account.ServerURL), "/")
	if base == "" {
		return fmt.Errorf("server_url is required")
	}
	endpoint, err := url.Parse(base + path)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	q := endpoint.Query()
	q.Set("password", account.Secret)
	endpoint.RawQuery = q.Encode()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return err
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.logger.Warn("bluebubbles api error",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", truncate(string(respBody), 300)),
		)
		return fmt.Errorf("status %d: %s", resp.StatusCode, apiErrorMessage(respBody))
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Data) == 0 || string(parsed.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(parsed.Data, out); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}

func apiErrorMessage(body []byte) string {
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != nil && parsed.Error.Error != "" {
			return parsed.Error.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return strings.TrimSpace(truncate(string(body), 300))
}

// resolveChatGUID maps a target onto the chat guid the REST API expects.
// Numeric chat ids are looked up on the server.
func (a *Adapter) resolveChatGUID(ctx context.Context, account channel.Account, target channel.ChatTarget) (string, error) {
	if target.Kind != channel.TargetChatID {
		return chatGUIDFor(target)
	}
	key := strings.TrimRight(strings.TrimSpace(account.ServerURL), "/") + "|" + strconv.FormatInt(target.ChatID, 10)
	if guid, ok := a.chatGUIDs.Get(key); ok {
		return guid, nil
	}
	guid, err := a.lookupChatGUID(ctx, account, target.ChatID)
	if err != nil {
		return "", err
	}
	a.chatGUIDs.Add(key, guid)
	return guid, nil
}

type chatQueryRequest struct {
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
	With   []string `json:"with"`
}

type chatRow struct {
	GUID  string `json:"guid"`
	RowID int64  `json:"originalROWID"`
}

func (a *Adapter) lookupChatGUID(ctx context.Context, account channel.Account, chatID int64) (string, error) {
	for offset := 0; ; offset += chatQueryPage {
		var rows []chatRow
		req := chatQueryRequest{Limit: chatQueryPage, Offset: offset, With: []string{}}
		if err := a.call(ctx, account, http.MethodPost, "/api/v1/chat/query", req, &rows); err != nil {
			return "", fmt.Errorf("bluebubbles chat query: %w", err)
		}
		for _, row := range rows {
			if row.RowID == chatID && strings.TrimSpace(row.GUID) != "" {
				return row.GUID, nil
			}
		}
		if len(rows) < chatQueryPage {
			return "", fmt.Errorf("bluebubbles chat_id %d not found", chatID)
		}
	}
}

// chatGUIDFor derives the chat guid from targets that carry it directly.
func chatGUIDFor(target channel.ChatTarget) (string, error) {
	switch target.Kind {
	case channel.TargetChatGUID:
		if target.Value != "" {
			return target.Value, nil
		}
	case channel.TargetChatIdentifier:
		if target.Value != "" {
			sep := ";-;"
			if strings.HasPrefix(target.Value, "chat") {
				sep = ";+;"
			}
			return "iMessage" + sep + target.Value, nil
		}
	case channel.TargetHandle:
		if target.Value != "" {
			return serviceName(target.Service) + ";-;" + target.Value, nil
		}
	}
	return "", fmt.Errorf("bluebubbles cannot address target %q", target.String())
}

func serviceName(service string) string {
	if strings.EqualFold(service, "sms") {
		return "SMS"
	}
	return "iMessage"
}

// splitPartIndex splits "p:1/GUID" into GUID and part 1.
func splitPartIndex(id string) (string, *int) {
	rest, ok := strings.CutPrefix(id, "p:")
	if !ok {
		return id, nil
	}
	idx, guid, found := strings.Cut(rest, "/")
	if !found {
		return id, nil
	}
	n, err := strconv.Atoi(idx)
	if err != nil {
		return id, nil
	}
	return guid, &n
}

func tapbackName(emoji string) (string, bool) {
	emoji = strings.TrimSuffix(strings.TrimSpace(emoji), "\ufe0f")
	for _, tb := range tapbacks {
		if tb.emoji == emoji || strings.TrimSuffix(tb.emoji, "\ufe0f") == emoji || tb.name == strings.ToLower(emoji) {
			return tb.name, true
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
