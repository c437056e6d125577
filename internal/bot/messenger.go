package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// API is the subset of the Telegram client the bot uses. *tgbotapi.BotAPI
// implements it.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Messenger implements pipeline.Messenger over the Telegram Bot API.
type Messenger struct {
	api    API
	client *http.Client
}

// NewMessenger creates a Messenger. A nil client uses a client with a
// five-minute timeout for file downloads.
func NewMessenger(api API, client *http.Client) *Messenger {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Messenger{api: api, client: client}
}

// Reply sends text as a reply to replyTo. With html set the text is parsed
// as HTML.
func (m *Messenger) Reply(ctx context.Context, chatID int64, replyTo int, text string, html bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	if html {
		msg.ParseMode = tgbotapi.ModeHTML
	}
	sent, err := m.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return sent.MessageID, nil
}

// Edit replaces the text of a message sent by the bot.
func (m *Messenger) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := m.api.Request(tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// Delete removes a message sent by the bot.
func (m *Messenger) Delete(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := m.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// Download streams the file identified by fileID into w.
func (m *Messenger) Download(ctx context.Context, fileID string, w io.Writer) (int64, error) {
	fileURL, err := m.api.GetFileDirectURL(fileID)
	if err != nil {
		return 0, fmt.Errorf("resolve file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", redact(err))
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download file: %w", redact(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download file: unexpected status %s", resp.Status)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download file: %w", redact(err))
	}
	return n, nil
}

// redact drops the request URL from transport errors. File URLs embed the
// bot token and error texts reach users.
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
