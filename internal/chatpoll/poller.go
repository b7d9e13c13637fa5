package chatpoll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/reeve/reeve/internal/common/logger"
)

// defaultMaxConsecutiveErrors bounds how long the poller tolerates an
// unreachable Telegram API before giving up.
const defaultMaxConsecutiveErrors = 10

// Config holds the poller settings.
type Config struct {
	Token                string // bot token
	AuthorizedPeer       int64  // only this user id may schedule pulses
	APIURL               string // pulse HTTP API base URL
	APIToken             string // bearer token for the pulse API
	OffsetPath           string // persisted update offset
	MaxConsecutiveErrors int    // defaults to 10
}

// Poller long-polls Telegram and turns authorized messages into pulses.
type Poller struct {
	cfg     Config
	tg      *TelegramClient
	api     *pulseAPIClient
	offsets *OffsetStore
	logger  *logger.Logger
}

// New creates a poller against the production Telegram API.
func New(cfg Config, log *logger.Logger) *Poller {
	return NewWithClient(cfg, NewTelegramClient(cfg.Token), log)
}

// NewWithClient allows tests to substitute the Telegram client.
func NewWithClient(cfg Config, tg *TelegramClient, log *logger.Logger) *Poller {
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = defaultMaxConsecutiveErrors
	}
	return &Poller{
		cfg:     cfg,
		tg:      tg,
		api:     newPulseAPIClient(cfg.APIURL, cfg.APIToken),
		offsets: NewOffsetStore(cfg.OffsetPath),
		logger:  log.WithComponent("chatpoll"),
	}
}

// Run verifies the bot token, then polls until the context is cancelled.
// It returns nil on clean shutdown and an error on fatal failures; the
// caller exits non-zero on the latter.
func (p *Poller) Run(ctx context.Context) error {
	me, err := p.tg.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("bot token verification failed: %w", err)
	}
	p.logger.Info("bot verified",
		zap.String("username", me.Username),
		zap.Int64("bot_id", me.ID),
		zap.Int64("authorized_peer", p.cfg.AuthorizedPeer))

	offset, err := p.offsets.Load()
	if err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 5 * time.Minute
	consecutive := 0

	for {
		if ctx.Err() != nil {
			p.logger.Info("poller stopping")
			return nil
		}

		updates, err := p.tg.GetUpdates(ctx, offset+1)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var fatal *FatalError
			if errors.As(err, &fatal) {
				return fmt.Errorf("polling aborted: %w", err)
			}
			consecutive++
			if consecutive >= p.cfg.MaxConsecutiveErrors {
				return fmt.Errorf("giving up after %d consecutive polling errors: %w", consecutive, err)
			}
			wait := bo.NextBackOff()
			p.logger.Warn("poll failed, backing off",
				zap.Error(err),
				zap.Int("consecutive", consecutive),
				zap.Duration("wait", wait))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		var handleErr error
		for _, update := range updates {
			if err := p.handleUpdate(ctx, &update); err != nil {
				// Leave the offset untouched so the message is retried
				// on the next poll.
				handleErr = err
				break
			}
			offset = update.UpdateID
			if err := p.offsets.Save(offset); err != nil {
				return err
			}
		}
		if handleErr != nil {
			consecutive++
			if consecutive >= p.cfg.MaxConsecutiveErrors {
				return fmt.Errorf("giving up after %d consecutive polling errors: %w", consecutive, handleErr)
			}
			wait := bo.NextBackOff()
			p.logger.Error("failed to handle update, backing off",
				zap.Error(handleErr),
				zap.Int("consecutive", consecutive),
				zap.Duration("wait", wait))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		consecutive = 0
		bo.Reset()
	}
}

// handleUpdate schedules a pulse for an authorized text message. Everything
// else advances the offset silently.
func (p *Poller) handleUpdate(ctx context.Context, update *Update) error {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return nil
	}
	if msg.From == nil || msg.From.ID != p.cfg.AuthorizedPeer {
		p.logger.Warn("ignoring message from unauthorized peer",
			zap.Int64("peer", peerID(msg.From)),
			zap.Int64("chat", msg.Chat.ID))
		return nil
	}

	prompt := fmt.Sprintf("Telegram message from %s: %s", msg.From.DisplayName(), msg.Text)
	if err := p.api.schedulePulse(ctx, prompt); err != nil {
		return err
	}
	p.logger.Info("scheduled pulse from chat message",
		zap.Int64("update_id", update.UpdateID),
		zap.Int64("message_id", msg.MessageID))
	return nil
}

func peerID(u *User) int64 {
	if u == nil {
		return 0
	}
	return u.ID
}

// pulseAPIClient posts to the pulse HTTP ingress.
type pulseAPIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newPulseAPIClient(baseURL, token string) *pulseAPIClient {
	return &pulseAPIClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// schedulePulse files the message as an immediate critical pulse.
func (c *pulseAPIClient) schedulePulse(ctx context.Context, prompt string) error {
	body, err := json.Marshal(map[string]any{
		"prompt":       prompt,
		"scheduled_at": "now",
		"priority":     "critical",
		"tags":         []string{"telegram", "user_message"},
		"source":       "telegram",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pulse/schedule", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build schedule request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("schedule request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("schedule request rejected (%d): %s", resp.StatusCode, string(raw))
	}
	return nil
}
