// Package notify reports finished sync passes to the user.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/beekhof/intra-calsync/internal/httpretry"
)

// Notification summarizes one sync pass.
type Notification struct {
	RunID    string    `json:"run_id"`
	Success  bool      `json:"success"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Created  int       `json:"created"`
	Updated  int       `json:"updated"`
	Deleted  int       `json:"deleted"`
	Errors   []string  `json:"errors,omitempty"`
	Finished time.Time `json:"finished"`
}

// Notifier delivers a notification. Callers treat failures as non-fatal.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Log writes notifications to the structured log.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("run_id", n.RunID),
		zap.Int("created", n.Created),
		zap.Int("updated", n.Updated),
		zap.Int("deleted", n.Deleted),
	}
	if n.Success {
		l.log.Info(n.Title+": "+n.Message, fields...)
	} else {
		l.log.Warn(n.Title+": "+n.Message, append(fields, zap.Strings("errors", n.Errors))...)
	}
	return nil
}

// SignatureHeader carries the HMAC of a webhook body.
const SignatureHeader = "X-Calsync-Signature"

// Webhook POSTs notifications as JSON, signed with HMAC-SHA256 when a
// secret is configured.
type Webhook struct {
	url    string
	secret string
	http   httpretry.Doer
}

func NewWebhook(url, secret string, doer httpretry.Doer) *Webhook {
	if doer == nil {
		doer = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: url, secret: secret, http: doer}
}

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		sig, err := Sign(payload, w.secret)
		if err != nil {
			return err
		}
		req.Header.Set(SignatureHeader, sig)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign returns "sha256=<hex hmac>" of payload.
func Sign(payload []byte, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret cannot be empty")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
