package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/policy"
	"github.com/ent0n29/companion/internal/reliability"
)

type chatRequest struct {
	Message string `json:"message"`
}

type chatReply struct {
	Response         *string  `json:"response"`
	Emotion          string   `json:"emotion"`
	EmotionIntensity *float64 `json:"emotion_intensity"`
}

// SendChat delivers message to /api/chat. Transport failures, timeouts,
// non-2xx statuses and success:false replies are retried with linear
// backoff; the caller only sees the error of the last attempt.
func (c *Client) SendChat(ctx context.Context, message string) (ChatExchange, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return ChatExchange{}, ErrEmptyMessage
	}
	sentAt := time.Now()
	req, err := jsonRequest(http.MethodPost, "/api/chat", chatRequest{Message: message})
	if err != nil {
		return ChatExchange{}, err
	}
	req.strict = true

	reply, attempts, err := reliability.Retry(ctx, c.chatRetry, func(ctx context.Context, attempt int) (chatReply, error) {
		r, err := c.chatOnce(ctx, req)
		c.countAttempt(err)
		if err != nil && attempt < c.chatRetry.MaxAttempts && ctx.Err() == nil && isRetryableChatError(err) {
			c.logger.Warn("chat attempt failed; retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.chatRetry.MaxAttempts),
				zap.Error(err),
			)
		}
		return r, err
	})
	if c.metrics != nil {
		c.metrics.ObserveChatLatency(time.Since(sentAt))
	}
	if err != nil {
		c.logger.Warn("chat failed",
			zap.Int("attempts", attempts.Count),
			zap.String("message", policy.LogSafe(message, 80)),
			zap.Error(err),
		)
		return ChatExchange{}, fmt.Errorf("send chat (%d attempt(s)): %w", attempts.Count, err)
	}

	ex := ChatExchange{
		RequestText:  message,
		ResponseText: *reply.Response,
		EmotionTag:   strings.TrimSpace(reply.Emotion),
		SentAt:       sentAt,
		ReceivedAt:   time.Now(),
		Attempts:     attempts.Count,
	}
	if reply.EmotionIntensity != nil {
		ex.EmotionIntensity = *reply.EmotionIntensity
	}
	return ex, nil
}

func (c *Client) chatOnce(ctx context.Context, req request) (chatReply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.chatTimeout)
	defer cancel()

	var reply chatReply
	if err := c.do(ctx, req, &reply); err != nil {
		return chatReply{}, err
	}
	if reply.Response == nil || strings.TrimSpace(*reply.Response) == "" {
		return chatReply{}, fmt.Errorf("%w: missing response text", ErrInvalidResponse)
	}
	return reply, nil
}

func (c *Client) countAttempt(err error) {
	if c.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		result = "timeout"
	case errors.Is(err, ErrServerError):
		result = "server_error"
	case errors.Is(err, ErrInvalidResponse):
		result = "invalid_response"
	default:
		result = "failed"
	}
	c.metrics.ChatAttempts.WithLabelValues(result).Inc()
}

func isRetryableChatError(err error) bool {
	return !errors.Is(err, ErrInvalidResponse) && !errors.Is(err, ErrEmptyMessage)
}
