package summary

import (
	"context"
	"errors"
	"strings"

	"github.com/nolzago/chat/backend/internal/chat"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	// DefaultMessageWindow is how many recent messages feed one summary.
	DefaultMessageWindow = 80

	// PendingText is returned while there is nothing to summarize or no summarizer is configured.
	PendingText = "Chat summary is not available yet."
	// UnavailableText is returned when the summarizer fails.
	UnavailableText = "Could not load the summary. Please try again later."

	maxQuestionLength = 500
)

var errMissingHistory = errors.New("message history is required")

// History exposes the most recent messages of a post, oldest first.
type History interface {
	ReadLatest(ctx context.Context, postID chat.PostID, count int) ([]chat.Message, error)
}

type ServiceConfig struct {
	History       History
	Summarizer    Summarizer
	MessageWindow int
	Logger        *zap.Logger
}

// Result is the summary handed back to a participant.
type Result struct {
	PostID        string `json:"post_id"`
	Summary       string `json:"summary"`
	MessagesCount int    `json:"messages_count"`
}

// Service builds chat summaries. A nil Summarizer leaves the feature disabled
// and every call returns PendingText.
type Service struct {
	history    History
	summarizer Summarizer
	window     int
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.History == nil {
		return nil, errMissingHistory
	}
	window := cfg.MessageWindow
	if window <= 0 {
		window = DefaultMessageWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		history:    cfg.History,
		summarizer: cfg.Summarizer,
		window:     window,
		logger:     logger,
	}, nil
}

// Summarize condenses the latest messages of postID. Summarizer failures are
// logged and reported through UnavailableText; only history failures return an error.
func (s *Service) Summarize(ctx context.Context, postID chat.PostID, question string) (Result, error) {
	messages, err := s.history.ReadLatest(ctx, postID, s.window)
	if err != nil {
		return Result{}, err
	}
	result := Result{PostID: postID.String(), MessagesCount: len(messages), Summary: PendingText}
	if s.summarizer == nil || len(messages) == 0 {
		return result, nil
	}

	lines := lo.Map(messages, func(message chat.Message, _ int) string {
		return message.Sender.String() + ": " + message.Body
	})
	text, err := s.summarizer.Summarize(ctx, lines, trimQuestion(question))
	if err != nil {
		s.logger.Warn("chat summary failed",
			zap.String("operation", "summary.summarize"),
			zap.String("post_id", postID.String()),
			zap.Int("messages", len(lines)),
			zap.Error(err))
		result.Summary = UnavailableText
		return result, nil
	}
	result.Summary = text
	return result, nil
}

func trimQuestion(question string) string {
	question = strings.TrimSpace(question)
	runes := []rune(question)
	if len(runes) > maxQuestionLength {
		return string(runes[:maxQuestionLength])
	}
	return question
}
