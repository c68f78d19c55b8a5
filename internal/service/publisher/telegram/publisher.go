package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/service/publisher"
	"github.com/ifuryst/herald/pkg/util"
)

const (
	PlatformName = "telegram"

	maxTextLen    = 4096
	maxCaptionLen = 1024
)

// Sender is the subset of *tele.Bot used for delivery.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Config struct {
	Token      string
	APIURL     string
	RatePerSec int
	Offline    bool
}

// NewBot builds a send-only bot. No poller is started.
func NewBot(cfg Config) (*tele.Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	return tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: cfg.Offline,
	})
}

// Publisher sends posts to telegram chats. Targets are numeric chat ids.
type Publisher struct {
	sender  Sender
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewPublisher(sender Sender, ratePerSec int, logger *zap.Logger) *Publisher {
	if ratePerSec <= 0 {
		ratePerSec = 25
	}
	return &Publisher{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		logger:  logger,
	}
}

func (p *Publisher) GetPlatformName() string {
	return PlatformName
}

func (p *Publisher) Publish(ctx context.Context, target string, content publisher.PublishContent) (*publisher.PublishResult, error) {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q: %w", target, err)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("telegram rate limit wait: %w", err)
	}

	what, err := Render(content)
	if err != nil {
		return nil, err
	}
	msg, err := p.sender.Send(tele.ChatID(chatID), what, &tele.SendOptions{ParseMode: tele.ModeHTML})
	if err != nil {
		return nil, fmt.Errorf("telegram send to %d: %w", chatID, err)
	}

	result := &publisher.PublishResult{Success: true, PublishedAt: time.Now().UTC()}
	if msg != nil {
		result.PublishID = strconv.Itoa(msg.ID)
	}
	return result, nil
}

// Render builds the telebot payload: plain text, or a media object with the text as caption.
func Render(content publisher.PublishContent) (interface{}, error) {
	text := formatText(content)
	if content.MediaType == models.MediaTypeNone || content.MediaRef == "" {
		return util.Truncate(text, maxTextLen), nil
	}

	file := tele.File{FileID: content.MediaRef}
	if strings.HasPrefix(content.MediaRef, "http://") || strings.HasPrefix(content.MediaRef, "https://") {
		file = tele.FromURL(content.MediaRef)
	}
	caption := util.Truncate(text, maxCaptionLen)

	switch content.MediaType {
	case models.MediaTypePhoto:
		return &tele.Photo{File: file, Caption: caption}, nil
	case models.MediaTypeVideo:
		return &tele.Video{File: file, Caption: caption}, nil
	case models.MediaTypeDocument:
		return &tele.Document{File: file, Caption: caption}, nil
	case models.MediaTypeAnimation:
		return &tele.Animation{File: file, Caption: caption}, nil
	default:
		return nil, fmt.Errorf("unsupported media type %q", content.MediaType)
	}
}

func formatText(content publisher.PublishContent) string {
	title := strings.TrimSpace(content.Title)
	body := strings.TrimSpace(content.Content)
	switch {
	case title == "":
		return html.EscapeString(body)
	case body == "":
		return "<b>" + html.EscapeString(title) + "</b>"
	default:
		return "<b>" + html.EscapeString(title) + "</b>\n\n" + html.EscapeString(body)
	}
}
