package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	tele "gopkg.in/telebot.v4"

	"github.com/ifuryst/herald/pkg/util"
)

// Sender is the subset of *tele.Bot used here.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramNotifier reports events to an operator chat.
type TelegramNotifier struct {
	sender Sender
	chatID int64
}

func NewTelegramNotifier(sender Sender, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{sender: sender, chatID: chatID}
}

func (n *TelegramNotifier) Notify(_ context.Context, event Event) error {
	if _, err := n.sender.Send(tele.ChatID(n.chatID), FormatAdminMessage(event), &tele.SendOptions{ParseMode: tele.ModeHTML}); err != nil {
		return fmt.Errorf("telegram admin notify: %w", err)
	}
	return nil
}

func FormatAdminMessage(event Event) string {
	var b strings.Builder
	switch event.Type {
	case EventPublished:
		b.WriteString("✅ <b>Published</b>")
	case EventError:
		b.WriteString("❌ <b>Publication failed</b>")
	case EventExpired:
		b.WriteString("⌛ <b>Expired</b>")
	default:
		b.WriteString("<b>" + html.EscapeString(string(event.Type)) + "</b>")
	}
	fmt.Fprintf(&b, "\n%s\n<code>%s</code>", html.EscapeString(util.Truncate(event.Title, 200)), html.EscapeString(event.PostID))
	if event.Error != "" {
		fmt.Fprintf(&b, "\n\n%s", html.EscapeString(util.Truncate(event.Error, 1000)))
	}
	return b.String()
}
