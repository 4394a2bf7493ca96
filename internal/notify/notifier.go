package notify

import (
	"context"
	"log"
	"strconv"

	"teamplan/internal/domain"
	"teamplan/internal/telegram"
)

// Transport is the outbound surface the notifier needs from the chat
// platform client.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string, keyboard *telegram.InlineKeyboardMarkup) error
}

type Notifier struct {
	Transport Transport
}

// Send delivers one message to an account's chat.
func (n Notifier) Send(ctx context.Context, a domain.Account, text string) error {
	chatID, err := strconv.ParseInt(a.ExternalID, 10, 64)
	if err != nil {
		return err
	}
	return n.Transport.SendMessage(ctx, chatID, text, nil)
}

// BroadcastResult summarizes a fan-out delivery.
type BroadcastResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Broadcast sends text to every account. Per-recipient failures are logged
// and counted; they never abort the remaining deliveries.
func (n Notifier) Broadcast(ctx context.Context, accounts []domain.Account, text string) BroadcastResult {
	var res BroadcastResult
	for _, a := range accounts {
		if err := n.Send(ctx, a, text); err != nil {
			log.Printf("notify: broadcast to account %d failed: %v", a.ID, err)
			res.Failed++
			continue
		}
		res.Sent++
	}
	return res
}
