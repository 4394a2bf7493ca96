package notify

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"teamplan/internal/domain"
	"teamplan/internal/telegram"
)

type fakeTransport struct {
	sent    []int64
	failFor map[int64]bool
}

func (f *fakeTransport) SendMessage(ctx context.Context, chatID int64, text string, kb *telegram.InlineKeyboardMarkup) error {
	if f.failFor[chatID] {
		return errors.New("delivery failed")
	}
	f.sent = append(f.sent, chatID)
	return nil
}

func accounts(n int) []domain.Account {
	var out []domain.Account
	for i := 1; i <= n; i++ {
		out = append(out, domain.Account{ID: int64(i), ExternalID: strconv.Itoa(100 + i)})
	}
	return out
}

func TestBroadcastCountsFailures(t *testing.T) {
	tr := &fakeTransport{failFor: map[int64]bool{102: true, 104: true}}
	n := Notifier{Transport: tr}

	res := n.Broadcast(context.Background(), accounts(5), "hello")
	if res.Sent != 3 || res.Failed != 2 {
		t.Fatalf("expected {sent:3 failed:2}, got %+v", res)
	}
	if len(tr.sent) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(tr.sent))
	}
}

func TestBroadcastEmptyCohort(t *testing.T) {
	n := Notifier{Transport: &fakeTransport{}}
	res := n.Broadcast(context.Background(), nil, "hello")
	if res.Sent != 0 || res.Failed != 0 {
		t.Fatalf("expected zero result, got %+v", res)
	}
}

func TestSendRejectsBadExternalID(t *testing.T) {
	n := Notifier{Transport: &fakeTransport{}}
	if err := n.Send(context.Background(), domain.Account{ID: 1, ExternalID: "not-a-chat"}, "hi"); err == nil {
		t.Fatal("expected error for non-numeric external id")
	}
}
