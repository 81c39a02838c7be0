package mailbox

import (
	"context"
	"fmt"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"mailcal/internal/config"
	"mailcal/internal/googleauth"
	"mailcal/internal/nested"
)

const gmailUser = "me"

// Gmail lists messages labeled UNREAD and INBOX through the Gmail API and
// marks them read by removing the UNREAD label.
type Gmail struct {
	svc *gmail.Service
}

// NewGmail authorizes with the stored OAuth token.
func NewGmail(ctx context.Context, auth config.GoogleAuthConfig) (*Gmail, error) {
	client, err := googleauth.HTTPClient(ctx, auth, gmail.GmailModifyScope)
	if err != nil {
		return nil, err
	}
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("mailbox: gmail service: %w", err)
	}
	return &Gmail{svc: svc}, nil
}

func (g *Gmail) Unread(ctx context.Context) ([]Message, error) {
	ids := make([]string, 0, 16)
	err := g.svc.Users.Messages.List(gmailUser).
		LabelIds(RequiredLabels...).
		Pages(ctx, func(res *gmail.ListMessagesResponse) error {
			for _, m := range res.Messages {
				ids = append(ids, m.Id)
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("mailbox: gmail list: %w", err)
	}

	// The API lists newest first.
	out := make([]Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		msg, err := g.svc.Users.Messages.Get(gmailUser, ids[i]).Format("full").Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("mailbox: gmail get %s: %w", ids[i], err)
		}
		payload, err := nested.FromValue(msg.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, Message{
			ID:      msg.Id,
			Subject: Header(payload, "Subject"),
			Payload: payload,
		})
	}
	return out, nil
}

func (g *Gmail) MarkRead(ctx context.Context, id string) error {
	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{LabelUnread}}
	if _, err := g.svc.Users.Messages.Modify(gmailUser, id, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("mailbox: gmail remove UNREAD from %s: %w", id, err)
	}
	return nil
}

func (g *Gmail) Close() error { return nil }
