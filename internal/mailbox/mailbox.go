// Package mailbox lists unread scheduling mails and marks them read once
// they have been handled.
//
// Every source yields Gmail-shaped payloads ({headers, body, parts}) so the
// same key lookup finds the body regardless of where the mail came from.
package mailbox

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"mailcal/internal/config"
	"mailcal/internal/nested"
)

// Labels a Gmail message must carry to be listed.
const (
	LabelUnread = "UNREAD"
	LabelInbox  = "INBOX"
)

// RequiredLabels are the labels every listed message must carry.
var RequiredLabels = []string{LabelUnread, LabelInbox}

// Message is one unread mail.
type Message struct {
	// ID is stable across polls and is what MarkRead and the ledger key on.
	ID      string
	Subject string
	// Payload is the Gmail-shaped message part tree.
	Payload nested.Node
}

// Source is a mailbox the pipeline polls.
type Source interface {
	// Unread lists the messages that are still unread, oldest first.
	Unread(ctx context.Context) ([]Message, error)
	// MarkRead flags a message as handled so later polls skip it.
	MarkRead(ctx context.Context, id string) error
	Close() error
}

// Open builds the source selected by cfg.Kind.
func Open(ctx context.Context, cfg config.SourceConfig) (Source, error) {
	switch cfg.Kind {
	case config.SourceSpool, "":
		return NewSpool(cfg.SpoolDir)
	case config.SourceIMAP:
		return NewIMAP(cfg.IMAP, config.Secret(config.EnvIMAPPassword))
	case config.SourceGmail:
		return NewGmail(ctx, cfg.Gmail)
	default:
		return nil, fmt.Errorf("mailbox: unknown source kind %q", cfg.Kind)
	}
}

// Header returns the first header named name (case-insensitive) from a
// Gmail-shaped payload.
func Header(payload nested.Node, name string) string {
	m, ok := payload.(nested.Map)
	if !ok {
		return ""
	}
	v, ok := m.Get(nested.HeadersKey)
	if !ok {
		return ""
	}
	headers, _ := v.([]any)
	for _, h := range headers {
		hm, ok := h.(nested.Map)
		if !ok {
			continue
		}
		if strings.EqualFold(hm.String("name"), name) {
			return hm.String("value")
		}
	}
	return ""
}

// hasLabels reports whether a Gmail message document carries all of want.
// Documents without labelIds pass.
func hasLabels(doc nested.Map, want []string) bool {
	v, ok := doc.Get("labelIds")
	if !ok {
		return true
	}
	seq, _ := v.([]any)
	have := make([]string, 0, len(seq))
	for _, l := range seq {
		if s, ok := l.(string); ok {
			have = append(have, s)
		}
	}
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

// fromDocument splits a Gmail API message document into a Message. The
// payload subtree is used when present, otherwise the whole document.
func fromDocument(doc nested.Node, fallbackID string) Message {
	msg := Message{ID: fallbackID, Payload: doc}
	m, ok := doc.(nested.Map)
	if !ok {
		return msg
	}
	if id := m.String("id"); id != "" {
		msg.ID = id
	}
	if p, ok := m.Get("payload"); ok {
		msg.Payload = p
	}
	msg.Subject = Header(msg.Payload, "Subject")
	return msg
}
