package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"mailcal/internal/config"
	"mailcal/internal/log"
)

// IMAP polls a mailbox over implicit TLS for messages without \Seen.
// Message ids are "<uidvalidity>.<uid>".
type IMAP struct {
	cfg      config.IMAPConfig
	password string

	mu       sync.Mutex
	c        *client.Client
	validity uint32
}

// NewIMAP validates cfg. The connection is opened lazily on first use and
// re-dialed after any error.
func NewIMAP(cfg config.IMAPConfig, password string) (*IMAP, error) {
	if cfg.Addr == "" || cfg.Username == "" {
		return nil, errors.New("mailbox: imap addr and username are required")
	}
	if password == "" {
		return nil, fmt.Errorf("mailbox: %s is required", config.EnvIMAPPassword)
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &IMAP{cfg: cfg, password: password}, nil
}

func (m *IMAP) connect() (*client.Client, error) {
	if m.c != nil {
		return m.c, nil
	}
	host, _, err := net.SplitHostPort(m.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("mailbox: imap addr %q: %w", m.cfg.Addr, err)
	}
	c, err := client.DialTLS(m.cfg.Addr, &tls.Config{ServerName: host})
	if err != nil {
		return nil, fmt.Errorf("mailbox: IMAP dial failed: %w", err)
	}
	if err := c.Login(m.cfg.Username, m.password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("mailbox: IMAP login failed: %w", err)
	}
	status, err := c.Select(m.cfg.Mailbox, false)
	if err != nil {
		c.Logout()
		return nil, fmt.Errorf("mailbox: IMAP select %q failed: %w", m.cfg.Mailbox, err)
	}
	m.c = c
	m.validity = status.UidValidity
	return c, nil
}

// drop discards a connection that returned an error.
func (m *IMAP) drop() {
	if m.c != nil {
		m.c.Logout()
		m.c = nil
	}
}

func (m *IMAP) Unread(ctx context.Context) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.connect()
	if err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		m.drop()
		return nil, fmt.Errorf("mailbox: IMAP search failed: %w", err)
	}
	if len(uids) == 0 {
		return []Message{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids)+8)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	out := make([]Message, 0, len(uids))
	for msg := range messages {
		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}
		raw, err := io.ReadAll(literal)
		if err != nil {
			log.Warn("imap: reading fetched body failed", "uid", msg.Uid, "err", err)
			continue
		}
		payload, subject, err := PayloadFromMIME(raw)
		if err != nil {
			log.Warn("imap: skipping unparsable message", "uid", msg.Uid, "err", err)
			continue
		}
		out = append(out, Message{
			ID:      fmt.Sprintf("%d.%d", m.validity, msg.Uid),
			Subject: subject,
			Payload: payload,
		})
	}
	if err := <-done; err != nil {
		m.drop()
		return nil, fmt.Errorf("mailbox: IMAP fetch failed: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		return uidOf(out[i].ID) < uidOf(out[j].ID)
	})
	return out, nil
}

func (m *IMAP) MarkRead(ctx context.Context, id string) error {
	validity, uid, err := parseIMAPID(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.connect()
	if err != nil {
		return err
	}
	if validity != m.validity {
		return fmt.Errorf("mailbox: %q belongs to uidvalidity %d, mailbox is now %d", id, validity, m.validity)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqSet, item, []any{imap.SeenFlag}, nil); err != nil {
		m.drop()
		return fmt.Errorf("mailbox: IMAP store \\Seen failed: %w", err)
	}
	return nil
}

func (m *IMAP) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return nil
	}
	err := m.c.Logout()
	m.c = nil
	return err
}

func parseIMAPID(id string) (validity, uid uint32, err error) {
	v, u, ok := strings.Cut(id, ".")
	if !ok {
		return 0, 0, fmt.Errorf("mailbox: malformed imap id %q", id)
	}
	vv, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("mailbox: malformed imap id %q: %w", id, err)
	}
	uu, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("mailbox: malformed imap id %q: %w", id, err)
	}
	return uint32(vv), uint32(uu), nil
}

func uidOf(id string) uint32 {
	_, uid, _ := parseIMAPID(id)
	return uid
}
