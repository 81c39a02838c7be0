package mailbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nalgeon/be"

	"mailcal/internal/config"
	"mailcal/internal/extract"
	"mailcal/internal/nested"
)

const gmailDoc = `{
  "id": "18c1",
  "labelIds": ["UNREAD", "IMPORTANT", "INBOX"],
  "payload": {
    "mimeType": "multipart/alternative",
    "headers": [
      {"name": "From", "value": "boss@example.com"},
      {"name": "subject", "value": "!!일정!! 회의"}
    ],
    "body": {"size": 0},
    "parts": [
      {"mimeType": "text/plain", "body": {"size": 60, "data": "7KCc66qpOiDso7zqsIQg7ZqM7J2YCuyLnOqwhDogMjAyMOuFhCAx7JuUIDXsnbwg7Jik7ZuEIDLsi5wK"}}
    ]
  }
}`

func writeSpool(t *testing.T, dir, name, data string) {
	t.Helper()
	be.Err(t, os.WriteFile(filepath.Join(dir, name), []byte(data), 0o600), nil)
}

func TestSpoolUnreadAndMarkRead(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewSpool(dir)
	be.Err(t, err, nil)

	writeSpool(t, dir, "001.json", gmailDoc)
	writeSpool(t, dir, "002.json", `{"id": "read-one", "labelIds": ["INBOX"], "payload": {}}`)
	writeSpool(t, dir, "003.json", `{"id": `)
	writeSpool(t, dir, "004.json", `{"payload": {"body": {"data": "eA"}}}`)
	writeSpool(t, dir, "notes.txt", "ignored")

	msgs, err := s.Unread(ctx)
	be.Err(t, err, nil)
	be.Equal(t, len(msgs), 2)

	be.Equal(t, msgs[0].ID, "18c1")
	be.Equal(t, msgs[0].Subject, "!!일정!! 회의")
	data, err := nested.FindFirst(msgs[0].Payload, "data")
	be.Err(t, err, nil)
	fields, err := extract.Extract([]byte(data.(string)), extract.DefaultTable())
	be.Err(t, err, nil)
	be.Equal(t, fields.Get(extract.FieldTitle), "주간 회의")

	// no id in the document: the file name stands in
	be.Equal(t, msgs[1].ID, "004")
	be.Equal(t, msgs[1].Subject, "")

	be.Err(t, s.MarkRead(ctx, "18c1"), nil)
	_, err = os.Stat(filepath.Join(dir, "done", "001.json"))
	be.Err(t, err, nil)

	msgs, err = s.Unread(ctx)
	be.Err(t, err, nil)
	be.Equal(t, len(msgs), 1)
	be.Equal(t, msgs[0].ID, "004")

	be.True(t, s.MarkRead(ctx, "missing") != nil)
}

func TestHeader(t *testing.T) {
	doc, err := nested.Decode([]byte(gmailDoc))
	be.Err(t, err, nil)
	payload, _ := doc.(nested.Map).Get("payload")

	be.Equal(t, Header(payload, "Subject"), "!!일정!! 회의")
	be.Equal(t, Header(payload, "FROM"), "boss@example.com")
	be.Equal(t, Header(payload, "To"), "")
	be.Equal(t, Header("not a map", "Subject"), "")
}

func decodeFirstData(t *testing.T, payload nested.Node) string {
	t.Helper()
	data, err := nested.FindFirst(payload, "data")
	be.Err(t, err, nil)
	text, err := extract.DecodeBody([]byte(data.(string)))
	be.Err(t, err, nil)
	return text
}

func TestPayloadFromMIMEMultipart(t *testing.T) {
	raw := strings.Join([]string{
		"From: boss@example.com",
		"To: me@example.com",
		"Subject: =?UTF-8?B?ISHsnbzsoJUhISDtmozsnZg=?=",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: 8bit",
		"",
		"제목: 주간 회의",
		"시간: 5일 14시",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>제목: 주간 회의</p>",
		"--b1--",
		"",
	}, "\r\n")

	payload, subject, err := PayloadFromMIME([]byte(raw))
	be.Err(t, err, nil)
	be.Equal(t, subject, "!!일정!! 회의")
	be.Equal(t, Header(payload, "Subject"), "!!일정!! 회의")
	be.Equal(t, Header(payload, "To"), "me@example.com")

	text := decodeFirstData(t, payload)
	fields := extract.ExtractText(text, extract.DefaultTable())
	be.Equal(t, fields.Get(extract.FieldTitle), "주간 회의")
	be.Equal(t, fields.Get(extract.FieldStartTime), "5일 14시")

	parts, _ := payload.Get("parts")
	be.Equal(t, len(parts.([]any)), 2)
}

func TestPayloadFromMIMEHTMLOnly(t *testing.T) {
	raw := "Subject: plain subject\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><body><p>제목: 점심</p><p>장소: 구내식당</p></body></html>\r\n"

	payload, subject, err := PayloadFromMIME([]byte(raw))
	be.Err(t, err, nil)
	be.Equal(t, subject, "plain subject")

	fields := extract.ExtractText(decodeFirstData(t, payload), extract.DefaultTable())
	be.Equal(t, fields.Get(extract.FieldTitle), "점심")
	be.Equal(t, fields.Get(extract.FieldLocation), "구내식당")
}

func TestPayloadFromMIMECharset(t *testing.T) {
	raw := "Subject: euc-kr\r\n" +
		"Content-Type: text/plain; charset=euc-kr\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"waa48TogwaG9yQ==\r\n"

	payload, _, err := PayloadFromMIME([]byte(raw))
	be.Err(t, err, nil)
	be.Equal(t, decodeFirstData(t, payload), "제목: 점심")
}

func TestParseIMAPID(t *testing.T) {
	v, uid, err := parseIMAPID("7.42")
	be.Err(t, err, nil)
	be.Equal(t, v, uint32(7))
	be.Equal(t, uid, uint32(42))

	for _, bad := range []string{"", "42", "x.1", "1.y"} {
		_, _, err := parseIMAPID(bad)
		be.True(t, err != nil)
	}
}

func TestNewIMAPRequiresPassword(t *testing.T) {
	_, err := NewIMAP(cfgIMAP(), "")
	be.True(t, err != nil)

	m, err := NewIMAP(cfgIMAP(), "pw")
	be.Err(t, err, nil)
	be.Equal(t, m.cfg.Mailbox, "INBOX")
	be.Err(t, m.Close(), nil)
}

func cfgIMAP() config.IMAPConfig {
	return config.IMAPConfig{Addr: "imap.example.com:993", Username: "me@example.com"}
}
