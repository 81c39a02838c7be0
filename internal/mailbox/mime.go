package mailbox

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/emersion/go-message/mail"

	// Register charset decoders (euc-kr, iso-2022-kr, windows-949 via
	// golang.org/x/text, ...).
	_ "github.com/emersion/go-message/charset"

	"mailcal/internal/nested"
)

// headers copied into the payload.
var keptHeaders = []string{"Subject", "From", "To", "Date", "Message-Id"}

// PayloadFromMIME parses an RFC 5322 message and shapes it like a Gmail API
// payload:
//
//	{mimeType, headers: [{name, value}...], parts: [{mimeType, body: {data}}...]}
//
// Part data is base64url, text/plain first. An HTML-only mail gets a
// text/plain part converted from its HTML.
func PayloadFromMIME(raw []byte) (nested.Map, string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("mailbox: parse message: %w", err)
	}
	defer mr.Close()

	subject, err := mr.Header.Subject()
	if err != nil {
		subject = mr.Header.Get("Subject")
	}

	headers := make([]any, 0, len(keptHeaders))
	for _, name := range keptHeaders {
		value := mr.Header.Get(name)
		if name == "Subject" {
			value = subject
		}
		if value == "" {
			continue
		}
		headers = append(headers, nested.Map{
			{Key: "name", Value: name},
			{Key: "value", Value: value},
		})
	}

	var plainText, htmlText string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("mailbox: read part: %w", err)
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := mime.ParseMediaType(h.Get("Content-Type"))
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, "", fmt.Errorf("mailbox: read part body: %w", err)
		}
		switch ct {
		case "text/html":
			if htmlText == "" {
				htmlText = string(b)
			}
		case "text/plain", "":
			if plainText == "" {
				plainText = string(b)
			}
		}
	}

	if plainText == "" && htmlText != "" {
		md, err := htmltomarkdown.ConvertString(htmlText)
		if err != nil {
			return nil, "", fmt.Errorf("mailbox: convert html body: %w", err)
		}
		plainText = strings.TrimSpace(md)
	}

	parts := make([]any, 0, 2)
	if plainText != "" {
		parts = append(parts, part("text/plain", plainText))
	}
	if htmlText != "" {
		parts = append(parts, part("text/html", htmlText))
	}

	payload := nested.Map{
		{Key: "mimeType", Value: "multipart/alternative"},
		{Key: nested.HeadersKey, Value: headers},
		{Key: "parts", Value: parts},
	}
	return payload, subject, nil
}

func part(mimeType, text string) nested.Map {
	return nested.Map{
		{Key: "mimeType", Value: mimeType},
		{Key: "body", Value: nested.Map{
			{Key: "size", Value: float64(len(text))},
			{Key: "data", Value: base64.URLEncoding.EncodeToString([]byte(text))},
		}},
	}
}
