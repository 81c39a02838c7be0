// Package calendar submits built events: to Google Calendar, to .ics files,
// or as e-mailed invitations.
package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mailcal/internal/config"
	"mailcal/internal/log"
	"mailcal/internal/model"
)

// ErrPermanent marks sink errors that will not go away on retry, such as a
// rejected request or an invite without recipients.
var ErrPermanent = errors.New("calendar: permanent failure")

// Sink accepts one event and returns a reference to what it created
// (an event id, a file path, a Message-Id).
type Sink interface {
	Name() string
	Insert(ctx context.Context, rec *model.EventRecord) (string, error)
}

// Open builds the sinks enabled in cfg, in the order google, ics, smtp.
func Open(ctx context.Context, cfg config.SinksConfig) (Sink, error) {
	sinks := make([]Sink, 0, 3)
	if cfg.Google != nil {
		g, err := NewGoogle(ctx, *cfg.Google)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, g)
	}
	if cfg.ICSDir != "" {
		f, err := NewICSDir(cfg.ICSDir)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, f)
	}
	if cfg.SMTP != nil {
		s, err := NewSMTP(*cfg.SMTP, config.Secret(config.EnvSMTPPassword))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}

	switch len(sinks) {
	case 0:
		return nil, errors.New("calendar: no sink configured")
	case 1:
		return sinks[0], nil
	default:
		return Multi(sinks), nil
	}
}

// Multi inserts into every sink in order and stops at the first error.
// The returned reference joins each sink's reference with ", ".
type Multi []Sink

func (m Multi) Name() string {
	names := make([]string, 0, len(m))
	for _, s := range m {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

func (m Multi) Insert(ctx context.Context, rec *model.EventRecord) (string, error) {
	done, err := Deliver(ctx, m, rec, nil)
	return done.Ref(m), err
}

// Delivered maps a sink name to the reference it returned.
type Delivered map[string]string

// Ref joins the references of the members of s that were delivered, in
// member order.
func (d Delivered) Ref(s Sink) string {
	refs := make([]string, 0, len(d))
	for _, m := range members(s) {
		if ref, ok := d[m.Name()]; ok {
			refs = append(refs, ref)
		}
	}
	return strings.Join(refs, ", ")
}

// Deliver inserts rec into every member of s (the sinks of a Multi, or s
// itself) that is not already in done, stopping at the first error. The
// result holds done plus the members delivered by this call, also on error.
func Deliver(ctx context.Context, s Sink, rec *model.EventRecord, done Delivered) (Delivered, error) {
	out := make(Delivered, len(done)+1)
	for name, ref := range done {
		out[name] = ref
	}
	for _, m := range members(s) {
		if _, ok := out[m.Name()]; ok {
			continue
		}
		ref, err := m.Insert(ctx, rec)
		if err != nil {
			return out, fmt.Errorf("%s: %w", m.Name(), err)
		}
		out[m.Name()] = ref
	}
	return out, nil
}

func members(s Sink) []Sink {
	if m, ok := s.(Multi); ok {
		return m
	}
	return []Sink{s}
}

// DryRun logs the event it would have submitted.
type DryRun struct{}

func (DryRun) Name() string { return "dry-run" }

func (DryRun) Insert(_ context.Context, rec *model.EventRecord) (string, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	log.Info("dry-run: event not submitted", "message_id", rec.SourceID, "event", string(body))
	return "dry-run", nil
}
