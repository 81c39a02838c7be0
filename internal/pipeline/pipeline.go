// Package pipeline runs one poll: list unread mail, turn each scheduling
// mail into an event, submit it, and record the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mailcal/internal/calendar"
	"mailcal/internal/event"
	"mailcal/internal/extract"
	"mailcal/internal/ledger"
	"mailcal/internal/log"
	"mailcal/internal/mailbox"
	"mailcal/internal/model"
	"mailcal/internal/nested"
)

// BodyKey is the payload key holding base64url body data.
const BodyKey = "data"

// DefaultMaxAttempts bounds submissions of one message when Options leaves
// MaxAttempts at zero.
const DefaultMaxAttempts = 5

// Ledger is the part of *ledger.Ledger the pipeline uses.
type Ledger interface {
	Lookup(ctx context.Context, id string) (ledger.Entry, bool, error)
	Record(ctx context.Context, e ledger.Entry) error
}

// DuplicateFinder reports whether rec already exists in the target calendar.
type DuplicateFinder interface {
	Duplicate(ctx context.Context, rec *model.EventRecord) (model.Occurrence, bool, error)
}

// Options are the per-deployment knobs.
type Options struct {
	// SubjectMarker must be contained in the subject. Empty accepts every mail.
	SubjectMarker string
	Labels        extract.Table
	// DryRun leaves the mailbox and ledger untouched.
	DryRun bool
	// MaxAttempts is how many polls may try to submit one message before it
	// is skipped. Zero means DefaultMaxAttempts.
	MaxAttempts int
}

// Pipeline wires a source to a sink. Ledger and Guard may be nil.
type Pipeline struct {
	Source  mailbox.Source
	Sink    calendar.Sink
	Builder *event.Builder
	Ledger  Ledger
	Guard   DuplicateFinder
	Options Options

	mu sync.Mutex
}

// Report summarizes one poll.
type Report struct {
	Listed  int `json:"listed"`
	Ignored int `json:"ignored"` // subject without the marker
	Done    int `json:"done"`    // already handled in an earlier poll
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`

	Entries []ledger.Entry `json:"entries"`
}

func (r *Report) add(e ledger.Entry) {
	switch e.Outcome {
	case ledger.Created:
		r.Created++
	case ledger.Skipped:
		r.Skipped++
	case ledger.Failed:
		r.Failed++
	}
	r.Entries = append(r.Entries, e)
}

// Poll processes every unread message once. Only a failure to list the
// mailbox is returned as an error; per-message problems end up in the Report.
func (p *Pipeline) Poll(ctx context.Context) (Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var rep Report
	msgs, err := p.Source.Unread(ctx)
	if err != nil {
		return rep, fmt.Errorf("pipeline: list unread: %w", err)
	}
	rep.Listed = len(msgs)

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !strings.Contains(msg.Subject, p.Options.SubjectMarker) {
			rep.Ignored++
			continue
		}
		prev, done := p.previous(ctx, msg)
		if done {
			rep.Done++
			continue
		}

		e := p.process(ctx, msg, prev)
		e.At = time.Now()
		p.record(ctx, e)
		rep.add(e)
	}

	log.Info("poll finished",
		"listed", rep.Listed, "ignored", rep.Ignored, "done", rep.Done,
		"created", rep.Created, "skipped", rep.Skipped, "failed", rep.Failed)
	return rep, nil
}

// previous returns the ledger entry of an earlier poll and whether it is
// final. A created event whose mail is still unread gets another MarkRead
// attempt.
func (p *Pipeline) previous(ctx context.Context, msg mailbox.Message) (ledger.Entry, bool) {
	if p.Ledger == nil {
		return ledger.Entry{}, false
	}
	prev, ok, err := p.Ledger.Lookup(ctx, msg.ID)
	if err != nil {
		log.Error("ledger lookup failed", err, "message_id", msg.ID)
		return ledger.Entry{}, false
	}
	if !ok {
		return ledger.Entry{}, false
	}
	if !prev.Outcome.Final() {
		return prev, false
	}
	if prev.Outcome == ledger.Created {
		p.markRead(ctx, msg.ID)
	}
	return prev, true
}

// process turns one message into a ledger entry. It never returns an error:
// every failure is a skipped or failed outcome. prev is the failed entry of
// an earlier poll, if any; sinks it lists as delivered are not called again.
func (p *Pipeline) process(ctx context.Context, msg mailbox.Message, prev ledger.Entry) ledger.Entry {
	e := ledger.Entry{MessageID: msg.ID}
	skip := func(reason string) ledger.Entry {
		e.Outcome = ledger.Skipped
		e.Reason = reason
		log.Warn("message skipped", "message_id", msg.ID, "reason", reason)
		return e
	}

	rec, err := p.Build(msg.Payload)
	if err != nil {
		return skip(err.Error())
	}
	rec.SourceID = msg.ID
	e.Summary = rec.Summary
	e.Start = rec.Start.DateTime

	// once a sink has the event the guard would find it there
	if p.Guard != nil && len(prev.Delivered) == 0 {
		occ, dup, err := p.Guard.Duplicate(ctx, rec)
		if err != nil {
			log.Warn("duplicate check incomplete", "message_id", msg.ID, "err", err)
		}
		if dup {
			e = skip(fmt.Sprintf("duplicate of %s in %s", occ.UID, occ.SourceID))
			p.markRead(ctx, msg.ID)
			return e
		}
	}

	delivered, err := calendar.Deliver(ctx, p.Sink, rec, prev.Delivered)
	e.Attempts = prev.Attempts + 1
	e.Ref = delivered.Ref(p.Sink)
	if len(delivered) > 0 {
		e.Delivered = delivered
	}
	if err != nil {
		log.Error("event insert failed", err, "message_id", msg.ID, "sink", p.Sink.Name(), "attempt", e.Attempts)
		switch {
		case errors.Is(err, calendar.ErrPermanent):
			return skip(err.Error())
		case e.Attempts >= p.maxAttempts():
			return skip(fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, err))
		}
		e.Outcome = ledger.Failed
		e.Reason = err.Error()
		return e
	}
	e.Outcome = ledger.Created
	log.Info("event created", "message_id", msg.ID, "summary", rec.Summary, "start", e.Start, "ref", e.Ref)

	p.markRead(ctx, msg.ID)
	return e
}

// Build extracts and builds the event carried by a Gmail-shaped payload.
func (p *Pipeline) Build(payload nested.Node) (*model.EventRecord, error) {
	node, err := nested.FindFirst(payload, BodyKey)
	if err != nil {
		return nil, fmt.Errorf("no body: %w", err)
	}
	data, ok := node.(string)
	if !ok {
		return nil, errors.New("no body: body data is not a string")
	}
	fields, err := extract.Extract([]byte(data), p.labels())
	if err != nil {
		return nil, err
	}
	return p.Builder.BuildFields(fields)
}

func (p *Pipeline) maxAttempts() int {
	if p.Options.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.Options.MaxAttempts
}

func (p *Pipeline) labels() extract.Table {
	if len(p.Options.Labels) == 0 {
		return extract.DefaultTable()
	}
	return p.Options.Labels
}

func (p *Pipeline) markRead(ctx context.Context, id string) {
	if p.Options.DryRun {
		return
	}
	if err := p.Source.MarkRead(ctx, id); err != nil {
		log.Error("mark read failed", err, "message_id", id)
	}
}

func (p *Pipeline) record(ctx context.Context, e ledger.Entry) {
	if p.Options.DryRun || p.Ledger == nil {
		return
	}
	if err := p.Ledger.Record(ctx, e); err != nil {
		log.Error("ledger record failed", err, "message_id", e.MessageID)
	}
}
