package calendar

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"mailcal/internal/model"
)

// ICSDir writes one .ics file per event into an outbox directory. The
// reference is the file path.
type ICSDir struct {
	dir string
	now func() time.Time
}

func NewICSDir(dir string) (*ICSDir, error) {
	if dir == "" {
		return nil, errors.New("calendar: ics dir is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("calendar: create ics dir: %w", err)
	}
	return &ICSDir{dir: dir, now: time.Now}, nil
}

func (d *ICSDir) Name() string { return "ics" }

func (d *ICSDir) Insert(ctx context.Context, rec *model.EventRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	inv := Render(rec, ical.MethodPublish, "", d.now())

	name := rec.StartAt.Format("20060102T1504") + "-" + strings.TrimSuffix(inv.UID, "@mailcal") + ".ics"
	path := filepath.Join(d.dir, name)

	// temp file + rename so readers never see a partial file
	tmp, err := os.CreateTemp(d.dir, ".event-*.tmp")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(inv.Body); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("calendar: write %s: %w", path, err)
	}
	return path, nil
}
