// Package notify combines staff notification channels.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/medrelay/internal/triage"
)

// Named is a notifier with a label used in error messages.
type Named struct {
	Name     string
	Notifier triage.Notifier
}

// Fanout delivers each alert to every configured notifier.
type Fanout struct {
	targets []Named
}

// NewFanout returns a Fanout over targets. Entries with a nil notifier are skipped.
func NewFanout(targets ...Named) *Fanout {
	f := &Fanout{}
	for _, t := range targets {
		if t.Notifier != nil {
			f.targets = append(f.targets, t)
		}
	}
	return f
}

// Len reports how many notifiers are configured.
func (f *Fanout) Len() int { return len(f.targets) }

// Notify sends al to every target. All targets are tried; failures are joined.
func (f *Fanout) Notify(ctx context.Context, al *triage.Alert) error {
	if len(f.targets) == 0 {
		return triage.ErrNoNotifier
	}
	var errs []error
	for _, t := range f.targets {
		if err := t.Notifier.Notify(ctx, al); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}
