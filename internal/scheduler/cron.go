package scheduler

import (
	"strings"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/ratchetd/ratchet/internal/domain"
)

// Cron is a parsed six-field cron expression
// (second minute hour day-of-month month day-of-week).
type Cron struct {
	expr *cronexpr.Expression
	src  string
}

// ParseCron validates and compiles a schedule expression. Exactly six
// fields are required; `* , - / L` carry their standard meanings.
func ParseCron(expression string) (*Cron, error) {
	if len(strings.Fields(expression)) != 6 {
		return nil, domain.E(domain.KindValidation,
			"cron expression %q must have 6 fields (second minute hour day-of-month month day-of-week)", expression)
	}
	// cronexpr reads six fields as minute..day-of-week plus year; a trailing
	// year wildcard makes it read the leading field as seconds.
	expr, err := cronexpr.Parse(expression + " *")
	if err != nil {
		return nil, domain.Wrap(domain.KindValidation, err, "invalid cron expression %q", expression)
	}
	return &Cron{expr: expr, src: expression}, nil
}

// NextAfter returns the first fire time strictly after t, or a zero time
// when the expression never fires again.
func (c *Cron) NextAfter(t time.Time) time.Time {
	return c.expr.Next(t.UTC())
}

// String returns the source expression.
func (c *Cron) String() string { return c.src }
