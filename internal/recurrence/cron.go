package recurrence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidCronExpression = errors.New("invalid cron expression")
	ErrUnboundedWindow       = errors.New("unbounded window")
	ErrInvalidSchedule       = errors.New("invalid schedule")
)

// starBit marks a field written as "*" (or "?"), matching robfig/cron.
const starBit = 1 << 63

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Cron is a parsed five-field cron expression. Each field is a bitmask of
// the values it matches.
type Cron struct {
	expr   string
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64
}

// ParseCron parses a standard five-field expression such as
// "0 18,22 * 11-12,1-4 6,0,1". Descriptors (@daily, @every) and TZ prefixes
// are rejected: the zone always comes from the schedule.
func ParseCron(expr string) (*Cron, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidCronExpression)
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: timezone prefix not allowed", ErrInvalidCronExpression)
	}

	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCronExpression, expr)
	}

	return &Cron{
		expr:   expr,
		minute: spec.Minute,
		hour:   spec.Hour,
		dom:    spec.Dom,
		month:  spec.Month,
		dow:    spec.Dow,
	}, nil
}

func (c *Cron) String() string {
	return c.expr
}

func (c *Cron) matchesMonth(m int) bool {
	return c.month&(1<<uint(m)) != 0
}

// matchesDay applies the usual cron rule: when both day-of-month and
// day-of-week are restricted, either may match.
func (c *Cron) matchesDay(dom, dow int) bool {
	domMatch := c.dom&(1<<uint(dom)) != 0
	dowMatch := c.dow&(1<<uint(dow)) != 0
	if c.dom&starBit != 0 || c.dow&starBit != 0 {
		return domMatch && dowMatch
	}
	return domMatch || dowMatch
}

func (c *Cron) hours() []int {
	return bits(c.hour, 0, 23)
}

func (c *Cron) minutes() []int {
	return bits(c.minute, 0, 59)
}

func bits(mask uint64, lo, hi int) []int {
	var out []int
	for i := lo; i <= hi; i++ {
		if mask&(1<<uint(i)) != 0 {
			out = append(out, i)
		}
	}
	return out
}
