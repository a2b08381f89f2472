package cron

import (
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// fieldParser accepts standard 5-field expressions: minute, hour, day of
// month, month, day of week (0 is Sunday).
var fieldParser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow)

// every fires at a fixed interval. Unlike robfig's @every it keeps
// sub-second precision.
type every time.Duration

func (d every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}

func parseSchedule(spec string) (robfig.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if rest, ok := strings.CutPrefix(spec, "@every"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("interval must be positive")
		}
		return every(d), nil
	}
	return fieldParser.Parse(spec)
}
