package workflow

import (
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is how the next claim time is logged and reported.
const TimestampLayout = "2006-01-02 15:04:05"

type cooldownForm struct {
	pattern *regexp.Regexp
	layouts []string
}

// Both forms show up in the dialog depending on the account's locale.
var cooldownForms = []cooldownForm{
	{
		pattern: regexp.MustCompile(`\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}(?::\d{2})?`),
		layouts: []string{"2006-01-02 15:04:05", "2006-01-02 15:04"},
	},
	{
		pattern: regexp.MustCompile(`\d{2}/\d{2}/\d{4}\s+\d{2}:\d{2}`),
		layouts: []string{"01/02/2006 15:04"},
	},
}

// cooldownNotice is what the dialog message says about the next claim.
type cooldownNotice struct {
	// Raw is the matched text.
	Raw string
	// Next is zero when Raw matched a pattern but is not a real date.
	Next time.Time
}

func (c cooldownNotice) parsed() bool { return !c.Next.IsZero() }

// parseCooldown looks for a next-claim timestamp in the first line of the
// dialog message. ok is false when the dialog shows no cooldown.
func parseCooldown(message string, loc *time.Location) (cooldownNotice, bool) {
	message = strings.TrimSpace(message)
	if message == "" {
		return cooldownNotice{}, false
	}
	first, _, _ := strings.Cut(message, "\n")

	for _, form := range cooldownForms {
		raw := form.pattern.FindString(first)
		if raw == "" {
			continue
		}
		normalized := strings.Join(strings.Fields(raw), " ")
		for _, layout := range form.layouts {
			if t, err := time.ParseInLocation(layout, normalized, loc); err == nil {
				return cooldownNotice{Raw: raw, Next: t}, true
			}
		}
		return cooldownNotice{Raw: raw}, true
	}
	return cooldownNotice{}, false
}
