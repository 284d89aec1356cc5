package service

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// DateRange 是从查询中解析出的时间范围，两端都包含。
type DateRange struct {
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	Phrase string    `json:"phrase"`
}

// Contains 判断 t 是否落在范围内。
func (d DateRange) Contains(t time.Time) bool {
	return !t.Before(d.From) && !t.After(d.To)
}

// Normalized 返回追加到检索文本中的规范化表述。
func (d DateRange) Normalized() string {
	return "from " + d.From.Format(dateLayout) + " to " + d.To.Format(dateLayout)
}

type temporalRule struct {
	pattern *regexp.Regexp
	resolve func(m []string, now time.Time) (from, to time.Time, ok bool)
}

var monthNames = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March, "april": time.April,
	"may": time.May, "june": time.June, "july": time.July, "august": time.August,
	"september": time.September, "october": time.October, "november": time.November, "december": time.December,
}

const monthPattern = `(january|february|march|april|may|june|july|august|september|october|november|december)`

var temporalRules = []temporalRule{
	{
		pattern: regexp.MustCompile(`\b(?:between|from)\s+(\d{4}-\d{2}-\d{2})\s+(?:and|to|until)\s+(\d{4}-\d{2}-\d{2})\b`),
		resolve: func(m []string, now time.Time) (time.Time, time.Time, bool) {
			from, err1 := time.ParseInLocation(dateLayout, m[1], now.Location())
			to, err2 := time.ParseInLocation(dateLayout, m[2], now.Location())
			if err1 != nil || err2 != nil {
				return time.Time{}, time.Time{}, false
			}
			if to.Before(from) {
				from, to = to, from
			}
			return from, endOfDay(to), true
		},
	},
	{
		pattern: regexp.MustCompile(`\b(?:in|during)\s+` + monthPattern + `(?:\s+(\d{4}))?\b`),
		resolve: func(m []string, now time.Time) (time.Time, time.Time, bool) {
			month := monthNames[m[1]]
			year := now.Year()
			if m[2] != "" {
				year, _ = strconv.Atoi(m[2])
			} else if month > now.Month() {
				year--
			}
			from := time.Date(year, month, 1, 0, 0, 0, 0, now.Location())
			return from, endOfDay(from.AddDate(0, 1, -1)), true
		},
	},
	{
		pattern: regexp.MustCompile(`\b(?:in\s+the\s+)?(?:last|past)\s+(\d{1,3})\s+days?\b`),
		resolve: func(m []string, now time.Time) (time.Time, time.Time, bool) {
			n, err := strconv.Atoi(m[1])
			if err != nil || n <= 0 {
				return time.Time{}, time.Time{}, false
			}
			return startOfDay(now.AddDate(0, 0, -n)), endOfDay(now), true
		},
	},
	{
		pattern: regexp.MustCompile(`\byesterday\b`),
		resolve: func(_ []string, now time.Time) (time.Time, time.Time, bool) {
			d := now.AddDate(0, 0, -1)
			return startOfDay(d), endOfDay(d), true
		},
	},
	{
		pattern: regexp.MustCompile(`\btoday\b`),
		resolve: func(_ []string, now time.Time) (time.Time, time.Time, bool) {
			return startOfDay(now), endOfDay(now), true
		},
	},
	{
		pattern: regexp.MustCompile(`\b(last|this)\s+(week|month|year)\b`),
		resolve: func(m []string, now time.Time) (time.Time, time.Time, bool) {
			from, to := periodBounds(m[2], now)
			if m[1] == "last" {
				from, to = periodBounds(m[2], from.Add(-time.Nanosecond))
			}
			return from, to, true
		},
	},
}

// ParseTemporal 识别查询中的时间表达式，返回范围以及去掉该表达式后的小写查询。
func ParseTemporal(query string, now time.Time) (*DateRange, string) {
	q := strings.ToLower(query)
	for _, rule := range temporalRules {
		loc := rule.pattern.FindStringSubmatchIndex(q)
		if loc == nil {
			continue
		}
		m := make([]string, len(loc)/2)
		for i := range m {
			if loc[2*i] >= 0 {
				m[i] = q[loc[2*i]:loc[2*i+1]]
			}
		}
		from, to, ok := rule.resolve(m, now)
		if !ok {
			continue
		}
		rest := strings.Join(strings.Fields(q[:loc[0]]+" "+q[loc[1]:]), " ")
		return &DateRange{From: from, To: to, Phrase: m[0]}, rest
	}
	return nil, q
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// periodBounds 返回 t 所在自然周（周一开始）、月或年的起止。
func periodBounds(unit string, t time.Time) (time.Time, time.Time) {
	day := startOfDay(t)
	switch unit {
	case "week":
		from := day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
		return from, from.AddDate(0, 0, 7).Add(-time.Nanosecond)
	case "month":
		from := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location())
		return from, from.AddDate(0, 1, 0).Add(-time.Nanosecond)
	default:
		from := time.Date(day.Year(), time.January, 1, 0, 0, 0, 0, day.Location())
		return from, from.AddDate(1, 0, 0).Add(-time.Nanosecond)
	}
}
