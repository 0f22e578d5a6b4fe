package classifier

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var months = map[string]time.Month{
	"jan": time.January, "january": time.January,
	"feb": time.February, "february": time.February,
	"mar": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May,
	"jun": time.June, "june": time.June,
	"jul": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "sept": time.September, "september": time.September,
	"oct": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December,
}

const monthPattern = `(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?`

var (
	isoDate       = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	monthDayDate  = regexp.MustCompile(`\b` + monthPattern + `\s+(\d{1,2})(?:st|nd|rd|th)?(?:,?\s+(\d{4}))?\b`)
	dayMonthDate  = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?` + monthPattern + `(?:,?\s+(\d{4}))?\b`)
	slashDate     = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})(?:/(\d{2,4}))?\b`)
	inDays        = regexp.MustCompile(`\bin (\d{1,2}|one|two|three|four|five|six|seven) days?\b`)
	relativeToday = regexp.MustCompile(`\b(?:today|tonight|by eod|end of (?:the )?day|this (?:morning|afternoon|evening))\b`)
	relativeTmrw  = regexp.MustCompile(`\btomorrow\b`)
	relativeWeek  = regexp.MustCompile(`\bnext week\b`)
)

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
}

// ExtractDates finds calendar dates mentioned in lower-cased text. Dates
// without a year take the year of ref and roll over to the next year when
// they would land before ref's day. Results are midnight in ref's location.
func ExtractDates(text string, ref time.Time) []time.Time {
	loc := ref.Location()
	today := startOfDay(ref)
	var out []time.Time

	add := func(y int, m time.Month, d int, explicitYear bool) {
		if m < time.January || m > time.December || d < 1 || d > 31 {
			return
		}
		t := time.Date(y, m, d, 0, 0, 0, 0, loc)
		// time.Date normalizes 31 Feb into March; reject it
		if t.Day() != d {
			return
		}
		if !explicitYear && t.Before(today) {
			t = t.AddDate(1, 0, 0)
		}
		out = append(out, t)
	}

	for _, m := range isoDate.FindAllStringSubmatch(text, -1) {
		add(atoi(m[1]), time.Month(atoi(m[2])), atoi(m[3]), true)
	}
	for _, m := range monthDayDate.FindAllStringSubmatch(text, -1) {
		y, explicit := yearOr(m[3], today.Year())
		add(y, months[strings.TrimSuffix(m[1], ".")], atoi(m[2]), explicit)
	}
	for _, m := range dayMonthDate.FindAllStringSubmatch(text, -1) {
		y, explicit := yearOr(m[3], today.Year())
		add(y, months[strings.TrimSuffix(m[2], ".")], atoi(m[1]), explicit)
	}
	for _, m := range slashDate.FindAllStringSubmatch(text, -1) {
		y, explicit := yearOr(m[3], today.Year())
		add(y, time.Month(atoi(m[1])), atoi(m[2]), explicit)
	}

	for _, m := range inDays.FindAllStringSubmatch(text, -1) {
		n, ok := numberWords[m[1]]
		if !ok {
			n = atoi(m[1])
		}
		out = append(out, today.AddDate(0, 0, n))
	}
	if relativeToday.MatchString(text) {
		out = append(out, today)
	}
	if relativeTmrw.MatchString(text) {
		out = append(out, today.AddDate(0, 0, 1))
	}
	if relativeWeek.MatchString(text) {
		out = append(out, today.AddDate(0, 0, 7))
	}
	return out
}

func yearOr(s string, fallback int) (int, bool) {
	if s == "" {
		return fallback, false
	}
	y := atoi(s)
	if len(s) == 2 {
		y += 2000
	}
	return y, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
