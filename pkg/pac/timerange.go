package pac

import (
	"strings"
	"time"

	"github.com/robertkrimen/otto"
)

var (
	weekdays = []string{"SUN", "MON", "TUE", "WED", "THU", "FRI", "SAT"}
	months   = []string{"JAN", "FEB", "MAR", "APR", "MAY", "JUN", "JUL", "AUG", "SEP", "OCT", "NOV", "DEC"}
)

// rangeArg is one argument to weekdayRange, dateRange or timeRange: either a
// number or a name.
type rangeArg struct {
	str   string
	num   int
	isNum bool
}

func toRangeArgs(values []otto.Value) []rangeArg {
	args := make([]rangeArg, 0, len(values))
	for _, v := range values {
		if v.IsNumber() {
			n, err := v.ToInteger()
			if err == nil {
				args = append(args, rangeArg{num: int(n), isNum: true})
				continue
			}
		}
		args = append(args, rangeArg{str: v.String()})
	}
	return args
}

// withZone strips a trailing "GMT" argument. The clock reading is converted
// to UTC when it is present and left in local time otherwise.
func withZone(now time.Time, args []rangeArg) (time.Time, []rangeArg) {
	if n := len(args); n > 0 && !args[n-1].isNum && args[n-1].str == "GMT" {
		return now.UTC(), args[:n-1]
	}
	return now, args
}

func indexOf(names []string, a rangeArg) int {
	if a.isNum {
		return -1
	}
	for i, n := range names {
		if strings.EqualFold(n, a.str) {
			return i
		}
	}
	return -1
}

func (f *File) pacWeekdayRange(call otto.FunctionCall) otto.Value {
	return boolValue(weekdayRange(f.now(), toRangeArgs(call.ArgumentList)))
}

func (f *File) pacDateRange(call otto.FunctionCall) otto.Value {
	return boolValue(dateRange(f.now(), toRangeArgs(call.ArgumentList)))
}

func (f *File) pacTimeRange(call otto.FunctionCall) otto.Value {
	return boolValue(timeRange(f.now(), toRangeArgs(call.ArgumentList)))
}

// weekdayRange(wd1[, wd2][, "GMT"]). A range whose end precedes its start
// wraps past Saturday.
func weekdayRange(now time.Time, args []rangeArg) bool {
	now, args = withZone(now, args)
	today := int(now.Weekday())

	switch len(args) {
	case 1:
		return indexOf(weekdays, args[0]) == today
	case 2:
		start, end := indexOf(weekdays, args[0]), indexOf(weekdays, args[1])
		if start < 0 || end < 0 {
			return false
		}
		if end < start {
			return today >= start || today <= end
		}
		return start <= today && today <= end
	}
	return false
}

// civil packs a calendar date into a comparable integer.
func civil(year, month, day int) int {
	return year*10000 + month*100 + day
}

func validDate(year, month, day int) bool {
	if month < 1 || month > 12 || day < 1 {
		return false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC).Day() == day
}

// dateRange accepts every Netscape call profile:
//
//	dateRange(day) dateRange(day1, day2)
//	dateRange(mon) dateRange(month1, month2)
//	dateRange(year) dateRange(year1, year2)
//	dateRange(day1, month1, day2, month2)
//	dateRange(month1, year1, month2, year2)
//	dateRange(day1, month1, year1, day2, month2, year2)
//
// each with an optional trailing "GMT". Bounds are inclusive.
func dateRange(now time.Time, args []rangeArg) bool {
	now, args = withZone(now, args)
	year, month, day := now.Year(), int(now.Month()), now.Day()
	today := civil(year, month, day)

	switch len(args) {
	case 1:
		a := args[0]
		if m := indexOf(months, a); m >= 0 {
			return month == m+1
		}
		if !a.isNum {
			return false
		}
		if a.num >= 1 && a.num <= 31 {
			return day == a.num
		}
		return year == a.num

	case 2:
		a1, a2 := args[0], args[1]
		m1, m2 := indexOf(months, a1), indexOf(months, a2)
		if m1 >= 0 && m2 >= 0 {
			return m1+1 <= month && month <= m2+1
		}
		if !a1.isNum || !a2.isNum {
			return false
		}
		if a1.num >= 1 && a1.num <= 31 {
			return a1.num <= day && day <= a2.num
		}
		return a1.num <= year && year <= a2.num

	case 4:
		if m1, m2 := indexOf(months, args[0]), indexOf(months, args[2]); m1 >= 0 && m2 >= 0 {
			y1, y2 := args[1], args[3]
			if !y1.isNum || !y2.isNum {
				return false
			}
			// last day of month2 is covered by day 31 in the packed form
			return civil(y1.num, m1+1, 1) <= today && today <= civil(y2.num, m2+1, 31)
		}
		if m1, m2 := indexOf(months, args[1]), indexOf(months, args[3]); m1 >= 0 && m2 >= 0 {
			d1, d2 := args[0], args[2]
			if !d1.isNum || !d2.isNum || !validDate(year, m1+1, d1.num) || !validDate(year, m2+1, d2.num) {
				return false
			}
			return civil(year, m1+1, d1.num) <= today && today <= civil(year, m2+1, d2.num)
		}

	case 6:
		d1, y1, d2, y2 := args[0], args[2], args[3], args[5]
		m1, m2 := indexOf(months, args[1]), indexOf(months, args[4])
		if m1 < 0 || m2 < 0 || !d1.isNum || !y1.isNum || !d2.isNum || !y2.isNum {
			return false
		}
		if !validDate(y1.num, m1+1, d1.num) || !validDate(y2.num, m2+1, d2.num) {
			return false
		}
		return civil(y1.num, m1+1, d1.num) <= today && today <= civil(y2.num, m2+1, d2.num)
	}
	return false
}

func clockSeconds(h, m, s int) (int, bool) {
	if h < 0 || h > 23 || m < 0 || m > 59 || s < 0 || s > 59 {
		return 0, false
	}
	return h*3600 + m*60 + s, true
}

// timeRange accepts timeRange(hour), timeRange(hour1, hour2),
// timeRange(h1, m1, h2, m2) and timeRange(h1, m1, s1, h2, m2, s2), each with
// an optional trailing "GMT". The two-hour form excludes its end hour.
func timeRange(now time.Time, args []rangeArg) bool {
	now, args = withZone(now, args)
	for _, a := range args {
		if !a.isNum {
			return false
		}
	}
	current, _ := clockSeconds(now.Hour(), now.Minute(), now.Second())

	switch len(args) {
	case 1:
		return now.Hour() == args[0].num
	case 2:
		return args[0].num <= now.Hour() && now.Hour() < args[1].num
	case 4:
		start, ok1 := clockSeconds(args[0].num, args[1].num, 0)
		end, ok2 := clockSeconds(args[2].num, args[3].num, 0)
		return ok1 && ok2 && start <= current && current <= end
	case 6:
		start, ok1 := clockSeconds(args[0].num, args[1].num, args[2].num)
		end, ok2 := clockSeconds(args[3].num, args[4].num, args[5].num)
		return ok1 && ok2 && start <= current && current <= end
	}
	return false
}
