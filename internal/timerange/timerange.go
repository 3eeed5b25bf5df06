// Package timerange canonicalizes heterogeneous time expressions into the
// YYYYMM-YYYYMM form used by SQL templates. The fiscal year runs April 1
// through March 31 and is labeled by its end calendar year: FY2026 spans
// 202504-202603.
package timerange

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// All is the sentinel for an explicit "no time filter" selection. It
// satisfies the time slot and suppresses the time predicate downstream.
const All = "all"

var ErrInvalid = errors.New("timerange: invalid time range")

var (
	fiscalPattern    = regexp.MustCompile(`(?i)^FY\s*(\d{2}|20\d{2})\s*(1H|2H|H1|H2|上半期|下半期|Q[1-4])?$`)
	canonicalPattern = regexp.MustCompile(`^(20\d{4})-(20\d{4})$`)
	monthPattern     = regexp.MustCompile(`^20\d{4}$`)
	yearPattern      = regexp.MustCompile(`^20\d{2}$`)
)

// Normalize maps a raw time expression to the canonical YYYYMM-YYYYMM
// range. Recognized forms, in precedence order: fiscal FY expressions,
// already-canonical ranges, bare months, bare calendar years, and the
// "all" sentinel. Unrecognized input is returned unmodified with a nil
// error so downstream templates may accept free-form ranges.
func Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil
	}
	if strings.EqualFold(trimmed, All) {
		return All, nil
	}

	if m := fiscalPattern.FindStringSubmatch(trimmed); m != nil {
		endYear, err := fiscalEndYear(m[1])
		if err != nil {
			return "", err
		}
		return fiscalRange(endYear, strings.ToUpper(m[2]))
	}

	if m := canonicalPattern.FindStringSubmatch(trimmed); m != nil {
		start, end := m[1], m[2]
		if !validMonth(start) || !validMonth(end) {
			return "", fmt.Errorf("%w: %q", ErrInvalid, trimmed)
		}
		if start > end {
			return "", fmt.Errorf("%w: start %s after end %s", ErrInvalid, start, end)
		}
		return trimmed, nil
	}

	if monthPattern.MatchString(trimmed) {
		if !validMonth(trimmed) {
			return "", fmt.Errorf("%w: %q", ErrInvalid, trimmed)
		}
		return trimmed + "-" + trimmed, nil
	}

	if yearPattern.MatchString(trimmed) {
		return trimmed + "01-" + trimmed + "12", nil
	}

	return trimmed, nil
}

// Display renders a canonical range back in the fiscal vocabulary where
// one applies, falling back to the input unchanged. Display is idempotent:
// non-canonical input passes through, so Display(Display(x)) == Display(x).
func Display(value string) string {
	m := canonicalPattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return value
	}
	start, end := m[1], m[2]
	startYear, _ := strconv.Atoi(start[:4])
	endYear, _ := strconv.Atoi(end[:4])
	startMonth, endMonth := start[4:], end[4:]

	switch {
	case startMonth == "04" && endMonth == "03" && endYear == startYear+1:
		return fmt.Sprintf("FY%d", endYear)
	case startMonth == "04" && endMonth == "09" && endYear == startYear:
		return fmt.Sprintf("FY%d H1", startYear+1)
	case startMonth == "10" && endMonth == "03" && endYear == startYear+1:
		return fmt.Sprintf("FY%d H2", endYear)
	case startMonth == "04" && endMonth == "06" && endYear == startYear:
		return fmt.Sprintf("FY%d Q1", startYear+1)
	case startMonth == "07" && endMonth == "09" && endYear == startYear:
		return fmt.Sprintf("FY%d Q2", startYear+1)
	case startMonth == "10" && endMonth == "12" && endYear == startYear:
		return fmt.Sprintf("FY%d Q3", startYear+1)
	case startMonth == "01" && endMonth == "03" && endYear == startYear:
		return fmt.Sprintf("FY%d Q4", endYear)
	case startMonth == "01" && endMonth == "12" && endYear == startYear:
		return start[:4]
	case start == end:
		return start
	}
	return value
}

// FiscalPeriod describes the fiscal period containing a point in time.
type FiscalPeriod struct {
	StartYear int    // calendar year containing April 1
	EndYear   int    // calendar year the fiscal year is labeled by
	Half      int    // 1 for Apr-Sep, 2 for Oct-Mar
	YearRange string // canonical range for the full fiscal year
	HalfRange string // canonical range for the current half
}

// CurrentFiscalPeriod computes the fiscal year and half containing now,
// used for "this fiscal year" / "this half" shortcuts.
func CurrentFiscalPeriod(now time.Time) FiscalPeriod {
	startYear := now.Year()
	if now.Month() < time.April {
		startYear--
	}
	endYear := startYear + 1
	period := FiscalPeriod{
		StartYear: startYear,
		EndYear:   endYear,
		YearRange: fmt.Sprintf("%d04-%d03", startYear, endYear),
	}
	if now.Month() >= time.April && now.Month() <= time.September {
		period.Half = 1
		period.HalfRange = fmt.Sprintf("%d04-%d09", startYear, startYear)
	} else {
		period.Half = 2
		period.HalfRange = fmt.Sprintf("%d10-%d03", startYear, endYear)
	}
	return period
}

func fiscalEndYear(digits string) (int, error) {
	year, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("%w: fiscal year %q", ErrInvalid, digits)
	}
	if year < 100 {
		year += 2000
	}
	return year, nil
}

func fiscalRange(endYear int, suffix string) (string, error) {
	startYear := endYear - 1
	switch suffix {
	case "":
		return fmt.Sprintf("%d04-%d03", startYear, endYear), nil
	case "1H", "H1", "上半期":
		return fmt.Sprintf("%d04-%d09", startYear, startYear), nil
	case "2H", "H2", "下半期":
		return fmt.Sprintf("%d10-%d03", startYear, endYear), nil
	case "Q1":
		return fmt.Sprintf("%d04-%d06", startYear, startYear), nil
	case "Q2":
		return fmt.Sprintf("%d07-%d09", startYear, startYear), nil
	case "Q3":
		return fmt.Sprintf("%d10-%d12", startYear, startYear), nil
	case "Q4":
		return fmt.Sprintf("%d01-%d03", endYear, endYear), nil
	}
	return "", fmt.Errorf("%w: fiscal suffix %q", ErrInvalid, suffix)
}

func validMonth(yyyymm string) bool {
	month, err := strconv.Atoi(yyyymm[4:])
	if err != nil {
		return false
	}
	return month >= 1 && month <= 12
}
