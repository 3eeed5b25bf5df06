package nlu

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kpichat/kpichat/internal/catalog"
	"github.com/kpichat/kpichat/internal/timerange"
)

var (
	fiscalInText = regexp.MustCompile(`(?i)FY\s*(?:\d{2}|20\d{2})\s*(?:H[12]|[12]H|Q[1-4]|上半期|下半期)?`)
	rangeInText  = regexp.MustCompile(`20\d{4}\s*[-~至]\s*20\d{4}`)
	monthInText  = regexp.MustCompile(`\b20\d{4}\b`)
	yearInText   = regexp.MustCompile(`(20\d{2})\s*年度?`)
	bareYear     = regexp.MustCompile(`\b20\d{2}\b`)

	explicitScope = regexp.MustCompile(`(?i)(product|organization|tools|产品|组织|机台)\s*[:：=]\s*([^\s,，;；]+)`)
	serialInText  = regexp.MustCompile(`\b\d{6}\b`)

	wordToken   = regexp.MustCompile(`\b[A-Za-z][A-Za-z0-9_-]+\b`)
	fiscalToken = regexp.MustCompile(`(?i)^fy\d*$`)
)

// Words that end slot filling ("nothing else, run it").
var finishedWords = []string{
	"没有", "不用", "不需要", "就这样", "没了", "直接查", "skip",
	"no more", "that's all", "nothing else", "none",
}

// Phrases that ask for the unbounded time range.
var allTimeWords = []string{
	"全部时间", "所有时间", "不限时间", "全时段", "all time", "whole history",
}

var categoryAliases = map[string]string{
	"产品": "product",
	"组织": "organization",
	"机台": "tools",
}

// ValueMatcher canonicalizes a free-text token against a warehouse
// dimension column, so "plant-a" resolves to the stored "Plant-A".
// Implementations report found=false for tokens with no counterpart.
type ValueMatcher interface {
	MatchScopeValue(ctx context.Context, table, column, token string) (string, bool, error)
}

// RuleExtractor is the deterministic front line: catalog keywords for the
// KPI, fiscal vocabulary for time, and the scope shorthand users actually
// type. It never errors; text it cannot read yields an empty extraction.
type RuleExtractor struct {
	catalog   *catalog.Catalog
	products  []*regexp.Regexp
	now       func() time.Time
	matcher   ValueMatcher
	stopWords map[string]struct{}
}

// NewRuleExtractor builds the extractor. matcher may be nil; without it,
// bare organization and tool names are left for explicit category:value
// input.
func NewRuleExtractor(c *catalog.Catalog, now func() time.Time, matcher ValueMatcher) *RuleExtractor {
	if now == nil {
		now = time.Now
	}
	products := make([]*regexp.Regexp, 0, len(c.Products()))
	stop := make(map[string]struct{})
	for _, name := range c.Products() {
		// Word boundaries keep short product codes like CT and TS from
		// matching inside ordinary words.
		products = append(products, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(name)+`\b`))
		stop[strings.ToLower(name)] = struct{}{}
	}
	// Vocabulary the other rules already claim never goes to the
	// warehouse matcher.
	for _, category := range c.Categories() {
		stop[strings.ToLower(category.Value)] = struct{}{}
	}
	for _, key := range c.Keys() {
		def, _ := c.Get(key)
		for _, keyword := range append([]string{key}, def.Keywords...) {
			for _, word := range strings.Fields(strings.ToLower(keyword)) {
				stop[word] = struct{}{}
			}
		}
	}
	return &RuleExtractor{catalog: c, products: products, now: now, matcher: matcher, stopWords: stop}
}

func (r *RuleExtractor) Extract(ctx context.Context, text string, prior ContextSnapshot) (Extraction, error) {
	out := Extraction{
		KPI:       r.catalog.MatchKeyword(text),
		TimeRange: r.extractTime(text),
	}
	kpi := out.KPI
	if kpi == "" {
		kpi = prior.KPI
	}
	out.Scope = r.extractScope(ctx, text, kpi)

	lowered := strings.ToLower(text)
	for _, word := range finishedWords {
		if strings.Contains(lowered, word) {
			out.FinishedSelection = true
			break
		}
	}
	return out, nil
}

func (r *RuleExtractor) extractTime(text string) string {
	lowered := strings.ToLower(text)
	for _, word := range allTimeWords {
		if strings.Contains(lowered, word) {
			return timerange.All
		}
	}

	if raw := relativeFiscal(text, r.now()); raw != "" {
		if normalized, err := timerange.Normalize(raw); err == nil {
			return normalized
		}
	}
	if m := fiscalInText.FindString(text); m != "" {
		if normalized, err := timerange.Normalize(m); err == nil {
			return normalized
		}
	}
	if m := rangeInText.FindString(text); m != "" {
		raw := strings.NewReplacer(" ", "", "~", "-", "至", "-").Replace(m)
		if normalized, err := timerange.Normalize(raw); err == nil {
			return normalized
		}
	}
	if m := monthInText.FindString(text); m != "" {
		if normalized, err := timerange.Normalize(m); err == nil {
			return normalized
		}
	}
	if m := yearInText.FindStringSubmatch(text); m != nil {
		if normalized, err := timerange.Normalize(m[1]); err == nil {
			return normalized
		}
	}
	if m := bareYear.FindString(text); m != "" {
		if normalized, err := timerange.Normalize(m); err == nil {
			return normalized
		}
	}
	return ""
}

// relativeFiscal rewrites relative vocabulary ("this fiscal year", "去年
// 下半期") into an explicit FY label anchored at now.
func relativeFiscal(text string, now time.Time) string {
	period := timerange.CurrentFiscalPeriod(now)

	year := 0
	switch {
	case containsAny(text, "当前财年", "本财年", "今年", "this fiscal year", "current fiscal year"):
		year = period.EndYear
	case containsAny(text, "上财年", "去年", "last fiscal year", "previous fiscal year"):
		year = period.EndYear - 1
	default:
		return ""
	}

	switch {
	case containsAny(text, "上半期", "h1"):
		return fmt.Sprintf("FY%d H1", year)
	case containsAny(text, "下半期", "h2"):
		return fmt.Sprintf("FY%d H2", year)
	}
	return fmt.Sprintf("FY%d", year)
}

func containsAny(text string, words ...string) bool {
	lowered := strings.ToLower(text)
	for _, word := range words {
		if strings.Contains(lowered, word) {
			return true
		}
	}
	return false
}

func (r *RuleExtractor) extractScope(ctx context.Context, text, kpi string) []string {
	var out []string
	seen := make(map[string]struct{})
	values := make(map[string]struct{})
	add := func(category, value string) {
		if value == "" || !r.catalog.KnownCategory(category) {
			return
		}
		entry := category + ":" + value
		if _, dup := seen[entry]; dup {
			return
		}
		seen[entry] = struct{}{}
		values[strings.ToLower(value)] = struct{}{}
		out = append(out, entry)
	}

	for _, m := range explicitScope.FindAllStringSubmatch(text, -1) {
		category := strings.ToLower(m[1])
		if alias, ok := categoryAliases[m[1]]; ok {
			category = alias
		}
		add(category, m[2])
	}

	for i, re := range r.products {
		if re.MatchString(text) {
			add("product", r.catalog.Products()[i])
		}
	}

	// Bare six-digit tokens are tool serial numbers unless they read as
	// a fiscal month (202001 through 203012).
	for _, token := range serialInText.FindAllString(text, -1) {
		n, err := strconv.Atoi(token)
		if err != nil {
			continue
		}
		if n >= 202001 && n <= 203012 {
			continue
		}
		add("tools", token)
	}

	r.matchWarehouseValues(ctx, text, kpi, values, add)
	return out
}

// matchWarehouseValues canonicalizes leftover alphanumeric tokens against
// the KPI's organization and tools columns, so "plant-a" becomes the
// stored "Plant-A". Lookup failures leave the token unextracted; the
// rules never error on warehouse trouble.
func (r *RuleExtractor) matchWarehouseValues(ctx context.Context, text, kpi string, claimed map[string]struct{}, add func(category, value string)) {
	if r.matcher == nil || kpi == "" {
		return
	}
	def, ok := r.catalog.Get(kpi)
	if !ok {
		return
	}

	for _, token := range wordToken.FindAllString(text, -1) {
		lowered := strings.ToLower(token)
		if _, stop := r.stopWords[lowered]; stop {
			continue
		}
		if _, dup := claimed[lowered]; dup {
			continue
		}
		if fiscalToken.MatchString(token) {
			continue
		}
		for _, category := range []string{"organization", "tools"} {
			column, allowed := def.ScopeColumns[category]
			if !allowed {
				continue
			}
			canonical, found, err := r.matcher.MatchScopeValue(ctx, def.Table, column, token)
			if err != nil || !found {
				continue
			}
			add(category, canonical)
			break
		}
	}
}
