package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kpichat/kpichat/internal/catalog"
	"github.com/kpichat/kpichat/internal/nlu"
	"github.com/kpichat/kpichat/internal/timerange"
)

// Slot names reported in Resolution.Missing, in prompt order.
const (
	SlotKPI       = "kpi"
	SlotTimeRange = "time_range"
	SlotScope     = "scope"
)

// Resolution is the outcome of folding one turn into the context.
type Resolution struct {
	Context QueryContext
	// Ready is true exactly when Missing is empty: every required slot
	// is filled and valid.
	Ready   bool
	Missing []string
	// MissingScopes names the concrete categories still wanted when
	// Missing contains the scope slot.
	MissingScopes []string
	// Prompt is the next message to show the user: a question while
	// slots are missing, a selection summary once ready.
	Prompt string
	// TimeRangeInvalid is set when the turn supplied a time expression
	// that failed validation. The slot is cleared and re-asked.
	TimeRangeInvalid bool
	// UnsupportedKPI carries the raw name when the user asked for a KPI
	// outside the catalog, for the audit trail.
	UnsupportedKPI string
}

// Resolver merges turns into query contexts against the KPI catalog.
type Resolver struct {
	catalog   *catalog.Catalog
	extractor nlu.Extractor
	logger    *slog.Logger
}

func NewResolver(c *catalog.Catalog, extractor nlu.Extractor, logger *slog.Logger) *Resolver {
	return &Resolver{catalog: c, extractor: extractor, logger: logger}
}

// Resolve folds one turn into the context and reports what remains. It
// never runs a query; a Ready resolution is an offer the caller may
// dispatch.
func (r *Resolver) Resolve(ctx context.Context, state QueryContext, turn Turn) (Resolution, error) {
	next := state.Clone()
	next.Turn++
	res := Resolution{}
	finished := false

	switch t := turn.(type) {
	case FreeTextTurn:
		extraction, err := r.extractor.Extract(ctx, t.Text, nlu.ContextSnapshot{
			KPI:       state.KPI,
			TimeRange: state.TimeRange,
			Scope:     scopeStrings(state.Scope),
		})
		if err != nil {
			return Resolution{}, fmt.Errorf("extract slots: %w", err)
		}
		r.applyExtraction(&next, &res, extraction)
		finished = extraction.FinishedSelection

	case ConfirmTurn:
		finished = true

	case OverrideTurn:
		r.applyOverride(&next, &res, t)

	default:
		return Resolution{}, fmt.Errorf("unknown turn type %T", turn)
	}

	r.assess(&next, &res, finished)
	res.Context = next
	res.Ready = len(res.Missing) == 0
	res.Prompt = r.prompt(next, res)
	return res, nil
}

func (r *Resolver) applyExtraction(next *QueryContext, res *Resolution, extraction nlu.Extraction) {
	if extraction.KPI != "" {
		r.applyKPI(next, res, extraction.KPI)
	}
	if extraction.TimeRange != "" {
		r.applyTimeRange(next, res, extraction.TimeRange)
	}
	def, haveDef := r.catalog.Get(next.KPI)
	for _, raw := range extraction.Scope {
		entry, ok := ParseScopeEntry(raw)
		if !ok || !r.catalog.KnownCategory(entry.Category) {
			continue
		}
		if haveDef && !def.AllowsScope(entry.Category) {
			continue
		}
		next.addScope(entry)
	}
}

func (r *Resolver) applyOverride(next *QueryContext, res *Resolution, turn OverrideTurn) {
	if turn.KPI != "" {
		r.applyKPI(next, res, turn.KPI)
	}
	if turn.TimeRange != "" {
		r.applyTimeRange(next, res, turn.TimeRange)
	}
	for category, values := range turn.Scope {
		if !r.catalog.KnownCategory(category) {
			continue
		}
		next.replaceScope(category, values)
	}
}

// applyKPI switches the context to a new KPI. Filters tied to categories
// the new KPI cannot use are dropped; compatible ones survive. A name
// outside the catalog leaves the context untouched and is recorded for
// the audit trail.
func (r *Resolver) applyKPI(next *QueryContext, res *Resolution, name string) {
	def, ok := r.catalog.Get(name)
	if !ok {
		res.UnsupportedKPI = name
		r.logger.Info("unsupported kpi requested", "kpi", name)
		return
	}
	if next.KPI == def.Key {
		return
	}
	next.KPI = def.Key
	next.dropScopeExcept(def.AllowedScopes)
	next.ScopePrompted = false
}

func (r *Resolver) applyTimeRange(next *QueryContext, res *Resolution, raw string) {
	normalized, err := timerange.Normalize(raw)
	if err != nil {
		res.TimeRangeInvalid = true
		next.TimeRange = ""
		return
	}
	next.TimeRange = normalized
}

// assess computes the missing slots. Order is fixed: kpi, then time
// range, then scope. Scope is only ever reported once the KPI and time
// are settled, because the wanted categories depend on the KPI.
func (r *Resolver) assess(next *QueryContext, res *Resolution, finished bool) {
	if next.KPI == "" {
		res.Missing = []string{SlotKPI}
		return
	}
	def, ok := r.catalog.Get(next.KPI)
	if !ok {
		res.Missing = []string{SlotKPI}
		return
	}

	timeSatisfied := next.TimeRange != "" || !def.RequireTimeRange
	if res.TimeRangeInvalid || !timeSatisfied {
		res.Missing = append(res.Missing, SlotTimeRange)
		return
	}

	var requiredUnfilled []string
	for _, category := range def.RequiredScopes {
		if !next.HasScope(category) {
			requiredUnfilled = append(requiredUnfilled, category)
		}
	}
	if len(requiredUnfilled) > 0 {
		res.Missing = append(res.Missing, SlotScope)
		res.MissingScopes = requiredUnfilled
		return
	}

	var optionalUnfilled []string
	for _, category := range def.AllowedScopes {
		if !next.HasScope(category) {
			optionalUnfilled = append(optionalUnfilled, category)
		}
	}
	if len(optionalUnfilled) > 0 && !finished && !next.ScopePrompted {
		// Offer to narrow exactly once per KPI.
		next.ScopePrompted = true
		res.Missing = append(res.Missing, SlotScope)
		res.MissingScopes = optionalUnfilled
		return
	}
	next.ScopePrompted = true
}

func (r *Resolver) prompt(next QueryContext, res Resolution) string {
	if res.UnsupportedKPI != "" && next.KPI == "" {
		return fmt.Sprintf("暂不支持查询 %q。可选的指标：%s。",
			res.UnsupportedKPI, strings.Join(r.catalog.Keys(), "、"))
	}
	if res.TimeRangeInvalid {
		return "无法识别该时间范围，请重新输入，例如 FY26、FY25 2H 或 202504-202603。"
	}
	if len(res.Missing) == 0 {
		return r.summary(next)
	}
	switch res.Missing[0] {
	case SlotKPI:
		return fmt.Sprintf("请问要查询哪个指标？可选：%s。",
			strings.Join(r.catalog.Keys(), "、"))
	case SlotTimeRange:
		return "请问查询哪个时间范围？例如 FY26、FY25 上半期，或输入 all 查询全部时间。"
	default:
		labels := make([]string, 0, len(res.MissingScopes))
		for _, category := range res.MissingScopes {
			labels = append(labels, r.catalog.CategoryLabel(category))
		}
		return fmt.Sprintf("需要按 %s 筛选吗？直接输入筛选值，或回复\"没有\"直接查询。",
			strings.Join(labels, "、"))
	}
}

func (r *Resolver) summary(next QueryContext) string {
	parts := []string{next.KPI}
	switch {
	case next.TimeRange == timerange.All:
		parts = append(parts, "全部时间")
	case next.TimeRange != "":
		parts = append(parts, timerange.Display(next.TimeRange))
	}
	if len(next.Scope) > 0 {
		parts = append(parts, strings.Join(scopeStrings(next.Scope), ", "))
	}
	return fmt.Sprintf("已确认查询条件：%s。", strings.Join(parts, "，"))
}

func scopeStrings(entries []ScopeEntry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.String())
	}
	return out
}
