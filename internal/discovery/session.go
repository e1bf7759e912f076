package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/observability/metrics"
)

// Deps are the external collaborators a Session consumes. Cache defaults to
// a per-session MemoryCache when nil.
type Deps struct {
	Definer    domain.MetricDefiner
	Discoverer domain.SourceDiscoverer
	Validator  domain.ValueValidator
	Cache      domain.ValidationCache
	Logger     *slog.Logger
}

// View is a read-only snapshot of a session.
type View struct {
	ID              string                   `json:"id"`
	Stage           Stage                    `json:"stage"`
	Draft           domain.MarketDraft       `json:"draft"`
	Transcript      []string                 `json:"transcript"`
	DeniedURLs      []string                 `json:"denied_urls"`
	SearchVariation int                      `json:"search_variation"`
	Candidates      []domain.SourceCandidate `json:"candidates"`
}

// Session owns one in-flight market draft. Every method is serialised by
// the session mutex, so the denial list and search variation are never
// mutated concurrently.
type Session struct {
	id         string
	definer    domain.MetricDefiner
	discoverer domain.SourceDiscoverer
	validator  domain.ValueValidator
	cache      domain.ValidationCache
	logger     *slog.Logger
	now        func() time.Time
	lastActive atomic.Int64

	mu          sync.Mutex
	draft       domain.MarketDraft
	transcript  []string
	denied      []string
	variation   int
	discoveries map[string]domain.DiscoveryResult
	candidates  []domain.SourceCandidate
}

// NewSession creates an empty session. Call Start to submit the first
// description.
func NewSession(id string, deps Deps) *Session {
	cache := deps.Cache
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:          id,
		definer:     deps.Definer,
		discoverer:  deps.Discoverer,
		validator:   deps.Validator,
		cache:       cache,
		logger:      logger.With(slog.String("component", "discovery"), slog.String("session_id", id)),
		now:         time.Now,
		discoveries: make(map[string]domain.DiscoveryResult),
	}
	s.touch()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// LastActive returns when the session was last used.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch() {
	s.lastActive.Store(s.now().UnixNano())
}

// Stage returns the derived stage of the current draft.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DeriveStage(s.draft)
}

// Draft returns a deep copy of the current draft.
func (s *Session) Draft() domain.MarketDraft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.Clone()
}

// View returns a snapshot of the whole session.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		ID:              s.id,
		Stage:           DeriveStage(s.draft),
		Draft:           s.draft.Clone(),
		Transcript:      slices.Clone(s.transcript),
		DeniedURLs:      slices.Clone(s.denied),
		SearchVariation: s.variation,
		Candidates:      slices.Clone(s.candidates),
	}
}

// Start resets the session to prompt and asks the definition service
// whether it is measurable. A rejection leaves the session in
// clarify_metric and returns an error wrapping domain.ErrDefinitionRejected.
func (s *Session) Start(ctx context.Context, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return fmt.Errorf("discovery: start: %w: empty description", domain.ErrInvalidDraft)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	s.draft = domain.MarketDraft{Prompt: prompt}
	s.transcript = []string{prompt}
	s.candidates = nil
	return s.define(ctx)
}

// Clarify appends reply to the clarification transcript and resubmits the
// whole transcript.
func (s *Session) Clarify(ctx context.Context, reply string) error {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return fmt.Errorf("discovery: clarify: %w: empty reply", domain.ErrInvalidDraft)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if err := s.requireStage(StageClarifyMetric); err != nil {
		return err
	}
	s.transcript = append(s.transcript, reply)
	return s.define(ctx)
}

func (s *Session) define(ctx context.Context) error {
	res, err := s.definer.Define(ctx, strings.Join(s.transcript, "\n"))
	if err != nil {
		return fmt.Errorf("discovery: define metric: %w", err)
	}
	if res.Measurable && res.Definition == nil {
		res.Measurable = false
		res.RejectionReason = "definition service returned no metric definition"
	}
	s.draft.Definition = &res
	if !res.Measurable {
		reason := res.RejectionReason
		if reason == "" {
			reason = "metric is not measurable"
		}
		s.logger.InfoContext(ctx, "metric definition rejected",
			slog.Int("round", len(s.transcript)),
			slog.String("reason", reason),
		)
		return fmt.Errorf("discovery: %w: %s", domain.ErrDefinitionRejected, reason)
	}

	def := *res.Definition
	if !s.draft.NameConfirmed {
		s.draft.Name = suggestName(def)
	}
	if !s.draft.DescriptionConfirmed {
		s.draft.Description = suggestDescription(def)
	}
	s.logger.InfoContext(ctx, "metric definition accepted",
		slog.String("metric", def.Name),
		slog.String("unit", def.Unit),
	)
	return nil
}

// ConfirmName confirms the suggested name, or name when non-empty.
func (s *Session) ConfirmName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if err := s.requireStage(StageName); err != nil {
		return err
	}
	if n := strings.Join(strings.Fields(name), " "); n != "" {
		s.draft.Name = n
	}
	if s.draft.Name == "" {
		return fmt.Errorf("discovery: confirm name: %w: empty name", domain.ErrInvalidDraft)
	}
	s.draft.NameConfirmed = true
	return nil
}

// ConfirmDescription confirms the suggested description, or desc when
// non-empty.
func (s *Session) ConfirmDescription(desc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if err := s.requireStage(StageDescription); err != nil {
		return err
	}
	if d := strings.TrimSpace(desc); d != "" {
		s.draft.Description = d
	}
	if s.draft.Description == "" {
		return fmt.Errorf("discovery: confirm description: %w: empty description", domain.ErrInvalidDraft)
	}
	s.draft.DescriptionConfirmed = true
	return nil
}

// DiscoverSources returns ranked candidates for the current name and
// description. Results are cached per (name, description, variation);
// denied URLs are excluded from the request and filtered from the result.
func (s *Session) DiscoverSources(ctx context.Context) ([]domain.SourceCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if err := s.requireAtLeast(StageSelectSource); err != nil {
		return nil, err
	}
	if err := s.discover(ctx); err != nil {
		return nil, err
	}
	return slices.Clone(s.candidates), nil
}

func (s *Session) discover(ctx context.Context) error {
	key := fmt.Sprintf("%s|%s|%d", s.draft.Name, s.draft.Description, s.variation)
	res, ok := s.discoveries[key]
	if !ok {
		req := domain.DiscoveryRequest{
			Description:     s.draft.Name + "\n" + s.draft.Description,
			SearchVariation: s.variation,
			ExcludeURLs:     slices.Clone(s.denied),
		}
		var err error
		res, err = s.discoverer.Discover(ctx, req)
		if err != nil {
			return fmt.Errorf("discovery: discover sources: %w", err)
		}
		s.discoveries[key] = res
	}
	s.candidates = s.rank(res)
	s.logger.InfoContext(ctx, "sources discovered",
		slog.Int("variation", s.variation),
		slog.Int("candidates", len(s.candidates)),
		slog.Bool("cached", ok),
	)
	return nil
}

// rank puts the primary first, then secondaries by descending confidence,
// dropping denied and duplicate URLs.
func (s *Session) rank(res domain.DiscoveryResult) []domain.SourceCandidate {
	all := res.Candidates()
	var primary []domain.SourceCandidate
	secondary := make([]domain.SourceCandidate, 0, len(all))
	seen := make(map[string]bool, len(all))
	for _, c := range all {
		n := normalizeURL(c.URL)
		if c.URL == "" || seen[n] || s.isDenied(c.URL) {
			continue
		}
		seen[n] = true
		if c.IsPrimary && len(primary) == 0 {
			primary = append(primary, c)
			continue
		}
		c.IsPrimary = false
		secondary = append(secondary, c)
	}
	sort.SliceStable(secondary, func(i, j int) bool {
		return secondary[i].Confidence > secondary[j].Confidence
	})
	return append(primary, secondary...)
}

func (s *Session) isDenied(rawURL string) bool {
	n := normalizeURL(rawURL)
	for _, d := range s.denied {
		if normalizeURL(d) == n {
			return true
		}
	}
	return false
}

// SelectCandidate selects one of the discovered candidates and validates it.
// Discovery runs first when no candidates are held for the current name,
// description and variation.
func (s *Session) SelectCandidate(ctx context.Context, rawURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if err := s.requireAtLeast(StageSelectSource); err != nil {
		return err
	}
	if s.isDenied(rawURL) {
		return fmt.Errorf("discovery: select %s: %w", rawURL, domain.ErrSourceDenied)
	}
	if s.candidates == nil {
		if err := s.discover(ctx); err != nil {
			return err
		}
	}
	n := normalizeURL(rawURL)
	for _, c := range s.candidates {
		if normalizeURL(c.URL) == n {
			return s.selectSource(ctx, c)
		}
	}
	return fmt.Errorf("discovery: select %s: candidate %w", rawURL, domain.ErrNotFound)
}

// SelectCustomURL selects a user-supplied URL as a zero-confidence candidate.
// It is validated like any other source.
func (s *Session) SelectCustomURL(ctx context.Context, rawURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if err := s.requireAtLeast(StageSelectSource); err != nil {
		return err
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("discovery: custom url %q: %w: must be an absolute http(s) url", rawURL, domain.ErrInvalidDraft)
	}
	if s.isDenied(u.String()) {
		return fmt.Errorf("discovery: select %s: %w", rawURL, domain.ErrSourceDenied)
	}
	return s.selectSource(ctx, domain.SourceCandidate{
		URL:          u.String(),
		Authority:    strings.TrimPrefix(strings.ToLower(u.Hostname()), "www."),
		Confidence:   0,
		UserProvided: true,
	})
}

// selectSource clears any prior selection, validates c, and binds it on
// success. On failure the selection stays nil.
func (s *Session) selectSource(ctx context.Context, c domain.SourceCandidate) error {
	unconfirmFrom(&s.draft, FieldSource)

	v, err := s.validate(ctx, c.URL)
	if err != nil {
		s.logger.WarnContext(ctx, "source validation failed",
			slog.String("url", c.URL),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.draft.SelectedSource = &c
	s.draft.Validation = &v
	s.draft.StartPrice = suggestedStartPrice(v)
	return nil
}

func suggestedStartPrice(v domain.ValidationResult) string {
	if p, ok := parsePositive(v.AssetPriceSuggestion); ok {
		return p
	}
	if p, ok := parsePositive(v.Value); ok {
		return p
	}
	return ""
}

// validate is a read-through lookup on the validation cache.
func (s *Session) validate(ctx context.Context, rawURL string) (domain.ValidationResult, error) {
	metric := s.draft.Metric()
	key := ValidationKey(metric, rawURL)

	cached, ok, err := s.cache.GetValidation(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "validation cache read failed", slog.String("error", err.Error()))
	} else {
		metrics.RecordValidationLookup(ok)
		if ok {
			s.logger.DebugContext(ctx, "validation cache hit", slog.String("key", key))
			return cached, nil
		}
	}

	v, err := s.validator.Validate(ctx, domain.ValidationRequest{
		Metric:  metric,
		URLs:    []string{rawURL},
		Context: s.draft.Description,
	})
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("discovery: validate %s: %w: %w", rawURL, domain.ErrSourceValidationFailed, err)
	}
	if !isNumeric(v.Value) {
		return domain.ValidationResult{}, fmt.Errorf("discovery: validate %s: %w: non-numeric value %q", rawURL, domain.ErrSourceValidationFailed, v.Value)
	}
	if err := s.cache.SetValidation(ctx, key, v); err != nil {
		s.logger.WarnContext(ctx, "validation cache write failed", slog.String("error", err.Error()))
	}
	return v, nil
}

// DenySource denies the selected source: its URL joins the denial list, the
// search variation increments, the selection is cleared and discovery runs
// again. The denial stands even if the new search fails.
func (s *Session) DenySource(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.draft.SelectedSource == nil {
		return fmt.Errorf("discovery: deny: %w: no source selected", domain.ErrWrongStage)
	}
	denied := s.draft.SelectedSource.URL
	s.denied = append(s.denied, denied)
	s.variation++
	unconfirmFrom(&s.draft, FieldSource)
	s.candidates = nil

	s.logger.InfoContext(ctx, "source denied",
		slog.String("url", denied),
		slog.Int("variation", s.variation),
	)
	return s.discover(ctx)
}

// ConfirmIcon binds and confirms the market icon.
func (s *Session) ConfirmIcon(iconURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if err := s.requireStage(StageIcon); err != nil {
		return err
	}
	iconURL = strings.TrimSpace(iconURL)
	if iconURL == "" {
		return fmt.Errorf("discovery: confirm icon: %w: empty icon url", domain.ErrInvalidDraft)
	}
	s.draft.IconURL = iconURL
	s.draft.IconConfirmed = true
	return nil
}

// SetStartPrice overrides the start price suggested by validation.
func (s *Session) SetStartPrice(price string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.draft.Validation == nil {
		return fmt.Errorf("discovery: set start price: %w: no validated source", domain.ErrWrongStage)
	}
	p, ok := parsePositive(price)
	if !ok {
		return fmt.Errorf("discovery: set start price: %w: %q is not a positive number", domain.ErrInvalidDraft, price)
	}
	s.draft.StartPrice = p
	return nil
}

// Edit reopens field and unconfirms everything downstream of it. Editing
// the metric returns the session to clarify_metric with the original
// prompt as the transcript.
func (s *Session) Edit(field Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if _, ok := ParseField(string(field)); !ok {
		return fmt.Errorf("discovery: edit: %w: unknown field %q", domain.ErrInvalidDraft, field)
	}
	unconfirmFrom(&s.draft, field)
	switch field {
	case FieldMetric:
		s.transcript = []string{s.draft.Prompt}
		s.candidates = nil
	case FieldName, FieldDescription:
		s.candidates = nil
	}
	return nil
}

// Finalize returns a deep copy of the completed draft.
func (s *Session) Finalize() (domain.MarketDraft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if err := s.requireStage(StageComplete); err != nil {
		return domain.MarketDraft{}, err
	}
	if err := s.draft.CheckComplete(); err != nil {
		return domain.MarketDraft{}, fmt.Errorf("discovery: finalize: %w", err)
	}
	return s.draft.Clone(), nil
}

func (s *Session) requireStage(want Stage) error {
	if got := DeriveStage(s.draft); got != want {
		return fmt.Errorf("discovery: %w: at %s, need %s", domain.ErrWrongStage, got, want)
	}
	return nil
}

func (s *Session) requireAtLeast(want Stage) error {
	if got := DeriveStage(s.draft); got.Ordinal() < want.Ordinal() {
		return fmt.Errorf("discovery: %w: at %s, need %s", domain.ErrWrongStage, got, want)
	}
	return nil
}

// IsRecoverable reports whether err leaves the session usable, so callers
// can keep the user on the current stage instead of aborting.
func IsRecoverable(err error) bool {
	return errors.Is(err, domain.ErrDefinitionRejected) ||
		errors.Is(err, domain.ErrSourceValidationFailed) ||
		errors.Is(err, domain.ErrSourceDenied) ||
		errors.Is(err, domain.ErrWrongStage) ||
		errors.Is(err, domain.ErrInvalidDraft)
}
