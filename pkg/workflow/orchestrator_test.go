package workflow

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/probelab/deepresearch/internal/testutil"
	"github.com/probelab/deepresearch/pkg/checkpoint"
	"github.com/probelab/deepresearch/pkg/domain"
	"github.com/probelab/deepresearch/pkg/events"
	"github.com/probelab/deepresearch/pkg/observability"
	"github.com/probelab/deepresearch/pkg/prompt"
	"github.com/probelab/deepresearch/pkg/state"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	model   *testutil.MockModelClient
	search  *testutil.MockSearchClient
	scraper *testutil.MockScraper
	store   *checkpoint.MemoryStore
	orch    *Orchestrator
}

func newHarness(opts Options) *harness {
	h := &harness{
		model:   testutil.NewMockModelClient(),
		search:  testutil.NewMockSearchClient(),
		scraper: testutil.NewMockScraper(),
		store:   checkpoint.NewMemoryStore(),
	}
	stages := NewStages(h.model, h.search, h.scraper, prompt.DefaultLibrary(), DefaultStageConfig(), nil, nil)
	mgr := checkpoint.NewManager(h.store, nil, nil)
	h.orch = NewOrchestrator(stages, mgr, nil, nil, opts)
	return h
}

// scriptTopic wires think, select, extract and summarize for one topic
// so it completes with a single-source dossier.
func (h *harness) scriptTopic(topic, slug, narrative, learning string) {
	h.model.On("Current topic to investigate: "+topic, testutil.QueriesResponse(slug, 2))
	h.search.Results[slug+" angle 1"] = testutil.SearchResults(slug, 2)
	url := "https://" + slug + ".example/page-1"
	h.model.On("Topic: "+topic, testutil.SelectionResponse(url))
	h.scraper.Pages[url] = testutil.LongPage(slug)
	h.model.On("Topic for this dossier: "+topic, testutil.DossierResponse(narrative, learning, url))
}

func drainEvents(s *events.Stream) []events.Event {
	var out []events.Event
	for e := range s.Events() {
		out = append(out, e)
	}
	return out
}

func countType(evs []events.Event, t events.Type) int {
	n := 0
	for _, e := range evs {
		if e.Type == t {
			n++
		}
	}
	return n
}

func TestFlatRunEndToEnd(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	h.model.On("research planner", testutil.FlatPlanResponse("alpha subject", "beta subject"))
	h.scriptTopic("alpha subject", "alpha", "Alpha narrative [1].", "- alpha learning")

	// Beta's dossier also cites alpha's source, so its local numbers
	// must be remapped into the global registry.
	h.model.On("Current topic to investigate: beta subject", testutil.QueriesResponse("beta", 2))
	h.search.Results["beta angle 1"] = testutil.SearchResults("beta", 2)
	h.model.On("Topic: beta subject", testutil.SelectionResponse("https://beta.example/page-1"))
	h.scraper.Pages["https://beta.example/page-1"] = testutil.LongPage("beta")
	h.model.On("Topic for this dossier: beta subject", testutil.DossierResponse(
		"Beta narrative [1] and [2].", "- beta learning",
		"https://beta.example/page-1", "https://alpha.example/page-1"))

	h.model.On("final research report", "Synthesis over both topics.")

	sctx := state.NewContext("sess-flat", "compare rust async runtimes")
	plan, version, err := h.orch.Plan(ctx, sctx, domain.ModeFlat, "")
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if version != 1 || len(plan.Topics) != 2 {
		t.Fatalf("plan = %+v v%d", plan, version)
	}

	stream := events.NewStream("sess-flat")
	doc, err := h.orch.Research(ctx, sctx, stream)
	if err != nil {
		t.Fatalf("Research failed: %v", err)
	}

	if sctx.Phase() != domain.PhaseDone {
		t.Errorf("phase = %s, want done", sctx.Phase())
	}
	if !strings.Contains(doc.Markdown, "Synthesis over both topics.") {
		t.Errorf("markdown missing synthesis: %q", doc.Markdown)
	}
	if !strings.Contains(doc.Markdown, "[1] https://alpha.example/page-1") ||
		!strings.Contains(doc.Markdown, "[2] https://beta.example/page-1") {
		t.Errorf("markdown missing source list: %q", doc.Markdown)
	}
	if len(doc.Sources) != 2 {
		t.Errorf("doc sources = %v", doc.Sources)
	}

	// Global citation renumbering: beta's local [1]=beta url becomes
	// global [2], local [2]=alpha url becomes global [1].
	cp, err := h.store.Load(ctx, "sess-flat")
	if err != nil {
		t.Fatalf("Load checkpoint: %v", err)
	}
	if cp.Status != checkpoint.StatusDone {
		t.Errorf("checkpoint status = %s", cp.Status)
	}
	if len(cp.Completed) != 2 {
		t.Fatalf("completed = %d", len(cp.Completed))
	}
	if got := cp.Completed[1].Narrative; got != "Beta narrative [2] and [1]." {
		t.Errorf("renumbered narrative = %q", got)
	}

	// Learnings threading: beta's think prompt must carry alpha's
	// learnings.
	foundThreaded := false
	for _, req := range h.model.Requests {
		if strings.Contains(req.User, "Current topic to investigate: beta subject") &&
			strings.Contains(req.User, "alpha learning") {
			foundThreaded = true
		}
	}
	if !foundThreaded {
		t.Error("alpha learnings not threaded into beta's think prompt")
	}

	evs := drainEvents(stream)
	if n := countType(evs, events.TypeDone); n != 1 {
		t.Errorf("done events = %d, want 1", n)
	}
	if n := countType(evs, events.TypeTopicComplete); n != 2 {
		t.Errorf("topic_complete events = %d, want 2", n)
	}
	for _, e := range evs {
		switch e.Type {
		case events.TypeTopicComplete:
			if !strings.Contains(e.Topic.DossierExcerpt, "learning") {
				t.Errorf("topic_complete excerpt = %q, want key learnings", e.Topic.DossierExcerpt)
			}
		case events.TypeSynthesisStart:
			if e.Synthesis.Dossiers != 2 {
				t.Errorf("synthesis_start dossiers = %d, want 2", e.Synthesis.Dossiers)
			}
		}
	}
	last := evs[len(evs)-1]
	if !last.Terminal() {
		t.Errorf("last event = %s, want terminal", last.Type)
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Sequence <= evs[i-1].Sequence {
			t.Fatalf("sequence not increasing at %d", i)
		}
	}
}

func TestDeadEndRemediationRecovers(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	h.model.On("research planner", testutil.FlatPlanResponse("stubborn subject"))
	// First think round yields queries that find nothing.
	h.model.On("Current topic to investigate: stubborn subject", testutil.QueriesResponse("dud", 2))
	// The reformulated queries hit.
	h.model.On("Topic that hit a dead end: stubborn subject", testutil.QueriesResponse("fresh", 2))
	h.search.Results["fresh angle 1"] = testutil.SearchResults("fresh", 2)
	url := "https://fresh.example/page-1"
	h.model.On("Topic: stubborn subject", testutil.SelectionResponse(url))
	h.scraper.Pages[url] = testutil.LongPage("fresh")
	h.model.On("Topic for this dossier: stubborn subject",
		testutil.DossierResponse("Recovered narrative [1].", "- found it", url))
	h.model.On("final research report", "Report.")

	sctx := state.NewContext("sess-remed", "query")
	if _, _, err := h.orch.Plan(ctx, sctx, domain.ModeFlat, ""); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	stream := events.NewStream("sess-remed")
	if _, err := h.orch.Research(ctx, sctx, stream); err != nil {
		t.Fatalf("Research failed: %v", err)
	}

	evs := drainEvents(stream)
	if n := countType(evs, events.TypeTopicComplete); n != 1 {
		t.Errorf("topic_complete = %d, want 1", n)
	}
	if n := countType(evs, events.TypeTopicSkipped); n != 0 {
		t.Errorf("topic_skipped = %d, want 0", n)
	}
}

func TestDeadEndSkipsTopicAfterFailedRemediation(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	h.model.On("research planner", testutil.FlatPlanResponse("doomed subject", "fine subject"))
	// Both think rounds for the doomed topic produce queries that find
	// nothing; the search mock returns no hits for them.
	h.model.On("Current topic to investigate: doomed subject", testutil.QueriesResponse("dud", 2))
	h.model.On("Topic that hit a dead end: doomed subject", testutil.QueriesResponse("dud2", 2))
	h.scriptTopic("fine subject", "fine", "Fine narrative [1].", "- fine learning")
	h.model.On("final research report", "Report from the surviving topic.")

	sctx := state.NewContext("sess-skip", "query")
	if _, _, err := h.orch.Plan(ctx, sctx, domain.ModeFlat, ""); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	stream := events.NewStream("sess-skip")
	doc, err := h.orch.Research(ctx, sctx, stream)
	if err != nil {
		t.Fatalf("Research failed: %v", err)
	}
	if !strings.Contains(doc.Markdown, "surviving topic") {
		t.Errorf("markdown = %q", doc.Markdown)
	}

	evs := drainEvents(stream)
	skipped := 0
	for _, e := range evs {
		if e.Type == events.TypeTopicSkipped {
			skipped++
			if e.Topic.Topic != "doomed subject" {
				t.Errorf("skipped topic = %q", e.Topic.Topic)
			}
			if !strings.Contains(e.Topic.SkipReason, "remediation failed") {
				t.Errorf("skip reason = %q", e.Topic.SkipReason)
			}
		}
	}
	if skipped != 1 {
		t.Errorf("topic_skipped = %d, want 1", skipped)
	}

	cp, err := h.store.Load(ctx, "sess-skip")
	if err != nil {
		t.Fatalf("Load checkpoint: %v", err)
	}
	if len(cp.Completed) != 1 || cp.RemainingCount() != 0 {
		t.Errorf("checkpoint counts = %d/%d", len(cp.Completed), cp.RemainingCount())
	}
}

func TestAllTopicsDeadEndFailsRun(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	h.model.On("research planner", testutil.FlatPlanResponse("doomed subject"))
	h.model.On("Current topic to investigate: doomed subject", testutil.QueriesResponse("dud", 2))
	h.model.On("Topic that hit a dead end: doomed subject", testutil.QueriesResponse("dud2", 2))

	sctx := state.NewContext("sess-alldead", "query")
	if _, _, err := h.orch.Plan(ctx, sctx, domain.ModeFlat, ""); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	stream := events.NewStream("sess-alldead")
	_, err := h.orch.Research(ctx, sctx, stream)
	var sf *SynthesisFailed
	if !errors.As(err, &sf) {
		t.Fatalf("err = %v, want SynthesisFailed", err)
	}
	if sctx.Phase() != domain.PhaseFailed {
		t.Errorf("phase = %s, want failed", sctx.Phase())
	}

	evs := drainEvents(stream)
	last := evs[len(evs)-1]
	if last.Type != events.TypeError || last.Error.Kind != "SynthesisFailed" {
		t.Errorf("terminal = %+v", last)
	}
}

func TestSynthesisFailureSurfaces(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	h.model.On("research planner", testutil.FlatPlanResponse("alpha subject"))
	h.scriptTopic("alpha subject", "alpha", "Alpha narrative [1].", "- alpha learning")
	h.model.OnError("final research report", errors.New("model returned empty content"))

	sctx := state.NewContext("sess-synthfail", "query")
	if _, _, err := h.orch.Plan(ctx, sctx, domain.ModeFlat, ""); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	stream := events.NewStream("sess-synthfail")
	doc, err := h.orch.Research(ctx, sctx, stream)
	if doc != nil {
		t.Error("no document may be produced on synthesis failure")
	}
	var sf *SynthesisFailed
	if !errors.As(err, &sf) || sf.Kind != "final" {
		t.Fatalf("err = %v, want final SynthesisFailed", err)
	}

	cp, err := h.store.Load(ctx, "sess-synthfail")
	if err != nil {
		t.Fatalf("Load checkpoint: %v", err)
	}
	if cp.Status != checkpoint.StatusFailed {
		t.Errorf("checkpoint status = %s, want failed", cp.Status)
	}
}

func countThinks(h *harness, topic string) int {
	n := 0
	for _, req := range h.model.Requests {
		if strings.Contains(req.User, "Current topic to investigate: "+topic) {
			n++
		}
	}
	return n
}

func TestTransientModelFailureRetriedOnce(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	h.model.On("research planner", testutil.FlatPlanResponse("alpha subject"))
	// The first think call 429s; the single retry hits the scripted
	// success rule and the run completes without skipping anything.
	h.model.OnErrorOnce("Current topic to investigate: alpha subject", errors.New("status 429: rate limited"))
	h.scriptTopic("alpha subject", "alpha", "Alpha narrative [1].", "- alpha learning")
	h.model.On("final research report", "Report.")

	sctx := state.NewContext("sess-retry", "query")
	if _, _, err := h.orch.Plan(ctx, sctx, domain.ModeFlat, ""); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	stream := events.NewStream("sess-retry")
	if _, err := h.orch.Research(ctx, sctx, stream); err != nil {
		t.Fatalf("Research failed: %v", err)
	}

	if got := countThinks(h, "alpha subject"); got != 2 {
		t.Errorf("think calls = %d, want 2 (original plus one retry)", got)
	}
	evs := drainEvents(stream)
	if n := countType(evs, events.TypeTopicSkipped); n != 0 {
		t.Errorf("topic_skipped = %d, want 0", n)
	}
}

func TestPersistentTransientFailureEndsRun(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	h.model.On("research planner", testutil.FlatPlanResponse("alpha subject"))
	h.model.OnError("Current topic to investigate: alpha subject", errors.New("status 503: upstream down"))

	sctx := state.NewContext("sess-persist", "query")
	if _, _, err := h.orch.Plan(ctx, sctx, domain.ModeFlat, ""); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	stream := events.NewStream("sess-persist")
	_, err := h.orch.Research(ctx, sctx, stream)
	var tf *TransientExternalFailure
	if !errors.As(err, &tf) {
		t.Fatalf("err = %v, want TransientExternalFailure", err)
	}
	// One retry, no more.
	if got := countThinks(h, "alpha subject"); got != 2 {
		t.Errorf("think calls = %d, want 2", got)
	}

	evs := drainEvents(stream)
	last := evs[len(evs)-1]
	if last.Type != events.TypeError || last.Error.Kind != "TransientExternalFailure" {
		t.Errorf("terminal = %+v", last)
	}
}

func TestModelRefusalNotRetried(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	h.model.On("research planner", testutil.FlatPlanResponse("alpha subject"))
	h.model.OnError("Current topic to investigate: alpha subject",
		&domain.ModelRefusal{Message: "cannot help with that"})

	sctx := state.NewContext("sess-refusal", "query")
	if _, _, err := h.orch.Plan(ctx, sctx, domain.ModeFlat, ""); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	stream := events.NewStream("sess-refusal")
	_, err := h.orch.Research(ctx, sctx, stream)
	if err == nil {
		t.Fatal("expected the run to fail")
	}
	var refusal *domain.ModelRefusal
	if !errors.As(err, &refusal) {
		t.Fatalf("err = %v, want a wrapped ModelRefusal", err)
	}
	// Refusals are deterministic; the retry must not fire.
	if got := countThinks(h, "alpha subject"); got != 1 {
		t.Errorf("think calls = %d, want 1", got)
	}
	drainEvents(stream)
}

func TestMalformedThinkRepromptedStrictly(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	h.model.On("research planner", testutil.FlatPlanResponse("alpha subject"))
	// The first think reply is all URLs, which parses into nothing. The
	// strict reprompt then hits the scripted rule and the topic runs to
	// completion with its dead-end remediation untouched.
	h.model.OnOnce("Current topic to investigate: alpha subject",
		"https://junk.example/a\nhttps://junk.example/b\n")
	h.scriptTopic("alpha subject", "alpha", "Alpha narrative [1].", "- alpha learning")
	h.model.On("final research report", "Report.")

	sctx := state.NewContext("sess-strict", "query")
	if _, _, err := h.orch.Plan(ctx, sctx, domain.ModeFlat, ""); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	stream := events.NewStream("sess-strict")
	if _, err := h.orch.Research(ctx, sctx, stream); err != nil {
		t.Fatalf("Research failed: %v", err)
	}

	strictSeen := false
	for _, req := range h.model.Requests {
		if strings.Contains(req.System, "could not be parsed") {
			strictSeen = true
		}
		if strings.Contains(req.User, "Topic that hit a dead end") {
			t.Error("strict reprompt must not consume the remediation pass")
		}
	}
	if !strictSeen {
		t.Error("no strict reprompt was issued")
	}

	evs := drainEvents(stream)
	if n := countType(evs, events.TypeTopicComplete); n != 1 {
		t.Errorf("topic_complete = %d, want 1", n)
	}
	if n := countType(evs, events.TypeTopicSkipped); n != 0 {
		t.Errorf("topic_skipped = %d, want 0", n)
	}
}

func TestMalformedDossierSkipsTopic(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	h.model.On("research planner", testutil.FlatPlanResponse("garbled subject", "fine subject"))
	// The garbled topic gathers sources fine but its dossier comes back
	// without a narrative. That is a writing failure, not a dead end:
	// the topic is skipped without burning a remediation pass and the
	// run continues.
	h.model.On("Current topic to investigate: garbled subject", testutil.QueriesResponse("garbled", 2))
	h.search.Results["garbled angle 1"] = testutil.SearchResults("garbled", 2)
	h.model.On("Topic: garbled subject", testutil.SelectionResponse("https://garbled.example/page-1"))
	h.scraper.Pages["https://garbled.example/page-1"] = testutil.LongPage("garbled")
	h.model.On("Topic for this dossier: garbled subject", "## KEY LEARNINGS\n- orphaned learning\n")

	h.scriptTopic("fine subject", "fine", "Fine narrative [1].", "- fine learning")
	h.model.On("final research report", "Report from the surviving topic.")

	sctx := state.NewContext("sess-garbled", "query")
	if _, _, err := h.orch.Plan(ctx, sctx, domain.ModeFlat, ""); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	stream := events.NewStream("sess-garbled")
	doc, err := h.orch.Research(ctx, sctx, stream)
	if err != nil {
		t.Fatalf("Research failed: %v", err)
	}
	if !strings.Contains(doc.Markdown, "surviving topic") {
		t.Errorf("markdown = %q", doc.Markdown)
	}

	for _, req := range h.model.Requests {
		if strings.Contains(req.User, "Topic that hit a dead end") {
			t.Error("dossier failure must not trigger query remediation")
		}
	}

	evs := drainEvents(stream)
	skipped := 0
	for _, e := range evs {
		if e.Type != events.TypeTopicSkipped {
			continue
		}
		skipped++
		if e.Topic.Topic != "garbled subject" {
			t.Errorf("skipped topic = %q", e.Topic.Topic)
		}
		if !strings.Contains(e.Topic.SkipReason, "dossier synthesis failed") {
			t.Errorf("skip reason = %q", e.Topic.SkipReason)
		}
	}
	if skipped != 1 {
		t.Errorf("topic_skipped = %d, want 1", skipped)
	}
}

func TestResearchRequiresPlanningPhase(t *testing.T) {
	h := newHarness(Options{})
	sctx := state.NewContext("sess-phase", "query")

	stream := events.NewStream("sess-phase")
	_, err := h.orch.Research(context.Background(), sctx, stream)
	if !errors.Is(err, ErrPhase) {
		t.Fatalf("err = %v, want ErrPhase", err)
	}

	evs := drainEvents(stream)
	if len(evs) != 1 || evs[0].Type != events.TypeError {
		t.Errorf("events = %+v", evs)
	}
}

func TestTelemetryWiringIsTransparent(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	// Both signals disabled yields noop tracer and meter; the stage,
	// session and area spans must not change any run behavior.
	tel, err := observability.NewTelemetry(&observability.TelemetryConfig{ServiceName: "test"})
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	stages := NewStages(h.model, h.search, h.scraper, prompt.DefaultLibrary(), DefaultStageConfig(), tel, nil)
	h.orch = NewOrchestrator(stages, checkpoint.NewManager(h.store, nil, nil), nil, nil, Options{})

	h.model.On("research planner", testutil.FlatPlanResponse("alpha subject"))
	h.scriptTopic("alpha subject", "alpha", "Alpha narrative [1].", "- alpha learning")
	h.model.On("final research report", "Traced report.")

	sctx := state.NewContext("sess-traced", "query")
	if _, _, err := h.orch.Plan(ctx, sctx, domain.ModeFlat, ""); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	stream := events.NewStream("sess-traced")
	doc, err := h.orch.Research(ctx, sctx, stream)
	if err != nil {
		t.Fatalf("Research failed: %v", err)
	}
	if !strings.Contains(doc.Markdown, "Traced report.") {
		t.Errorf("markdown = %q", doc.Markdown)
	}
	drainEvents(stream)
}

func TestReviseKeepsShapeAndBumpsVersion(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	h.model.On("research planner", testutil.FlatPlanResponse("old one", "old two"))
	h.model.On("revising a research plan", testutil.FlatPlanResponse("new one", "new two", "new three"))

	sctx := state.NewContext("sess-revise", "query")
	if _, _, err := h.orch.Plan(ctx, sctx, domain.ModeFlat, ""); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	stream := events.NewStream("sess-revise")
	revised, version, err := h.orch.Revise(ctx, sctx, "scope changed", stream)
	if err != nil {
		t.Fatalf("Revise failed: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
	if revised.Mode() != domain.ModeFlat || len(revised.Topics) != 3 {
		t.Errorf("revised = %+v", revised)
	}
	if got := sctx.Remaining(); len(got) != 3 || got[0] != "new one" {
		t.Errorf("remaining = %v", got)
	}

	stream.Done("", 0, 0)
	evs := drainEvents(stream)
	if n := countType(evs, events.TypePlanRevised); n != 1 {
		t.Errorf("plan_revised events = %d, want 1", n)
	}
}

func TestAreaRevisionRejectsFlatShape(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	areas := []domain.Area{
		{Name: "One", Topics: []string{"t1", "t2"}},
		{Name: "Two", Topics: []string{"t3", "t4"}},
		{Name: "Three", Topics: []string{"t5", "t6"}},
	}
	h.model.On("Partition the research question", testutil.AreaPlanResponse(areas))
	// The revision comes back as a flat list, which breaks the shape
	// contract for an area-mode session.
	h.model.On("revising a research plan", testutil.FlatPlanResponse("flat one", "flat two"))

	sctx := state.NewContext("sess-shape", "query")
	if _, _, err := h.orch.Plan(ctx, sctx, domain.ModeArea, ""); err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	_, _, err := h.orch.Revise(ctx, sctx, "why not", nil)
	var piv *PlanInvariantViolation
	if !errors.As(err, &piv) {
		t.Fatalf("err = %v, want PlanInvariantViolation", err)
	}
	if _, version := sctx.Plan(); version != 1 {
		t.Errorf("version = %d, rejected revision must not bump it", version)
	}
}

func TestClarifyPhaseAndTitle(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	h.model.On("clarifying questions", testutil.ClarifyResponse("Runtime Study", "Which runtimes?", "What depth?"))

	sctx := state.NewContext("sess-clarify", "query")
	title, questions, err := h.orch.Clarify(ctx, sctx)
	if err != nil {
		t.Fatalf("Clarify failed: %v", err)
	}
	if title != "Runtime Study" || len(questions) != 2 {
		t.Errorf("title=%q questions=%v", title, questions)
	}
	if sctx.Phase() != domain.PhaseClarifying {
		t.Errorf("phase = %s", sctx.Phase())
	}

	if _, _, err := h.orch.Clarify(ctx, sctx); !errors.Is(err, ErrPhase) {
		t.Errorf("second clarify err = %v, want ErrPhase", err)
	}
}

func TestResumeInvestigatesOnlyRemaining(t *testing.T) {
	h := newHarness(Options{})
	ctx := context.Background()

	h.scriptTopic("beta subject", "beta", "Beta narrative [1].", "- beta learning")
	h.model.On("final research report", "Resumed report.")

	cp := &domain.Checkpoint{
		SessionID:   "sess-resume",
		Query:       "query",
		Mode:        domain.ModeFlat,
		PlanVersion: 1,
		Plan:        domain.Plan{Topics: []string{"alpha subject", "beta subject"}},
		Completed: []domain.Dossier{
			{Topic: "alpha subject", Narrative: "Alpha done [1].", KeyLearnings: "- alpha learning", Sources: []string{"https://alpha.example/page-1"}},
		},
		Remaining: []string{"beta subject"},
		Learnings: []string{"- alpha learning"},
		Sources:   []string{"https://alpha.example/page-1"},
		Status:    checkpoint.StatusResearching,
	}
	if err := h.store.Save(ctx, "sess-resume", cp); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	sctx, err := h.orch.Resume(cp)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if got := sctx.Remaining(); len(got) != 1 || got[0] != "beta subject" {
		t.Fatalf("remaining = %v", got)
	}

	stream := events.NewStream("sess-resume")
	doc, err := h.orch.Research(ctx, sctx, stream)
	if err != nil {
		t.Fatalf("Research failed: %v", err)
	}

	// The registry is reseeded from the checkpoint: alpha keeps global
	// [1], beta's new source gets [2].
	if !strings.Contains(doc.Markdown, "[1] https://alpha.example/page-1") ||
		!strings.Contains(doc.Markdown, "[2] https://beta.example/page-1") {
		t.Errorf("source numbering not preserved across resume: %q", doc.Markdown)
	}

	// Exactly n-k topics investigated: alpha must never be re-thought.
	for _, req := range h.model.Requests {
		if strings.Contains(req.User, "Current topic to investigate: alpha subject") {
			t.Error("completed topic was re-investigated")
		}
	}
	// The synthesis still covers all dossiers, old and new.
	found := false
	for _, req := range h.model.Requests {
		if strings.Contains(req.System, "final research report") &&
			strings.Contains(req.User, "alpha subject") &&
			strings.Contains(req.User, "beta subject") {
			found = true
		}
	}
	if !found {
		t.Error("synthesis did not cover the checkpointed dossiers")
	}
}

func TestResumeRejectsFinishedSession(t *testing.T) {
	h := newHarness(Options{})
	cp := &domain.Checkpoint{
		SessionID: "done-sess",
		Mode:      domain.ModeFlat,
		Status:    checkpoint.StatusDone,
	}
	if _, err := h.orch.Resume(cp); err == nil {
		t.Fatal("expected error resuming a finished session")
	}
}

// trackingModel counts in-flight completions to observe concurrency.
type trackingModel struct {
	inner    domain.ModelClient
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (m *trackingModel) Complete(ctx context.Context, req domain.ModelRequest) (*domain.ModelResponse, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		max := m.maxSeen.Load()
		if n <= max || m.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.inner.Complete(ctx, req)
}

func scriptAreaTopics(h *harness, areas []domain.Area) {
	for _, area := range areas {
		for i, topic := range area.Topics {
			slug := strings.ToLower(area.Name) + "-t" + string(rune('1'+i))
			h.scriptTopic(topic, slug, "Narrative for "+topic+" [1].", "- learned in "+area.Name+": "+topic)
		}
	}
}

func TestAreaRunConcurrencyAndBarrier(t *testing.T) {
	h := newHarness(Options{MaxAreaConcurrency: 4})
	ctx := context.Background()

	areas := []domain.Area{
		{Name: "North", Topics: []string{"north topic one", "north topic two"}},
		{Name: "South", Topics: []string{"south topic one", "south topic two"}},
		{Name: "East", Topics: []string{"east topic one", "east topic two"}},
	}
	scriptAreaTopics(h, areas)
	h.model.On("synthesizing one research area", "Area section with citation [1].")
	h.model.On("cross-cutting conclusion", "Cross-area conclusion.")

	tracking := &trackingModel{inner: h.model, delay: 30 * time.Millisecond}
	stages := NewStages(tracking, h.search, h.scraper, prompt.DefaultLibrary(), DefaultStageConfig(), nil, nil)
	h.orch = NewOrchestrator(stages, checkpoint.NewManager(h.store, nil, nil), nil, nil, Options{MaxAreaConcurrency: 4})

	sctx := state.NewContext("sess-area", "broad question")
	sctx.SetPlan(domain.Plan{Areas: areas})
	sctx.SetPhase(domain.PhasePlanning)

	stream := events.NewStream("sess-area")
	doc, err := h.orch.Research(ctx, sctx, stream)
	if err != nil {
		t.Fatalf("Research failed: %v", err)
	}

	if max := tracking.maxSeen.Load(); max < 2 {
		t.Errorf("max concurrent model calls = %d, areas did not overlap", max)
	}

	if !strings.Contains(doc.Markdown, "## North") || !strings.Contains(doc.Markdown, "## Conclusion") {
		t.Errorf("markdown missing sections: %q", doc.Markdown)
	}
	if !strings.Contains(doc.Markdown, "Cross-area conclusion.") {
		t.Errorf("markdown missing conclusion: %q", doc.Markdown)
	}

	evs := drainEvents(stream)
	if n := countType(evs, events.TypeAreaStart); n != 3 {
		t.Errorf("area_start = %d, want 3", n)
	}
	if n := countType(evs, events.TypeAreaComplete); n != 3 {
		t.Errorf("area_complete = %d, want 3", n)
	}

	// Barrier: the cross-area synthesis must come after every area
	// completed.
	lastAreaComplete, crossStart := -1, -1
	for i, e := range evs {
		if e.Type == events.TypeAreaComplete {
			lastAreaComplete = i
		}
		if e.Type == events.TypeSynthesisStart && e.Synthesis.Kind == "cross_area" {
			crossStart = i
		}
	}
	if crossStart < lastAreaComplete {
		t.Errorf("cross-area synthesis at %d before last area completion at %d", crossStart, lastAreaComplete)
	}

	if n := countType(evs, events.TypeDone); n != 1 {
		t.Errorf("done = %d, want 1", n)
	}
}

func TestAreaReportCarriesExecutiveSummary(t *testing.T) {
	h := newHarness(Options{MaxAreaConcurrency: 1})
	ctx := context.Background()

	areas := []domain.Area{
		{Name: "North", Topics: []string{"north topic one"}},
		{Name: "South", Topics: []string{"south topic one"}},
	}
	scriptAreaTopics(h, areas)
	h.model.On("synthesizing one research area", "Area section [1].")
	h.model.On("cross-cutting conclusion",
		testutil.CrossAreaResponse("Summary across both areas.", "Overall conclusion."))

	sctx := state.NewContext("sess-exec", "broad question")
	sctx.SetTitle("Broad Study")
	sctx.SetPlan(domain.Plan{Areas: areas})
	sctx.SetPhase(domain.PhasePlanning)

	stream := events.NewStream("sess-exec")
	doc, err := h.orch.Research(ctx, sctx, stream)
	if err != nil {
		t.Fatalf("Research failed: %v", err)
	}
	drainEvents(stream)

	md := doc.Markdown
	if !strings.Contains(md, "## Executive Summary\n\nSummary across both areas.") {
		t.Errorf("markdown missing executive summary: %q", md)
	}
	if !strings.Contains(md, "Overall conclusion.") {
		t.Errorf("markdown missing conclusion: %q", md)
	}
	// Section order: summary first, then the areas, then the conclusion.
	summaryAt := strings.Index(md, "## Executive Summary")
	northAt := strings.Index(md, "## North")
	conclusionAt := strings.Index(md, "## Conclusion")
	if !(summaryAt < northAt && northAt < conclusionAt) {
		t.Errorf("section order wrong: summary=%d north=%d conclusion=%d", summaryAt, northAt, conclusionAt)
	}
}

func TestAreaIsolationOfLearnings(t *testing.T) {
	h := newHarness(Options{MaxAreaConcurrency: 1})
	ctx := context.Background()

	areas := []domain.Area{
		{Name: "North", Topics: []string{"north topic one", "north topic two"}},
		{Name: "South", Topics: []string{"south topic one", "south topic two"}},
		{Name: "East", Topics: []string{"east topic one", "east topic two"}},
	}
	scriptAreaTopics(h, areas)
	h.model.On("synthesizing one research area", "Area section.")
	h.model.On("cross-cutting conclusion", "Conclusion.")

	sctx := state.NewContext("sess-iso", "broad question")
	sctx.SetPlan(domain.Plan{Areas: areas})
	sctx.SetPhase(domain.PhasePlanning)

	stream := events.NewStream("sess-iso")
	if _, err := h.orch.Research(ctx, sctx, stream); err != nil {
		t.Fatalf("Research failed: %v", err)
	}

	// Progress counts completions across every area, not just the
	// emitting one: with sequential areas the six topic_complete events
	// step 1..6 over the session total.
	evs := drainEvents(stream)
	want := 0
	for _, e := range evs {
		if e.Type != events.TypeTopicComplete {
			continue
		}
		want++
		if e.Topic.Completed != want || e.Topic.Total != 6 {
			t.Errorf("progress = %d/%d, want %d/6", e.Topic.Completed, e.Topic.Total, want)
		}
		if !strings.Contains(e.Topic.DossierExcerpt, "learned in") {
			t.Errorf("excerpt = %q, want key learnings", e.Topic.DossierExcerpt)
		}
	}

	for _, req := range h.model.Requests {
		if !strings.Contains(req.User, "Current topic to investigate:") {
			continue
		}
		// A South think prompt must never see North learnings, and so
		// on: learnings stay inside their area until the join.
		for _, area := range areas {
			if strings.Contains(req.User, strings.ToLower(area.Name)+" topic") {
				for _, other := range areas {
					if other.Name == area.Name {
						continue
					}
					if strings.Contains(req.User, "learned in "+other.Name) {
						t.Errorf("%s prompt leaked %s learnings", area.Name, other.Name)
					}
				}
			}
		}
	}

	// Second topic of an area does see its own area's learnings.
	foundOwn := false
	for _, req := range h.model.Requests {
		if strings.Contains(req.User, "Current topic to investigate: north topic two") &&
			strings.Contains(req.User, "learned in North: north topic one") {
			foundOwn = true
		}
	}
	if !foundOwn {
		t.Error("area's own learnings not threaded to its later topics")
	}
}

func TestAreaResumeSkipsFinishedArea(t *testing.T) {
	h := newHarness(Options{MaxAreaConcurrency: 2})
	ctx := context.Background()

	areas := []domain.Area{
		{Name: "North", Topics: []string{"north topic one", "north topic two"}},
		{Name: "South", Topics: []string{"south topic one", "south topic two"}},
		{Name: "East", Topics: []string{"east topic one", "east topic two"}},
	}
	scriptAreaTopics(h, areas)
	h.model.On("synthesizing one research area", "Area section.")
	h.model.On("cross-cutting conclusion", "Conclusion.")

	// Prior checkpoint: North fully done with a synthesis, South has
	// one topic left, East untouched.
	prior := &domain.Checkpoint{
		SessionID:   "sess-area-resume",
		Query:       "broad question",
		Mode:        domain.ModeArea,
		PlanVersion: 1,
		Plan:        domain.Plan{Areas: areas},
		Areas: []domain.AreaCheckpoint{
			{
				Name: "North",
				Completed: []domain.Dossier{
					{Topic: "north topic one", Narrative: "n1 [1]", Sources: []string{"https://n1.example"}},
					{Topic: "north topic two", Narrative: "n2 [1]", Sources: []string{"https://n2.example"}},
				},
				Learnings: []string{"- learned in North: north topic one"},
				Synthesis: "North synthesis already written.",
			},
			{
				Name: "South",
				Completed: []domain.Dossier{
					{Topic: "south topic one", Narrative: "s1 [1]", Sources: []string{"https://s1.example"}},
				},
				Remaining: []string{"south topic two"},
				Learnings: []string{"- learned in South: south topic one"},
			},
			{
				Name:      "East",
				Remaining: []string{"east topic one", "east topic two"},
			},
		},
		Sources: []string{"https://n1.example", "https://n2.example", "https://s1.example"},
		Status:  checkpoint.StatusResearching,
	}
	if err := h.store.Save(ctx, "sess-area-resume", prior); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	sctx, err := h.orch.Resume(prior)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	stream := events.NewStream("sess-area-resume")
	doc, err := h.orch.Research(ctx, sctx, stream)
	if err != nil {
		t.Fatalf("Research failed: %v", err)
	}
	drainEvents(stream)

	for _, req := range h.model.Requests {
		if strings.Contains(req.User, "Current topic to investigate: north topic") {
			t.Error("finished area was re-investigated")
		}
		if strings.Contains(req.User, "Current topic to investigate: south topic one") {
			t.Error("completed topic was re-investigated")
		}
		if strings.Contains(req.System, "synthesizing one research area") &&
			strings.Contains(req.User, "Area: North") {
			t.Error("finished area was re-synthesized")
		}
	}

	if !strings.Contains(doc.Markdown, "North synthesis already written.") {
		t.Errorf("checkpointed synthesis not reused: %q", doc.Markdown)
	}
}
