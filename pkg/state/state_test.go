package state

import (
	"strings"
	"testing"
	"time"

	"github.com/probelab/deepresearch/pkg/domain"
)

func TestSetPlanRebuildsQueue(t *testing.T) {
	ctx := NewContext("s1", "question")

	v := ctx.SetPlan(domain.Plan{Topics: []string{"a", "b", "c"}})
	if v != 1 {
		t.Errorf("plan version = %d, want 1", v)
	}
	if got := ctx.Remaining(); len(got) != 3 || got[0] != "a" {
		t.Errorf("remaining = %v", got)
	}

	v = ctx.SetPlan(domain.Plan{Areas: []domain.Area{
		{Name: "A", Topics: []string{"x", "y"}},
		{Name: "B", Topics: []string{"z"}},
	}})
	if v != 2 {
		t.Errorf("plan version = %d, want 2", v)
	}
	if got := ctx.Remaining(); len(got) != 3 || got[2] != "z" {
		t.Errorf("remaining = %v", got)
	}
}

func TestRecordDossierAdvancesQueue(t *testing.T) {
	ctx := NewContext("s1", "question")
	ctx.SetPlan(domain.Plan{Topics: []string{"a", "b"}})

	ctx.RecordDossier(domain.Dossier{
		Topic:        "a",
		Narrative:    "found things",
		KeyLearnings: "- thing one",
	})

	if got := ctx.Remaining(); len(got) != 1 || got[0] != "b" {
		t.Errorf("remaining = %v", got)
	}
	if got := ctx.Completed(); len(got) != 1 || got[0].Topic != "a" {
		t.Errorf("completed = %v", got)
	}
	if !strings.Contains(ctx.Learnings(), "thing one") {
		t.Errorf("learnings = %q", ctx.Learnings())
	}
}

func TestSkipTopic(t *testing.T) {
	ctx := NewContext("s1", "question")
	ctx.SetPlan(domain.Plan{Topics: []string{"a", "b"}})

	ctx.SkipTopic("a")

	if got := ctx.Remaining(); len(got) != 1 || got[0] != "b" {
		t.Errorf("remaining = %v", got)
	}
	if got := ctx.Completed(); len(got) != 0 {
		t.Errorf("completed = %v", got)
	}
}

func TestLearningsBudgetDropsOldestFirst(t *testing.T) {
	ctx := NewContext("s1", "question")
	ctx.SetLearningsBudget(120)

	ctx.SetLearnings([]string{
		"oldest " + strings.Repeat("o", 60),
		"middle " + strings.Repeat("m", 60),
		"newest " + strings.Repeat("n", 60),
	})

	got := ctx.Learnings()
	if len(got) > 120 {
		t.Errorf("learnings length %d exceeds budget", len(got))
	}
	if strings.Contains(got, "oldest") {
		t.Error("oldest entry should be truncated first")
	}
	if !strings.Contains(got, "newest") {
		t.Error("newest entry must survive")
	}
}

func TestLearningsSingleOversizedEntryKeepsTail(t *testing.T) {
	ctx := NewContext("s1", "question")
	ctx.SetLearningsBudget(10)
	ctx.SetLearnings([]string{strings.Repeat("a", 30) + "tail-marker"})

	got := ctx.Learnings()
	if len(got) != 10 {
		t.Errorf("length = %d, want 10", len(got))
	}
	if !strings.HasSuffix(got, "tail-marker"[len("tail-marker")-10:]) {
		t.Errorf("tail not kept: %q", got)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry(time.Minute)

	entry := reg.Create("what is zero trust")
	if entry.Session.ID == "" {
		t.Fatal("session id is empty")
	}
	if entry.Session.Phase != domain.PhaseInitial {
		t.Errorf("phase = %v", entry.Session.Phase)
	}

	got, err := reg.Get(entry.Session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Context != entry.Context {
		t.Error("Get returned a different context")
	}

	if _, err := reg.Get("missing"); err != ErrSessionNotFound {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}

	if sessions := reg.List(); len(sessions) != 1 {
		t.Errorf("List returned %d sessions", len(sessions))
	}
}
