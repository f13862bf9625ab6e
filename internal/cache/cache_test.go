package cache

import (
	"testing"

	"github.com/matt-riley/featuresclient/internal/domain"
)

func TestNewCacheStartsEmpty(t *testing.T) {
	c := New()
	if len(c.Active()) != 0 {
		t.Fatalf("Active() = %v, want empty", c.Active())
	}
	if _, ok := c.Get("x"); ok {
		t.Fatal("Get(x) ok = true on empty cache")
	}
}

func TestReplaceActiveIsWholeMapSubstitution(t *testing.T) {
	c := New()
	c.ReplaceActive(domain.FlagMap{"x": {Name: "x", Enabled: true}})
	snapshot := c.Active()

	c.ReplaceActive(domain.FlagMap{"y": {Name: "y", Enabled: true}})

	if _, ok := snapshot["x"]; !ok {
		t.Fatal("previously read snapshot mutated after ReplaceActive")
	}
	if _, ok := c.Get("x"); ok {
		t.Fatal("Get(x) still true after replacement dropped x")
	}
	if f, ok := c.Get("y"); !ok || !f.Enabled {
		t.Fatal("Get(y) did not reflect replacement")
	}
}

func TestPendingStagingAndCommit(t *testing.T) {
	c := New()
	c.ReplaceActive(domain.FlagMap{"x": {Name: "x", Enabled: false}})

	c.SetPending(domain.FlagMap{"x": {Name: "x", Enabled: true}})

	if f, ok := c.Get("x"); !ok || f.Enabled {
		t.Fatal("active read must be unaffected while pending is staged")
	}
	if f, ok := c.GetPendingOrActive("x"); !ok || !f.Enabled {
		t.Fatal("GetPendingOrActive must prefer the pending slot")
	}

	old, applied, ok := c.CommitPending()
	if !ok {
		t.Fatal("CommitPending() ok = false, want true")
	}
	if old["x"].Enabled {
		t.Fatal("CommitPending returned wrong old generation")
	}
	if !applied["x"].Enabled {
		t.Fatal("CommitPending returned wrong applied generation")
	}

	if f, ok := c.Get("x"); !ok || !f.Enabled {
		t.Fatal("active slot was not updated by CommitPending")
	}
	if _, ok := c.Pending(); ok {
		t.Fatal("pending slot still present after commit")
	}
}

func TestCommitPendingWithNothingStagedIsNoop(t *testing.T) {
	c := New()
	_, _, ok := c.CommitPending()
	if ok {
		t.Fatal("CommitPending() ok = true with nothing staged")
	}
}

func TestClearPendingDiscardsWithoutApplying(t *testing.T) {
	c := New()
	c.ReplaceActive(domain.FlagMap{"x": {Name: "x", Enabled: false}})
	c.SetPending(domain.FlagMap{"x": {Name: "x", Enabled: true}})

	c.ClearPending()

	if _, ok := c.Pending(); ok {
		t.Fatal("pending slot still present after ClearPending")
	}
	if f, _ := c.Get("x"); f.Enabled {
		t.Fatal("ClearPending must not apply the discarded generation")
	}
}
