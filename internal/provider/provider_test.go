package provider

import (
	"context"
	"sync"
	"testing"

	"logview/internal/policy"
)

type view map[string]int

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.AddLogConsistencyProvider("orders", nil); err != nil {
		t.Fatal(err)
	}
	if err := r.AddLogConsistencyProvider("orders", nil); err == nil {
		t.Fatal("duplicate registration must fail")
	}
	if _, ok := r.Provider("orders"); !ok {
		t.Fatal("lookup by name failed")
	}
	if _, ok := r.Provider(""); ok {
		t.Fatal("no default registered yet")
	}
}

func TestDefaultProvider(t *testing.T) {
	r := NewRegistry()
	if err := r.AddLogConsistencyProviderAsDefault("main", nil); err != nil {
		t.Fatal(err)
	}
	p, ok := r.Provider("")
	if !ok || p.Name != "main" {
		t.Fatalf("default lookup = %+v, %t", p, ok)
	}
	if err := r.AddLogConsistencyProviderAsDefault("other", nil); err == nil {
		t.Fatal("second default must fail")
	}
}

func TestRejectsUnknownSerializer(t *testing.T) {
	r := NewRegistry()
	err := r.AddLogConsistencyProvider("orders", func(o *Options) { o.Serializer = "xml" })
	if err == nil {
		t.Fatal("unknown serializer must be rejected")
	}
}

func TestPolicyResolution(t *testing.T) {
	r := NewRegistry()
	if err := r.AddLogConsistencyProvider("explicit", func(o *Options) {
		o.SnapshotPolicy = policy.Every[view, string](2)
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddLogConsistencyProviderAsDefault("main", func(o *Options) {
		o.SnapshotPolicy = policy.Every[view, string](5)
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddLogConsistencyProvider("bare", nil); err != nil {
		t.Fatal(err)
	}

	p := PolicyFor[view, string](r, "explicit")
	if !p.ShouldTakeSnapshot(view{}, 2, nil) || p.ShouldTakeSnapshot(view{}, 5, nil) {
		t.Fatal("explicit policy should win")
	}

	// A provider without its own policy falls back to the default
	// registration.
	p = PolicyFor[view, string](r, "bare")
	if !p.ShouldTakeSnapshot(view{}, 5, nil) {
		t.Fatal("expected fallback to the default provider's policy")
	}

	p = PolicyFor[view, string](NewRegistry(), "missing")
	if p.ShouldTakeSnapshot(view{}, 1, nil) {
		t.Fatal("expected None for an empty registry")
	}
}

func TestInitRunsInStageOrder(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	var order []string
	add := func(name string, stage int) {
		if err := r.AddLogConsistencyProvider(name, func(o *Options) {
			o.InitStage = stage
			o.Init = func(context.Context) error {
				mu.Lock()
				defer mu.Unlock()
				order = append(order, name)
				return nil
			}
		}); err != nil {
			t.Fatal(err)
		}
	}
	add("late", 20)
	add("early", 5)
	add("mid", 10)

	if err := r.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"early", "mid", "late"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("init order = %v", order)
		}
	}
}
