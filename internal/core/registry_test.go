package core

import (
	"errors"
	"testing"

	"ravesim/pkg/domain"
)

func TestRegistryLookupAndOrder(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Default(); !errors.Is(err, ErrStudyNotFound) {
		t.Fatalf("expected ErrStudyNotFound from empty registry, got %v", err)
	}

	second := domain.Study{OID: "Other(Dev)", ProjectName: "Other", Environment: "Dev"}
	a := NewEngine(testStudy, testSettings(nil))
	b := NewEngine(second, testSettings(nil))
	if err := reg.Register(a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := reg.Register(b); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if err := reg.Register(NewEngine(testStudy, testSettings(nil))); err == nil {
		t.Fatalf("expected duplicate registration error")
	}

	if got, err := reg.Lookup("Other(Dev)"); err != nil || got != b {
		t.Fatalf("lookup returned %v, %v", got, err)
	}
	if _, err := reg.Lookup("Missing(Prod)"); !errors.Is(err, ErrStudyNotFound) {
		t.Fatalf("expected ErrStudyNotFound, got %v", err)
	}
	if def, _ := reg.Default(); def != a {
		t.Fatalf("default should be the first registered engine")
	}
	studies := reg.Studies()
	if len(studies) != 2 || studies[0].OID != testStudy.OID || studies[1].OID != "Other(Dev)" {
		t.Fatalf("unexpected studies %+v", studies)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
