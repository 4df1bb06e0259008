package solver

import "testing"

func TestAdamConfigValidType(t *testing.T) {
	cfg := AdamConfig{}
	if !cfg.ValidType(Adam) {
		t.Fatal("AdamConfig should be valid for the Adam type")
	}
	if cfg.ValidType(Vanilla) {
		t.Fatal("AdamConfig should not be valid for the Vanilla type")
	}
}

func TestAdamConfigCreateReturnsSolver(t *testing.T) {
	cfg := AdamConfig{StepSize: 1e-3, Epsilon: 1e-8, Beta1: 0.9, Beta2: 0.999, Batch: 4}
	if s := cfg.Create(); s == nil {
		t.Fatal("Create() returned a nil Gorgonia solver")
	}
}

func TestAdamConfigCreateAppliesClipAndWeightDecay(t *testing.T) {
	// These paths (Clip > 0, WeightDecay > 0) add extra G.SolverOpt
	// entries; confirm they don't panic and still produce a solver.
	cfg := AdamConfig{StepSize: 1e-3, Epsilon: 1e-8, Beta1: 0.9, Beta2: 0.999,
		Batch: 4, Clip: 5.0, WeightDecay: 1e-4}
	if s := cfg.Create(); s == nil {
		t.Fatal("Create() with Clip/WeightDecay returned a nil solver")
	}
}

func TestNewAdamRejectsNothingForValidParams(t *testing.T) {
	s, err := NewAdam(1e-3, 1e-8, 0.9, 0.999, 32, -1.0)
	if err != nil {
		t.Fatalf("NewAdam: %v", err)
	}
	if s.Type != Adam {
		t.Fatalf("Type = %v, want Adam", s.Type)
	}
}

func TestNewVanillaRejectsNothingForValidParams(t *testing.T) {
	s, err := NewVanilla(1e-3, 32, -1.0)
	if err != nil {
		t.Fatalf("NewVanilla: %v", err)
	}
	if s.Type != Vanilla {
		t.Fatalf("Type = %v, want Vanilla", s.Type)
	}
}

func TestVanillaConfigValidType(t *testing.T) {
	cfg := VanillaConfig{}
	if !cfg.ValidType(Vanilla) {
		t.Fatal("VanillaConfig should be valid for the Vanilla type")
	}
	if cfg.ValidType(Adam) {
		t.Fatal("VanillaConfig should not be valid for the Adam type")
	}
}

func TestVanillaConfigCreateAppliesClip(t *testing.T) {
	cfg := VanillaConfig{StepSize: 1e-3, Batch: 4, Clip: 5.0}
	if s := cfg.Create(); s == nil {
		t.Fatal("Create() with Clip returned a nil solver")
	}
}

func TestNewRMSPropRejectsNonDefaultEta(t *testing.T) {
	if _, err := NewRMSProp(1e-3, 1e-8, 0.01, 0.999, 32, -1.0); err == nil {
		t.Fatal("expected an error for a non-default eta")
	}
}

func TestNewRMSPropAcceptsDefaultEta(t *testing.T) {
	s, err := NewDefaultRMSProp(1e-3, 32)
	if err != nil {
		t.Fatalf("NewDefaultRMSProp: %v", err)
	}
	if s.Type != RMSProp {
		t.Fatalf("Type = %v, want RMSProp", s.Type)
	}
}

func TestPlateauHalvesLearningRateAfterPatience(t *testing.T) {
	p := NewPlateau(1.0, 0.5, 1e-6, 2)

	if lr, improved := p.Step(10.0); lr != 1.0 || !improved {
		t.Fatalf("first value should always improve: lr=%v improved=%v", lr, improved)
	}
	if lr, improved := p.Step(11.0); lr != 1.0 || improved {
		t.Fatalf("non-improving step 1: lr=%v improved=%v", lr, improved)
	}
	lr, improved := p.Step(12.0)
	if improved {
		t.Fatal("second consecutive non-improving step should not count as improved")
	}
	if lr != 0.5 {
		t.Fatalf("lr after patience exhausted = %v, want 0.5", lr)
	}
}

func TestPlateauFloorsAtMinLR(t *testing.T) {
	p := NewPlateau(0.01, 0.1, 0.005, 1)
	p.Step(1.0)
	lr, _ := p.Step(2.0)
	if lr < 0.005 {
		t.Fatalf("lr = %v, fell below floor 0.005", lr)
	}
}
