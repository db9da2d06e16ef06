package voxbridge

import "testing"

func TestNewEngineWithMockProviders(t *testing.T) {
	cfg := mockedConfig(t)
	cfg.Metrics.SampleRate = 0.5

	eng, err := NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if eng.Registry() == nil {
		t.Fatalf("nil registry")
	}
	if eng.Config().Upstream.Provider != "mock" {
		t.Fatalf("config not retained")
	}
	if err := eng.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestNewEngineRejectsBadProviderSettings(t *testing.T) {
	cfg := mockedConfig(t)
	cfg.Upstream.Provider = "openai_realtime" // no api_key in settings

	if _, err := NewEngine(cfg, nil); err == nil {
		t.Fatalf("expected settings validation failure")
	}
}
