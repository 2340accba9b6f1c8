package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/lokutor-ai/voice-gateway/internal/capability"
	"github.com/lokutor-ai/voice-gateway/internal/gwerr"
)

type stubSTT struct{ name string }

func (s *stubSTT) Connect(context.Context, capability.STTConfig) error { return nil }
func (s *stubSTT) SendAudio([]byte) error                              { return nil }
func (s *stubSTT) OnResult(capability.STTResultCallback)               {}
func (s *stubSTT) OnError(capability.STTErrorCallback)                 {}
func (s *stubSTT) Disconnect() error                                   { return nil }
func (s *stubSTT) IsReady() bool                                       { return true }
func (s *stubSTT) ProviderInfo() *capability.Descriptor                { return nil }

func descriptor(id string, aliases ...string) *capability.Descriptor {
	aliasSet := map[string]struct{}{}
	for _, a := range aliases {
		aliasSet[a] = struct{}{}
	}
	return &capability.Descriptor{ID: id, Capability: capability.KindSTT, Aliases: aliasSet}
}

func TestRegisterAndCreate(t *testing.T) {
	r := New(nil)
	d := descriptor("deepgram", "dg")
	err := r.RegisterSTT(d, func(ctx context.Context, cfg capability.STTConfig) (capability.STT, error) {
		return &stubSTT{name: "deepgram"}, nil
	}, false)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	inst, err := r.CreateSTT(context.Background(), "deepgram", capability.STTConfig{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if inst.(*stubSTT).name != "deepgram" {
		t.Fatalf("unexpected instance: %+v", inst)
	}
}

func TestAliasResolvesToSameFactory(t *testing.T) {
	r := New(nil)
	d := descriptor("deepgram", "dg")
	err := r.RegisterSTT(d, func(ctx context.Context, cfg capability.STTConfig) (capability.STT, error) {
		return &stubSTT{name: "deepgram"}, nil
	}, false)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	a, err := r.CreateSTT(context.Background(), "dg", capability.STTConfig{})
	if err != nil {
		t.Fatalf("create via alias failed: %v", err)
	}
	b, err := r.CreateSTT(context.Background(), "deepgram", capability.STTConfig{})
	if err != nil {
		t.Fatalf("create via canonical failed: %v", err)
	}
	if a.(*stubSTT).name != b.(*stubSTT).name {
		t.Fatalf("alias and canonical did not invoke the same factory")
	}
}

func TestCaseInsensitiveLookup(t *testing.T) {
	r := New(nil)
	d := descriptor("Deepgram")
	if err := r.RegisterSTT(d, func(ctx context.Context, cfg capability.STTConfig) (capability.STT, error) {
		return &stubSTT{}, nil
	}, false); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !r.IsRegistered("DEEPGRAM") {
		t.Fatalf("expected case-insensitive lookup to resolve")
	}
}

func TestDuplicateRegistrationRejectedWithoutReplace(t *testing.T) {
	r := New(nil)
	d := descriptor("deepgram")
	factory := func(ctx context.Context, cfg capability.STTConfig) (capability.STT, error) {
		return &stubSTT{}, nil
	}
	if err := r.RegisterSTT(d, factory, false); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := r.RegisterSTT(d, factory, false)
	if err == nil {
		t.Fatalf("expected DuplicateProvider error")
	}
	if gwerr.As(err) == nil || gwerr.As(err).Code != gwerr.Config {
		t.Fatalf("expected a gwerr.Config error, got %v", err)
	}
}

func TestDuplicateRegistrationAllowedWithReplace(t *testing.T) {
	r := New(nil)
	d := descriptor("deepgram")
	if err := r.RegisterSTT(d, func(ctx context.Context, cfg capability.STTConfig) (capability.STT, error) {
		return &stubSTT{name: "v1"}, nil
	}, false); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.RegisterSTT(d, func(ctx context.Context, cfg capability.STTConfig) (capability.STT, error) {
		return &stubSTT{name: "v2"}, nil
	}, true); err != nil {
		t.Fatalf("replace register failed: %v", err)
	}
	inst, err := r.CreateSTT(context.Background(), "deepgram", capability.STTConfig{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if inst.(*stubSTT).name != "v2" {
		t.Fatalf("expected replaced factory to win, got %s", inst.(*stubSTT).name)
	}
}

func TestUnknownProvider(t *testing.T) {
	r := New(nil)
	_, err := r.CreateSTT(context.Background(), "nonesuch", capability.STTConfig{})
	if err == nil {
		t.Fatalf("expected unknown provider error")
	}
	if gwerr.As(err) == nil || gwerr.As(err).Code != gwerr.Config {
		t.Fatalf("expected Config error kind, got %v", err)
	}
}

func TestFactoryPanicIsIsolated(t *testing.T) {
	r := New(nil)
	d := descriptor("flaky")
	if err := r.RegisterSTT(d, func(ctx context.Context, cfg capability.STTConfig) (capability.STT, error) {
		panic("boom")
	}, false); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	_, err := r.CreateSTT(context.Background(), "flaky", capability.STTConfig{})
	if err == nil {
		t.Fatalf("expected PluginPanicked error")
	}
	if gwerr.As(err) == nil || gwerr.As(err).Code != gwerr.PluginPanicked {
		t.Fatalf("expected PluginPanicked, got %v", err)
	}

	snap, ok := r.EntrySnapshot("flaky")
	if !ok {
		t.Fatalf("expected entry to exist")
	}
	if snap.State != StateFailed {
		t.Fatalf("expected Failed state after panic, got %s", snap.State)
	}
	if snap.ErrorCount != 1 {
		t.Fatalf("expected error count 1, got %d", snap.ErrorCount)
	}
}

func TestListPreservesInsertionOrder(t *testing.T) {
	r := New(nil)
	ids := []string{"c", "a", "b"}
	for _, id := range ids {
		if err := r.RegisterSTT(descriptor(id), func(ctx context.Context, cfg capability.STTConfig) (capability.STT, error) {
			return &stubSTT{}, nil
		}, false); err != nil {
			t.Fatalf("register %s failed: %v", id, err)
		}
	}
	got := r.List(capability.KindSTT)
	for i, id := range ids {
		if got[i] != id {
			t.Fatalf("expected insertion order %v, got %v", ids, got)
		}
	}
}

func TestConcurrentRegisterAndCreate(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "provider"
			_ = r.RegisterSTT(descriptor(id), func(ctx context.Context, cfg capability.STTConfig) (capability.STT, error) {
				return &stubSTT{}, nil
			}, true)
			_, _ = r.CreateSTT(context.Background(), id, capability.STTConfig{})
		}(i)
	}
	wg.Wait()
}
