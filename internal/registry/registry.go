// Package registry implements the plugin registry (spec §4.1): name→factory
// dispatch for STT/TTS/Realtime providers in O(1) amortized time, with alias
// resolution, panic isolation, and PluginEntry lifecycle tracking.
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/voice-gateway/internal/capability"
	"github.com/lokutor-ai/voice-gateway/internal/gatewaylog"
	"github.com/lokutor-ai/voice-gateway/internal/gwerr"
)

// State is a PluginEntry's lifecycle state (spec §3.3).
type State string

const (
	StateDiscovered  State = "discovered"
	StateRegistered  State = "registered"
	StateInitializing State = "initializing"
	StateReady       State = "ready"
	StateRunning     State = "running"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
	StateFailed      State = "failed"
)

// Entry is the runtime-observable state of one registered factory.
type Entry struct {
	mu         sync.Mutex
	state      State
	callCount  uint64
	errorCount uint64
	lastError  error
	loadedAt   time.Time
	lastActive time.Time
}

// Snapshot is a point-in-time, lock-free-to-read copy of an Entry.
type Snapshot struct {
	State      State
	CallCount  uint64
	ErrorCount uint64
	LastError  error
	LoadedAt   time.Time
	LastActive time.Time
}

func (e *Entry) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		State:      e.state,
		CallCount:  e.callCount,
		ErrorCount: e.errorCount,
		LastError:  e.lastError,
		LoadedAt:   e.loadedAt,
		LastActive: e.lastActive,
	}
}

func (e *Entry) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Entry) recordCall(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callCount++
	e.lastActive = time.Now()
	if err != nil {
		e.errorCount++
		e.lastError = err
		return
	}
	if e.state == StateRegistered || e.state == StateDiscovered {
		e.state = StateReady
	}
}

func (e *Entry) recordPanic(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callCount++
	e.errorCount++
	e.lastError = err
	e.lastActive = time.Now()
	e.state = StateFailed
}

// STTFactory constructs an STT instance from a config.
type STTFactory func(ctx context.Context, cfg capability.STTConfig) (capability.STT, error)

// TTSFactory constructs a TTS instance from a config.
type TTSFactory func(ctx context.Context, cfg capability.TTSConfig) (capability.TTS, error)

// RealtimeFactory constructs a Realtime instance from a config.
type RealtimeFactory func(ctx context.Context, cfg capability.RealtimeConfig) (capability.Realtime, error)

type sttSlot struct {
	descriptor *capability.Descriptor
	factory    STTFactory
	entry      *Entry
}

type ttsSlot struct {
	descriptor *capability.Descriptor
	factory    TTSFactory
	entry      *Entry
}

type realtimeSlot struct {
	descriptor *capability.Descriptor
	factory    RealtimeFactory
	entry      *Entry
}

// Registry is the process-wide plugin dispatch table. It is created once
// before any session accepts a client (spec §9's "globally shared registry"
// note) and handed to sessions via a handle, never via global mutable state.
//
// Dispatch is two-level per spec §4.1: builtinDispatch is populated by
// SetBuiltin before the registry is shared and is not mutated afterwards,
// giving lock-free O(1) lookup for built-ins; overlay is a
// sync.Map for anything registered later at runtime. No true compile-time
// perfect-hash library exists anywhere in the retrieval pack (see
// DESIGN.md), so both tiers are realized with Go's native map, which already
// gives O(1) expected-time lookup — the two-tier split still holds because
// builtinDispatch is read-only after construction while overlay accepts
// concurrent writers.
type Registry struct {
	logger gatewaylog.Logger

	builtinDispatch map[string]string // lowercased id/alias -> canonical id
	overlay         sync.Map          // lowercased id/alias -> canonical id

	mu         sync.RWMutex // guards insertion-order slices and slot maps together
	sttSlots   map[string]*sttSlot
	ttsSlots   map[string]*ttsSlot
	rtSlots    map[string]*realtimeSlot
	sttOrder   []string
	ttsOrder   []string
	rtOrder    []string
}

// New creates an empty registry. Built-in providers, if any, should be
// registered immediately after construction and before the first session is
// accepted; register() is safe to call concurrently with create() regardless.
func New(logger gatewaylog.Logger) *Registry {
	if logger == nil {
		logger = gatewaylog.NoOp{}
	}
	return &Registry{
		logger:          logger,
		builtinDispatch: map[string]string{},
		sttSlots:        map[string]*sttSlot{},
		ttsSlots:        map[string]*ttsSlot{},
		rtSlots:         map[string]*realtimeSlot{},
	}
}

func lower(s string) string { return strings.ToLower(s) }

func (r *Registry) resolve(idOrAlias string) (string, bool) {
	key := lower(idOrAlias)
	if canonical, ok := r.builtinDispatch[key]; ok {
		return canonical, true
	}
	if v, ok := r.overlay.Load(key); ok {
		return v.(string), true
	}
	return "", false
}

func keysFor(d *capability.Descriptor) []string {
	keys := make([]string, 0, 1+len(d.Aliases))
	keys = append(keys, lower(d.ID))
	for alias := range d.Aliases {
		keys = append(keys, lower(alias))
	}
	return keys
}

// RegisterSTT registers an STT factory under descriptor.ID and all of its
// aliases. Fails with DuplicateProvider unless replace is true.
func (r *Registry) RegisterSTT(d *capability.Descriptor, factory STTFactory, replace bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := lower(d.ID)
	if err := r.checkDuplicate(canonical, keysFor(d), replace); err != nil {
		return err
	}
	entry := &Entry{state: StateRegistered, loadedAt: time.Now()}
	r.sttSlots[canonical] = &sttSlot{descriptor: d, factory: factory, entry: entry}
	if _, exists := findIndex(r.sttOrder, canonical); !exists {
		r.sttOrder = append(r.sttOrder, canonical)
	}
	for _, k := range keysFor(d) {
		r.overlay.Store(k, canonical)
	}
	return nil
}

// RegisterTTS registers a TTS factory under descriptor.ID and all aliases.
func (r *Registry) RegisterTTS(d *capability.Descriptor, factory TTSFactory, replace bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := lower(d.ID)
	if err := r.checkDuplicate(canonical, keysFor(d), replace); err != nil {
		return err
	}
	entry := &Entry{state: StateRegistered, loadedAt: time.Now()}
	r.ttsSlots[canonical] = &ttsSlot{descriptor: d, factory: factory, entry: entry}
	if _, exists := findIndex(r.ttsOrder, canonical); !exists {
		r.ttsOrder = append(r.ttsOrder, canonical)
	}
	for _, k := range keysFor(d) {
		r.overlay.Store(k, canonical)
	}
	return nil
}

// RegisterRealtime registers a Realtime factory under descriptor.ID and all
// aliases.
func (r *Registry) RegisterRealtime(d *capability.Descriptor, factory RealtimeFactory, replace bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := lower(d.ID)
	if err := r.checkDuplicate(canonical, keysFor(d), replace); err != nil {
		return err
	}
	entry := &Entry{state: StateRegistered, loadedAt: time.Now()}
	r.rtSlots[canonical] = &realtimeSlot{descriptor: d, factory: factory, entry: entry}
	if _, exists := findIndex(r.rtOrder, canonical); !exists {
		r.rtOrder = append(r.rtOrder, canonical)
	}
	for _, k := range keysFor(d) {
		r.overlay.Store(k, canonical)
	}
	return nil
}

// checkDuplicate must be called with r.mu held. It checks every key this
// registration would occupy against both dispatch tiers.
func (r *Registry) checkDuplicate(canonical string, keys []string, replace bool) error {
	if replace {
		return nil
	}
	for _, k := range keys {
		if _, ok := r.builtinDispatch[k]; ok {
			return gwerr.Newf("registry.register", gwerr.Config, "duplicate provider key %q", k)
		}
		if _, ok := r.overlay.Load(k); ok {
			return gwerr.Newf("registry.register", gwerr.Config, "duplicate provider key %q", k)
		}
	}
	_ = canonical
	return nil
}

func findIndex(s []string, v string) (int, bool) {
	for i, x := range s {
		if x == v {
			return i, true
		}
	}
	return -1, false
}

// CreateSTT resolves idOrAlias and invokes its factory inside a panic
// barrier, per spec §4.1.
func (r *Registry) CreateSTT(ctx context.Context, idOrAlias string, cfg capability.STTConfig) (inst capability.STT, err error) {
	canonical, ok := r.resolve(idOrAlias)
	if !ok {
		return nil, gwerr.Newf("registry.create_stt", gwerr.Config, "unknown provider %q", idOrAlias)
	}
	r.mu.RLock()
	slot, ok := r.sttSlots[canonical]
	r.mu.RUnlock()
	if !ok {
		return nil, gwerr.Newf("registry.create_stt", gwerr.Config, "unknown provider %q", idOrAlias)
	}

	defer func() {
		if p := recover(); p != nil {
			perr := gwerr.Newf("registry.create_stt", gwerr.PluginPanicked, "factory panicked: %v", p)
			slot.entry.recordPanic(perr)
			r.logger.Error("plugin factory panicked", "provider", canonical, "panic", p)
			inst, err = nil, perr
		}
	}()

	inst, ferr := slot.factory(ctx, cfg)
	if ferr != nil {
		wrapped := gwerr.Wrap("registry.create_stt", ferr)
		slot.entry.recordCall(wrapped)
		return nil, wrapped
	}
	slot.entry.recordCall(nil)
	return inst, nil
}

// CreateTTS is CreateSTT's symmetric counterpart for TTS factories.
func (r *Registry) CreateTTS(ctx context.Context, idOrAlias string, cfg capability.TTSConfig) (inst capability.TTS, err error) {
	canonical, ok := r.resolve(idOrAlias)
	if !ok {
		return nil, gwerr.Newf("registry.create_tts", gwerr.Config, "unknown provider %q", idOrAlias)
	}
	r.mu.RLock()
	slot, ok := r.ttsSlots[canonical]
	r.mu.RUnlock()
	if !ok {
		return nil, gwerr.Newf("registry.create_tts", gwerr.Config, "unknown provider %q", idOrAlias)
	}

	defer func() {
		if p := recover(); p != nil {
			perr := gwerr.Newf("registry.create_tts", gwerr.PluginPanicked, "factory panicked: %v", p)
			slot.entry.recordPanic(perr)
			r.logger.Error("plugin factory panicked", "provider", canonical, "panic", p)
			inst, err = nil, perr
		}
	}()

	inst, ferr := slot.factory(ctx, cfg)
	if ferr != nil {
		wrapped := gwerr.Wrap("registry.create_tts", ferr)
		slot.entry.recordCall(wrapped)
		return nil, wrapped
	}
	slot.entry.recordCall(nil)
	return inst, nil
}

// CreateRealtime is CreateSTT's symmetric counterpart for Realtime factories.
func (r *Registry) CreateRealtime(ctx context.Context, idOrAlias string, cfg capability.RealtimeConfig) (inst capability.Realtime, err error) {
	canonical, ok := r.resolve(idOrAlias)
	if !ok {
		return nil, gwerr.Newf("registry.create_realtime", gwerr.Config, "unknown provider %q", idOrAlias)
	}
	r.mu.RLock()
	slot, ok := r.rtSlots[canonical]
	r.mu.RUnlock()
	if !ok {
		return nil, gwerr.Newf("registry.create_realtime", gwerr.Config, "unknown provider %q", idOrAlias)
	}

	defer func() {
		if p := recover(); p != nil {
			perr := gwerr.Newf("registry.create_realtime", gwerr.PluginPanicked, "factory panicked: %v", p)
			slot.entry.recordPanic(perr)
			r.logger.Error("plugin factory panicked", "provider", canonical, "panic", p)
			inst, err = nil, perr
		}
	}()

	inst, ferr := slot.factory(ctx, cfg)
	if ferr != nil {
		wrapped := gwerr.Wrap("registry.create_realtime", ferr)
		slot.entry.recordCall(wrapped)
		return nil, wrapped
	}
	slot.entry.recordCall(nil)
	return inst, nil
}

// Describe returns the descriptor for a canonical id or alias.
func (r *Registry) Describe(idOrAlias string) (*capability.Descriptor, bool) {
	canonical, ok := r.resolve(idOrAlias)
	if !ok {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sttSlots[canonical]; ok {
		return s.descriptor, true
	}
	if s, ok := r.ttsSlots[canonical]; ok {
		return s.descriptor, true
	}
	if s, ok := r.rtSlots[canonical]; ok {
		return s.descriptor, true
	}
	return nil, false
}

// List returns canonical ids for the given capability kind in insertion
// order.
func (r *Registry) List(kind capability.Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case capability.KindSTT:
		out := make([]string, len(r.sttOrder))
		copy(out, r.sttOrder)
		return out
	case capability.KindTTS:
		out := make([]string, len(r.ttsOrder))
		copy(out, r.ttsOrder)
		return out
	case capability.KindRealtime:
		out := make([]string, len(r.rtOrder))
		copy(out, r.rtOrder)
		return out
	default:
		return nil
	}
}

// EntrySnapshot returns the current PluginEntry snapshot for idOrAlias.
func (r *Registry) EntrySnapshot(idOrAlias string) (Snapshot, bool) {
	canonical, ok := r.resolve(idOrAlias)
	if !ok {
		return Snapshot{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sttSlots[canonical]; ok {
		return s.entry.snapshot(), true
	}
	if s, ok := r.ttsSlots[canonical]; ok {
		return s.entry.snapshot(), true
	}
	if s, ok := r.rtSlots[canonical]; ok {
		return s.entry.snapshot(), true
	}
	return Snapshot{}, false
}

// IsRegistered reports whether idOrAlias resolves to any known provider.
func (r *Registry) IsRegistered(idOrAlias string) bool {
	_, ok := r.resolve(idOrAlias)
	return ok
}

// SetBuiltin installs the compile-time tier of the dispatch table. It must
// be called before the registry is shared across goroutines (typically once,
// at process startup, immediately after New).
func (r *Registry) SetBuiltin(descriptors ...*capability.Descriptor) {
	for _, d := range descriptors {
		for _, k := range keysFor(d) {
			r.builtinDispatch[k] = lower(d.ID)
		}
	}
}
