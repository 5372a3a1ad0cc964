package llm

import (
	"context"
	"iter"
	"sync"

	"github.com/m4xw311/aichat/config"
	"github.com/m4xw311/aichat/errors"
	"github.com/m4xw311/aichat/session"
	"github.com/m4xw311/aichat/tools"
	"github.com/sirupsen/logrus"
)

// New builds the client named by the provider settings.
func New(ctx context.Context, p config.Provider, audit AuditLogger) (LLMClient, error) {
	var client LLMClient
	var err error
	switch p.Name {
	case "openai":
		client, err = NewOpenAILLMClient(ctx, p, audit)
	case "anthropic":
		client, err = NewAnthropicLLMClient(ctx, p, audit)
	case "bedrock":
		client, err = NewBedrockLLMClient(ctx, p, audit)
	case "gemini":
		client, err = NewGeminiLLMClient(ctx, p, audit)
	case "mock", "":
		client = &MockLLMClient{}
	default:
		return nil, errors.Errorf(errors.ErrInvalidArgument, "unknown LLM client: %s", p.Name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s client", p.Name)
	}
	return client, nil
}

// ProviderStore persists the selected provider between runs.
type ProviderStore interface {
	LoadProviderConfig(ctx context.Context, v any) (bool, error)
	SaveProviderConfig(ctx context.Context, v any) error
}

// Builder constructs a client for provider settings. New is the default.
type Builder func(ctx context.Context, p config.Provider, audit AuditLogger) (LLMClient, error)

// Manager owns the current provider client. Replacing it is atomic; calls
// already in flight finish on the client they started with, which is closed
// once they are done. A Manager is itself an LLMClient, so conversations
// built on it pick up a replacement on their next call.
type Manager struct {
	mu       sync.RWMutex
	client   LLMClient
	inflight *sync.WaitGroup
	provider config.Provider
	store    ProviderStore
	audit    AuditLogger
	build    Builder
}

// NewManager starts with the provider persisted in store, if there is one,
// and otherwise with fallback.
func NewManager(ctx context.Context, fallback config.Provider, store session.Store) (*Manager, error) {
	return newManager(ctx, fallback, store, store, New)
}

func newManager(ctx context.Context, fallback config.Provider, store ProviderStore, audit AuditLogger, build Builder) (*Manager, error) {
	m := &Manager{store: store, audit: audit, build: build}
	p := fallback
	if store != nil {
		var saved config.Provider
		found, err := store.LoadProviderConfig(ctx, &saved)
		if err != nil {
			logrus.WithError(err).Warn("ignoring unreadable provider config")
		} else if found && saved.Name != "" {
			p = saved
		}
	}
	client, err := build(ctx, p, audit)
	if err != nil {
		return nil, err
	}
	m.client, m.provider, m.inflight = client, p, &sync.WaitGroup{}
	return m, nil
}

// Replace builds a client for p, swaps it in and persists p. The current
// client stays in place if building fails.
func (m *Manager) Replace(ctx context.Context, p config.Provider) error {
	client, err := m.build(ctx, p, m.audit)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old, oldCalls := m.client, m.inflight
	m.client, m.provider, m.inflight = client, p, &sync.WaitGroup{}
	m.mu.Unlock()

	if closer, ok := old.(interface{ Close() error }); ok {
		go func() {
			oldCalls.Wait()
			if err := closer.Close(); err != nil {
				logrus.WithError(err).Debug("failed to close previous provider client")
			}
		}()
	}
	logrus.WithFields(logrus.Fields{"provider": p.Name, "model": p.Model}).Info("switched LLM provider")

	if m.store != nil {
		if err := m.store.SaveProviderConfig(ctx, p); err != nil {
			return errors.Wrapf(err, "provider switched but its settings were not saved")
		}
	}
	return nil
}

// Current returns the client in use right now.
func (m *Manager) Current() LLMClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Provider returns the settings of the current client.
func (m *Manager) Provider() config.Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.provider
}

func (m *Manager) Name() string { return m.Current().Name() }

// acquire returns the current client and marks a call on it as in flight
// until done is called.
func (m *Manager) acquire() (client LLMClient, done func()) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.inflight.Add(1)
	return m.client, m.inflight.Done
}

func (m *Manager) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	client, done := m.acquire()
	defer done()
	return client.Chat(ctx, messages, availableTools)
}

// ChatStream picks the client when the stream is ranged over and keeps it
// open until the range ends.
func (m *Manager) ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Tool) iter.Seq2[StreamChunk, error] {
	return singleUse(func(yield func(StreamChunk, error) bool) {
		client, done := m.acquire()
		defer done()
		for chunk, err := range client.ChatStream(ctx, messages, availableTools) {
			if !yield(chunk, err) {
				return
			}
		}
	})
}
