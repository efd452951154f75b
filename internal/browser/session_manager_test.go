package browser

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pagepilot-mcp-server/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventThrottler(t *testing.T) {
	t.Run("nil throttler allows all", func(t *testing.T) {
		var throttler *eventThrottler
		assert.True(t, throttler.Allow("test"))
	})

	t.Run("non-positive interval yields nil", func(t *testing.T) {
		assert.Nil(t, newEventThrottler(0))
		assert.Nil(t, newEventThrottler(-100))
	})

	t.Run("second event within interval blocked", func(t *testing.T) {
		throttler := newEventThrottler(1000)
		assert.True(t, throttler.Allow("test"))
		assert.False(t, throttler.Allow("test"))
		assert.True(t, throttler.Allow("other"), "keys are independent")
	})

	t.Run("allowed again after interval", func(t *testing.T) {
		throttler := newEventThrottler(10)
		throttler.Allow("test")
		time.Sleep(20 * time.Millisecond)
		assert.True(t, throttler.Allow("test"))
	})
}

func TestMutationHub(t *testing.T) {
	hub := newMutationHub()
	a, unsubA := hub.subscribe()
	b, unsubB := hub.subscribe()
	defer unsubB()

	hub.notify()
	assert.Len(t, a, 1)
	assert.Len(t, b, 1)

	unsubA()
	hub.notify()
	assert.Len(t, a, 1, "unsubscribed channel receives nothing more")
	assert.Len(t, b, 2)

	for i := 0; i < 100; i++ {
		hub.notify()
	}
	assert.Equal(t, cap(b), len(b), "notify never blocks on a full subscriber")
}

func TestCoalesceNonEmpty(t *testing.T) {
	assert.Equal(t, "b", coalesceNonEmpty("", "  ", "b", "c"))
	assert.Equal(t, "", coalesceNonEmpty("", " "))
	assert.Equal(t, "", coalesceNonEmpty())
}

func TestIsInternalScript(t *testing.T) {
	tests := []struct {
		url      string
		expected bool
	}{
		{"chrome://settings/", true},
		{"chrome-extension://abcdefghijklmnop/script.js", true},
		{"devtools://devtools/bundled/inspector.html", true},
		{"about:blank", true},
		{"data:text/javascript,alert(1)", true},
		{"blob:https://example.com/uuid", true},
		{"https://example.com/app.js", false},
		{"http://localhost:3000/main.js", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.expected, isInternalScript(tt.url))
		})
	}
}

func TestSessionManagerNotConnected(t *testing.T) {
	m := NewSessionManager(config.BrowserConfig{}, nil, nil)
	ctx := context.Background()

	assert.False(t, m.IsConnected())
	assert.Empty(t, m.ControlURL())

	_, err := m.Targets(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = m.FocusedTarget(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = m.OpenTab(ctx, "https://example.com")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, _, err = m.SubscribeMutations(ctx, "T1")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, m.PendingRequests("T1"))
	assert.NoError(t, m.Shutdown(ctx))
}

func TestTargetClosedNotifiesOnce(t *testing.T) {
	log := NewEventLog(10, nil, nil)
	m := NewSessionManager(config.BrowserConfig{}, log, nil)

	var closed []string
	m.OnTargetClosed(func(id string) { closed = append(closed, id) })

	m.pageTargets["T1"] = true
	m.focused = "T1"

	ctx := context.Background()
	m.targetClosed(ctx, "T1")
	m.targetClosed(ctx, "T1")
	m.targetClosed(ctx, "worker-target")

	assert.Equal(t, []string{"T1"}, closed)
	assert.Empty(t, m.focused)

	recent := log.Recent(0)
	require.Len(t, recent, 1)
	ev, ok := recent[0].(TabClosedEvent)
	require.True(t, ok)
	assert.Equal(t, "T1", ev.TargetID)
}

func TestTabPersistence(t *testing.T) {
	store := filepath.Join(t.TempDir(), "data", "tabs.json")
	m := NewSessionManager(config.BrowserConfig{SessionStore: store}, nil, nil)

	now := time.Now().UTC().Truncate(time.Second)
	m.targets["T1"] = &targetRecord{meta: Tab{TargetID: "T1", URL: "https://example.com", Status: "active", CreatedAt: now, LastActive: now}}
	require.NoError(t, m.persistTabs())

	raw, err := os.ReadFile(store)
	require.NoError(t, err)
	var saved []Tab
	require.NoError(t, json.Unmarshal(raw, &saved))
	require.Len(t, saved, 1)
	assert.Equal(t, "https://example.com", saved[0].URL)

	reloaded := NewSessionManager(config.BrowserConfig{SessionStore: store}, nil, nil)
	require.NoError(t, reloaded.loadTabs())
	prev := reloaded.PreviousTabs()
	require.Len(t, prev, 1)
	assert.Equal(t, "T1", prev[0].TargetID)
	assert.Equal(t, "detached", prev[0].Status)
}

func TestLoadTabsEdgeCases(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		m := NewSessionManager(config.BrowserConfig{}, nil, nil)
		assert.NoError(t, m.loadTabs())
		assert.NoError(t, m.persistTabs())
	})

	t.Run("missing file", func(t *testing.T) {
		m := NewSessionManager(config.BrowserConfig{SessionStore: filepath.Join(t.TempDir(), "none.json")}, nil, nil)
		assert.NoError(t, m.loadTabs())
		assert.Empty(t, m.PreviousTabs())
	})

	t.Run("invalid json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tabs.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
		m := NewSessionManager(config.BrowserConfig{SessionStore: path}, nil, nil)
		assert.Error(t, m.loadTabs())
	})
}
