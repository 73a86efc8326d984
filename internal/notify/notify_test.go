package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nidhogg/constellation/internal/events"
	"github.com/nidhogg/constellation/internal/orchestrator"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	platform string
	fail     error

	mu   sync.Mutex
	sent []*Notification
}

func (r *recordingNotifier) Platform() string              { return r.platform }
func (r *recordingNotifier) Connect(context.Context) error { return nil }
func (r *recordingNotifier) Close() error                  { return nil }

func (r *recordingNotifier) Notify(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.fail
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestBroadcasterFansOutAndKeepsHistory(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	slackN := &recordingNotifier{platform: "slack"}
	discordN := &recordingNotifier{platform: "discord", fail: errors.New("rate limited")}
	b.Register(slackN)
	b.Register(discordN)
	assert.Equal(t, []string{"discord", "slack"}, b.Platforms())

	err := b.Notify(context.Background(), &Notification{Kind: KindRunCompleted, Title: "done"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: rate limited")
	assert.Equal(t, 1, slackN.count())
	assert.Equal(t, 1, discordN.count())

	require.NoError(t, b.Notify(context.Background(), &Notification{
		Kind: KindDeviceFailed, Title: "dev-1 failed", Platforms: []string{"slack"},
	}))
	assert.Equal(t, 2, slackN.count())
	assert.Equal(t, 1, discordN.count())

	hist := b.History(0)
	require.Len(t, hist, 2)
	assert.Equal(t, []string{"slack"}, hist[0].Targets)
	assert.Equal(t, KindDeviceFailed, hist[1].Notification.Kind)
	assert.Len(t, b.History(1), 1)

	assert.Error(t, b.Notify(context.Background(), &Notification{Title: "no kind"}))
}

func TestFromEvent(t *testing.T) {
	n := FromEvent(events.Event{
		Type:            events.ConstellationCompleted,
		ConstellationID: "c1",
		Status:          string(orchestrator.OutcomeFailed),
		Result: &orchestrator.Result{
			Name:         "quarterly report",
			Tasks:        make([]orchestrator.TaskOutcome, 3),
			Completed:    1,
			Failed:       1,
			NeverStarted: 1,
			Duration:     "2s",
		},
	})
	require.NotNil(t, n)
	assert.Equal(t, KindRunFailed, n.Kind)
	assert.Equal(t, "Constellation quarterly report failed", n.Title)
	assert.Equal(t, "1 of 3 tasks completed in 2s", n.Content)
	assert.Contains(t, n.Fields, Field{Name: "never started", Value: "1"})

	n = FromEvent(events.Event{Type: events.ConstellationCompleted, ConstellationID: "c2", Status: "completed"})
	require.NotNil(t, n)
	assert.Equal(t, KindRunCompleted, n.Kind)
	assert.Equal(t, "Constellation c2 completed", n.Title)

	n = FromEvent(events.Event{Type: events.DeviceFailed, DeviceID: "dev-9"})
	require.NotNil(t, n)
	assert.Equal(t, "dev-9", n.DeviceID)

	assert.Nil(t, FromEvent(events.Event{Type: events.TaskCompleted}))
}

func TestBroadcasterRunConsumesBus(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	rec := &recordingNotifier{platform: "slack"}
	b.Register(rec)

	bus := events.NewBus(zap.NewNop())
	sub, cancel := bus.Subscribe(events.Filter{Types: NotifiedTypes}, 8)
	done := make(chan struct{})
	go func() {
		b.Run(context.Background(), sub)
		close(done)
	}()

	ctx := context.Background()
	bus.Publish(ctx, events.Event{Type: events.TaskCompleted, TaskID: "ignored"})
	bus.Publish(ctx, events.Event{Type: events.DeviceFailed, DeviceID: "dev-1"})
	cancel()
	<-done

	assert.Equal(t, 1, rec.count())
}

func TestSlackNotifierPostsToChannel(t *testing.T) {
	var (
		mu    sync.Mutex
		forms = map[string]map[string]string{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		method := strings.TrimPrefix(r.URL.Path, "/")
		mu.Lock()
		forms[method] = map[string]string{"channel": r.FormValue("channel"), "text": r.FormValue("text")}
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "auth.test":
			_, _ = w.Write([]byte(`{"ok":true,"team":"acme","user":"constellation"}`))
		case "chat.postMessage":
			_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
		default:
			_, _ = w.Write([]byte(`{"ok":false,"error":"unknown_method"}`))
		}
	}))
	defer srv.Close()

	s := NewSlackNotifier("xoxb-test", "C123", zap.NewNop(), slack.OptionAPIURL(srv.URL+"/"))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Notify(ctx, &Notification{
		Kind:    KindRunCompleted,
		Title:   "Constellation report completed",
		Content: "2 of 2 tasks completed in 1s",
		Fields:  []Field{{Name: "failed", Value: "0"}},
	}))

	mu.Lock()
	defer mu.Unlock()
	post := forms["chat.postMessage"]
	require.NotNil(t, post)
	assert.Equal(t, "C123", post["channel"])
	assert.Contains(t, post["text"], "*[run_completed] Constellation report completed*")
	assert.Contains(t, post["text"], "failed: 0")
}

func TestDiscordEmbedColors(t *testing.T) {
	e := discordEmbed(&Notification{
		Kind:   KindRunFailed,
		Title:  "Constellation x failed",
		Fields: []Field{{Name: "failed", Value: "2"}},
	})
	assert.Equal(t, colorRed, e.Color)
	require.Len(t, e.Fields, 1)
	assert.True(t, e.Fields[0].Inline)

	assert.Equal(t, colorAmber, discordEmbed(&Notification{Kind: KindDeviceFailed}).Color)
	assert.Equal(t, colorGreen, discordEmbed(&Notification{Kind: KindRunCompleted}).Color)

	d := NewDiscordNotifier("token", "chan", zap.NewNop())
	assert.Error(t, d.Notify(context.Background(), &Notification{Kind: KindRunCompleted}))
	assert.NoError(t, d.Close())
}
