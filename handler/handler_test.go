package handler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roadrunner-plugins/emqtt/debounce"
	"github.com/roadrunner-server/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Save(name string, content []byte) error {
	args := m.Called(name, content)
	return args.Error(0)
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []string
	err   error
	delay time.Duration
}

func (f *fakePublisher) Publish(_ context.Context, topic, payload string) error {
	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, topic+"="+payload)
	return f.err
}

func (f *fakePublisher) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testOptions() Options {
	return Options{
		BaseTopic:       "emqtt",
		ActivePayload:   "ON",
		ResetPayload:    "OFF",
		ResetDelay:      time.Hour,
		SaveAttachments: true,
	}
}

func newTestHandler(t *testing.T, opts Options, store Store) (*Handler, *debounce.Scheduler, *fakePublisher) {
	pub := &fakePublisher{}
	s := debounce.NewScheduler(pub, zaptest.NewLogger(t))
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
	})

	return NewHandler(opts, s, store, zaptest.NewLogger(t)), s, pub
}

func imageEvent(from string) *MailEvent {
	return &MailEvent{
		UUID:       "test",
		ReceivedAt: time.Now(),
		From:       from,
		To:         []string{"alarm@home"},
		Raw:        []byte("Subject: motion\r\n\r\nmotion detected"),
		Attachments: []Attachment{
			{Filename: "snap.jpg", ContentType: "image/jpeg", Content: []byte("jpeg")},
			{Filename: "notes.txt", ContentType: "text/plain", Content: []byte("text")},
		},
	}
}

func TestOnMessagePublishesBeforeReturning(t *testing.T) {
	store := &mockStore{}
	store.On("Save", "snap.jpg", []byte("jpeg")).Return(nil)

	h, s, pub := newTestHandler(t, testOptions(), store)

	status := h.OnMessage(context.Background(), imageEvent("x@y.com"))

	assert.Equal(t, DeliveryStatus{Code: 250, Message: "Message accepted for delivery"}, status)
	assert.Equal(t, "250 Message accepted for delivery", status.String())
	assert.Equal(t, []string{"emqtt/xy.com=ON"}, pub.published())
	assert.True(t, s.Pending("emqtt/xy.com"))
	store.AssertExpectations(t)
}

func TestOnMessageOnlySavesImages(t *testing.T) {
	store := &mockStore{}
	store.On("Save", "snap.jpg", []byte("jpeg")).Return(nil).Once()

	h, _, _ := newTestHandler(t, testOptions(), store)
	h.OnMessage(context.Background(), imageEvent("x@y.com"))

	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Save", "notes.txt", mock.Anything)
}

func TestOnMessageThrottlesSavesWithinWindow(t *testing.T) {
	store := &mockStore{}
	store.On("Save", "snap.jpg", []byte("jpeg")).Return(nil)

	h, _, pub := newTestHandler(t, testOptions(), store)

	h.OnMessage(context.Background(), imageEvent("x@y.com"))
	h.OnMessage(context.Background(), imageEvent("x@y.com"))

	store.AssertNumberOfCalls(t, "Save", 1)
	assert.Equal(t, []string{"emqtt/xy.com=ON", "emqtt/xy.com=ON"}, pub.published())

	// another sender has its own window
	h.OnMessage(context.Background(), imageEvent("a@b.com"))
	store.AssertNumberOfCalls(t, "Save", 2)
}

func TestOnMessageThrottlesOverlappingMessages(t *testing.T) {
	store := &mockStore{}
	store.On("Save", "snap.jpg", []byte("jpeg")).Return(nil)

	h, s, pub := newTestHandler(t, testOptions(), store)
	pub.delay = 200 * time.Millisecond

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.OnMessage(context.Background(), imageEvent("x@y.com"))
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		defer wg.Done()
		h.OnMessage(context.Background(), imageEvent("x@y.com"))
	}()
	wg.Wait()

	// the second message arrived while the first was still publishing
	store.AssertNumberOfCalls(t, "Save", 1)
	assert.Len(t, pub.published(), 2)
	assert.True(t, s.Pending("emqtt/xy.com"))
}

func TestOnMessageSaveOverride(t *testing.T) {
	store := &mockStore{}
	store.On("Save", "snap.jpg", []byte("jpeg")).Return(nil)

	opts := testOptions()
	opts.SaveDuringResetWindow = true
	h, _, _ := newTestHandler(t, opts, store)

	h.OnMessage(context.Background(), imageEvent("x@y.com"))
	h.OnMessage(context.Background(), imageEvent("x@y.com"))

	store.AssertNumberOfCalls(t, "Save", 2)
}

func TestOnMessageSavesAgainAfterReset(t *testing.T) {
	store := &mockStore{}
	store.On("Save", "snap.jpg", []byte("jpeg")).Return(nil)

	opts := testOptions()
	opts.ResetDelay = 30 * time.Millisecond
	h, s, pub := newTestHandler(t, opts, store)

	h.OnMessage(context.Background(), imageEvent("x@y.com"))
	require.Eventually(t, func() bool {
		return !s.Pending("emqtt/xy.com")
	}, 2*time.Second, 5*time.Millisecond)

	h.OnMessage(context.Background(), imageEvent("x@y.com"))

	store.AssertNumberOfCalls(t, "Save", 2)
	assert.Contains(t, pub.published(), "emqtt/xy.com=OFF")
}

func TestOnMessageSavingDisabled(t *testing.T) {
	store := &mockStore{}

	opts := testOptions()
	opts.SaveAttachments = false
	opts.SaveDuringResetWindow = true
	h, _, _ := newTestHandler(t, opts, store)

	h.OnMessage(context.Background(), imageEvent("x@y.com"))

	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestOnMessageZeroDelaySavesEveryMessage(t *testing.T) {
	store := &mockStore{}
	store.On("Save", "snap.jpg", []byte("jpeg")).Return(nil)

	opts := testOptions()
	opts.ResetDelay = 0
	h, s, pub := newTestHandler(t, opts, store)

	h.OnMessage(context.Background(), imageEvent("x@y.com"))
	h.OnMessage(context.Background(), imageEvent("x@y.com"))

	// no window is ever opened, so nothing throttles
	store.AssertNumberOfCalls(t, "Save", 2)
	assert.False(t, s.Pending("emqtt/xy.com"))
	assert.NotContains(t, pub.published(), "emqtt/xy.com=OFF")
}

func TestOnMessageSaveFailureContinues(t *testing.T) {
	store := &mockStore{}
	store.On("Save", "a.png", mock.Anything).Return(errors.Str("disk full"))
	store.On("Save", "b.png", mock.Anything).Return(nil)

	h, _, _ := newTestHandler(t, testOptions(), store)

	ev := imageEvent("x@y.com")
	ev.Attachments = []Attachment{
		{Filename: "a.png", ContentType: "image/png", Content: []byte("a")},
		{Filename: "b.png", ContentType: "image/png", Content: []byte("b")},
	}

	status := h.OnMessage(context.Background(), ev)
	assert.Equal(t, StatusAccepted, status.Code)
	store.AssertExpectations(t)
}

func TestOnMessagePublishFailureStillAccepted(t *testing.T) {
	store := &mockStore{}
	store.On("Save", "snap.jpg", []byte("jpeg")).Return(nil)

	h, s, pub := newTestHandler(t, testOptions(), store)
	pub.err = errors.Str("connection refused")

	status := h.OnMessage(context.Background(), imageEvent("x@y.com"))

	assert.Equal(t, StatusAccepted, status.Code)
	assert.True(t, s.Pending("emqtt/xy.com"))
	store.AssertExpectations(t)
}

func TestOnMessageMalformed(t *testing.T) {
	store := &mockStore{}
	h, s, pub := newTestHandler(t, testOptions(), store)

	ev := &MailEvent{
		UUID:     "test",
		From:     "x@y.com",
		Raw:      []byte("garbage"),
		ParseErr: errors.Str("multipart: NextPart: EOF"),
	}

	status := h.OnMessage(context.Background(), ev)
	assert.Equal(t, StatusAccepted, status.Code)
	assert.Equal(t, []string{"emqtt/xy.com=ON"}, pub.published())
	assert.True(t, s.Pending("emqtt/xy.com"))
	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview([]byte("short")))

	long := strings.Repeat("é", 300)
	assert.Equal(t, strings.Repeat("é", previewLen), preview([]byte(long)))

	assert.Equal(t, "a�b", preview([]byte{'a', 0xff, 'b'}))
}
