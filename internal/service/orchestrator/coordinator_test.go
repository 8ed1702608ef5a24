package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"duplex-transcription-service/internal/models"
	"duplex-transcription-service/internal/service/audio"
	"duplex-transcription-service/internal/service/capture"
	"duplex-transcription-service/internal/service/clock"
	"duplex-transcription-service/internal/service/stt"
)

// testHandle is a streaming and batch handle.
type testHandle struct {
	mu       sync.Mutex
	channel  string
	payloads []stt.Payload
	closes   int
}

func (h *testHandle) SendRealtimeInput(_ context.Context, p stt.Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, p)
	return nil
}

func (h *testHandle) TranscribeAudio(context.Context, []byte) (stt.Result, error) {
	return stt.Result{Text: "batch"}, nil
}

func (h *testHandle) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

func (h *testHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

func (h *testHandle) payloadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payloads)
}

// batchOnlyHandle lacks realtime input.
type batchOnlyHandle struct {
	closed bool
	meet   *rendezvous
}

func (h *batchOnlyHandle) TranscribeAudio(ctx context.Context, _ []byte) (stt.Result, error) {
	if h.meet == nil {
		return stt.Result{}, nil
	}
	if err := h.meet.arrive(ctx); err != nil {
		return stt.Result{}, err
	}
	return stt.Result{Text: "batch"}, nil
}

// rendezvous holds each caller until want callers are waiting at once.
type rendezvous struct {
	mu   sync.Mutex
	want int
	n    int
	all  chan struct{}
}

func newRendezvous(want int) *rendezvous {
	return &rendezvous{want: want, all: make(chan struct{})}
}

func (r *rendezvous) arrive(ctx context.Context) error {
	r.mu.Lock()
	r.n++
	if r.n == r.want {
		close(r.all)
	}
	r.mu.Unlock()

	select {
	case <-r.all:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
		return errors.New("rendezvous timed out")
	}
}

func (h *batchOnlyHandle) Close(context.Context) error {
	h.closed = true
	return nil
}

type testFactory struct {
	mu        sync.Mutex
	handles   map[string]*testHandle
	opts      map[string]stt.OpenOptions
	failOn    string
	batchOnly map[string]*batchOnlyHandle
	useBatch  bool
	meet      *rendezvous
}

func newTestFactory() *testFactory {
	return &testFactory{
		handles:   make(map[string]*testHandle),
		opts:      make(map[string]stt.OpenOptions),
		batchOnly: make(map[string]*batchOnlyHandle),
	}
}

func (f *testFactory) Open(_ context.Context, _ stt.Descriptor, opts stt.OpenOptions) (stt.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts[opts.Channel] = opts
	if opts.Channel == f.failOn {
		return nil, errors.New("connection refused")
	}
	if f.useBatch {
		h := &batchOnlyHandle{meet: f.meet}
		f.batchOnly[opts.Channel] = h
		return h, nil
	}
	h := &testHandle{channel: opts.Channel}
	f.handles[opts.Channel] = h
	return h, nil
}

func (f *testFactory) handle(ch models.Channel) *testHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[string(ch)]
}

func (f *testFactory) deliver(ch models.Channel, msg stt.Message) {
	f.mu.Lock()
	cb := f.opts[string(ch)].OnMessage
	f.mu.Unlock()
	cb(msg)
}

type testResolver struct {
	d   stt.Descriptor
	err error
}

func (r *testResolver) Resolve(context.Context, stt.Capability) (stt.Descriptor, error) {
	return r.d, r.err
}

// testListener collects events on channels.
type testListener struct {
	transcripts chan models.TranscriptEvent
	chunks      chan models.CaptureChunk
	statuses    chan models.StatusUpdate
}

func newTestListener() *testListener {
	return &testListener{
		transcripts: make(chan models.TranscriptEvent, 32),
		chunks:      make(chan models.CaptureChunk, 32),
		statuses:    make(chan models.StatusUpdate, 32),
	}
}

func (l *testListener) OnTranscript(ev models.TranscriptEvent) { l.transcripts <- ev }
func (l *testListener) OnCaptureAudio(c models.CaptureChunk) { l.chunks <- c }
func (l *testListener) OnStatus(st models.StatusUpdate) { l.statuses <- st }

func (l *testListener) nextFinal(t *testing.T) models.TranscriptEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-l.transcripts:
			if !ev.Partial {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for final transcript")
		}
	}
}

func (l *testListener) expectStatus(t *testing.T, message string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case st := <-l.statuses:
			if st.Message == message {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for status %q", message)
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func turnBased() stt.Descriptor {
	return stt.Descriptor{ProviderID: "mock", ModelID: "mock-live", Family: stt.FamilyTurnBased}
}

func newTestCoordinator(d stt.Descriptor, flushOnClose bool, opts capture.Options) (*Coordinator, *testFactory, *testListener) {
	f := newTestFactory()
	c := NewCoordinator(Config{
		BatchLimits:  audio.DefaultBatchLimits(),
		FlushOnClose: flushOnClose,
		Scheduler:    clock.NewManual(),
	}, &testResolver{d: d}, f, opts, nil)
	l := newTestListener()
	c.AddListener(l)
	return c, f, l
}

func TestCoordinator_InitializeOpensBothChannels(t *testing.T) {
	c, f, l := newTestCoordinator(turnBased(), true, capture.Options{})

	id, err := c.Initialize(context.Background(), "en-US")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer c.Close(context.Background())

	if id == "" {
		t.Error("expected a session ID")
	}
	for _, ch := range models.Channels {
		opts, ok := f.opts[string(ch)]
		if !ok {
			t.Fatalf("expected %s channel opened", ch)
		}
		if opts.Language != "en-US" || opts.OnMessage == nil {
			t.Errorf("unexpected open options for %s: %+v", ch, opts)
		}
	}
	l.expectStatus(t, StatusListening)

	st := c.Status()
	if !st.Active || st.SessionID != id || st.Family != "turn_based" || len(st.Channels) != 2 {
		t.Errorf("unexpected status %+v", st)
	}

	if _, err := c.Initialize(context.Background(), "en-US"); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestCoordinator_InitializeResolveFailure(t *testing.T) {
	f := newTestFactory()
	c := NewCoordinator(Config{}, &testResolver{err: stt.ErrMissingModel}, f, capture.Options{}, nil)

	if _, err := c.Initialize(context.Background(), "en"); !errors.Is(err, stt.ErrMissingModel) {
		t.Fatalf("expected ErrMissingModel, got %v", err)
	}
	if c.Active() || len(f.opts) != 0 {
		t.Error("expected no session and no provider calls")
	}
}

func TestCoordinator_InitializeRejectsMissingCredential(t *testing.T) {
	d := stt.Descriptor{ProviderID: "gemini", ModelID: "gemini-live", Family: stt.FamilyTurnBased}
	c, _, _ := newTestCoordinator(d, true, capture.Options{})

	if _, err := c.Initialize(context.Background(), "en"); !errors.Is(err, stt.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}

func TestCoordinator_InitializeIsAtomic(t *testing.T) {
	c, f, _ := newTestCoordinator(turnBased(), true, capture.Options{})
	f.failOn = string(models.ChannelRemote)

	if _, err := c.Initialize(context.Background(), "en"); err == nil {
		t.Fatal("expected open failure")
	}
	if c.Active() {
		t.Error("expected no session after partial failure")
	}
	if h := f.handle(models.ChannelLocal); h != nil && h.closeCount() != 1 {
		t.Errorf("expected the opened local handle closed, got %d closes", h.closeCount())
	}
	if err := c.IngestLocalAudio([]byte{1, 2}, ""); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestCoordinator_InitializeChecksStreamingCapability(t *testing.T) {
	c, f, _ := newTestCoordinator(turnBased(), true, capture.Options{})
	f.useBatch = true

	_, err := c.Initialize(context.Background(), "en")
	if !errors.Is(err, stt.ErrStreamingUnsupported) {
		t.Fatalf("expected ErrStreamingUnsupported, got %v", err)
	}
	for ch, h := range f.batchOnly {
		if !h.closed {
			t.Errorf("expected %s handle closed", ch)
		}
	}
}

func TestCoordinator_BatchOnlyExemptFromStreamingCheck(t *testing.T) {
	d := stt.Descriptor{ProviderID: "mock", ModelID: "mock-batch", Family: stt.FamilyBatchOnly}
	c, f, _ := newTestCoordinator(d, true, capture.Options{})
	f.useBatch = true

	if _, err := c.Initialize(context.Background(), "en"); err != nil {
		t.Fatalf("expected batch-only handles accepted, got %v", err)
	}
	_ = c.Close(context.Background())
}

func TestCoordinator_ChannelsAreIndependent(t *testing.T) {
	c, f, l := newTestCoordinator(turnBased(), true, capture.Options{})
	if _, err := c.Initialize(context.Background(), "en"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer c.Close(context.Background())

	f.deliver(models.ChannelLocal, stt.Message{Type: stt.MessageTranscription, Text: "hi "})
	f.deliver(models.ChannelRemote, stt.Message{Type: stt.MessageTranscription, Text: "hello"})
	f.deliver(models.ChannelLocal, stt.Message{Type: stt.MessageTranscription, Text: "there"})
	f.deliver(models.ChannelLocal, stt.Message{TurnComplete: true})

	ev := l.nextFinal(t)
	if ev.Channel != models.ChannelLocal || ev.Text != "hi there" {
		t.Errorf("unexpected local final %+v", ev)
	}

	f.deliver(models.ChannelRemote, stt.Message{TurnComplete: true})
	ev = l.nextFinal(t)
	if ev.Channel != models.ChannelRemote || ev.Text != "hello" {
		t.Errorf("unexpected remote final %+v", ev)
	}
}

func TestCoordinator_IngestRoutesByChannel(t *testing.T) {
	c, f, _ := newTestCoordinator(turnBased(), true, capture.Options{})
	if err := c.IngestRemoteAudio([]byte{1}, ""); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized before init, got %v", err)
	}
	if _, err := c.Initialize(context.Background(), "en"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	_ = c.IngestLocalAudio([]byte{1, 2, 3, 4}, "")
	_ = c.IngestLocalAudio([]byte{5, 6}, "")
	_ = c.IngestRemoteAudio([]byte{7, 8}, "")
	waitFor(t, func() bool {
		return f.handle(models.ChannelLocal).payloadCount() == 2 && f.handle(models.ChannelRemote).payloadCount() == 1
	})

	if got := f.handle(models.ChannelLocal).payloadCount(); got != 2 {
		t.Errorf("expected 2 local payloads, got %d", got)
	}
	if got := f.handle(models.ChannelRemote).payloadCount(); got != 1 {
		t.Errorf("expected 1 remote payload, got %d", got)
	}
	_ = c.Close(context.Background())
}

func TestCoordinator_CloseFlushesAndReleases(t *testing.T) {
	c, f, l := newTestCoordinator(turnBased(), true, capture.Options{})
	if _, err := c.Initialize(context.Background(), "en"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	f.deliver(models.ChannelRemote, stt.Message{Type: stt.MessageTranscription, Text: "pending words"})
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	ev := l.nextFinal(t)
	if ev.Channel != models.ChannelRemote || ev.Text != "pending words" {
		t.Errorf("expected pending text flushed on close, got %+v", ev)
	}
	for _, ch := range models.Channels {
		if n := f.handle(ch).closeCount(); n != 1 {
			t.Errorf("expected %s handle closed once, got %d", ch, n)
		}
	}
	if c.Active() {
		t.Error("expected coordinator reset")
	}
	l.expectStatus(t, StatusClosed)

	if err := c.Close(context.Background()); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if _, err := c.Initialize(context.Background(), "en"); err != nil {
		t.Errorf("expected re-initialize after close, got %v", err)
	}
	_ = c.Close(context.Background())
}

func TestCoordinator_CloseDrainsChannelsConcurrently(t *testing.T) {
	d := stt.Descriptor{ProviderID: "mock", ModelID: "mock-batch", Family: stt.FamilyBatchOnly}
	c, f, l := newTestCoordinator(d, true, capture.Options{})
	f.useBatch = true
	f.meet = newRendezvous(len(models.Channels))
	if _, err := c.Initialize(context.Background(), "en"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	_ = c.IngestLocalAudio(make([]byte, 480), "")
	_ = c.IngestRemoteAudio(make([]byte, 480), "")
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Each pending window only completes while the other channel's drain is
	// in flight too.
	seen := make(map[models.Channel]bool)
	for range models.Channels {
		ev := l.nextFinal(t)
		if ev.Text != "batch" {
			t.Errorf("unexpected final %+v", ev)
		}
		seen[ev.Channel] = true
	}
	if len(seen) != len(models.Channels) {
		t.Errorf("expected a final from every channel, got %v", seen)
	}
	for ch, h := range f.batchOnly {
		if !h.closed {
			t.Errorf("expected %s handle released after drain", ch)
		}
	}
}

func TestCoordinator_CloseDiscardsWhenFlushDisabled(t *testing.T) {
	c, f, l := newTestCoordinator(turnBased(), false, capture.Options{})
	if _, err := c.Initialize(context.Background(), "en"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	f.deliver(models.ChannelLocal, stt.Message{Type: stt.MessageTranscription, Text: "dropped"})
	_ = c.Close(context.Background())

	for {
		select {
		case ev := <-l.transcripts:
			if !ev.Partial {
				t.Fatalf("expected no final with flushing disabled, got %+v", ev)
			}
		default:
			return
		}
	}
}

// pipeProcess is a capture process fed by the test.
type pipeProcess struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	done chan struct{}
	once sync.Once
}

func newPipeProcess() *pipeProcess {
	r, w := io.Pipe()
	return &pipeProcess{r: r, w: w, done: make(chan struct{})}
}

func (p *pipeProcess) Stdout() io.Reader { return p.r }
func (p *pipeProcess) Wait() error {
	<-p.done
	return nil
}
func (p *pipeProcess) Kill() error {
	p.once.Do(func() {
		p.w.Close()
		close(p.done)
	})
	return nil
}

func TestCoordinator_CaptureFeedsRemoteChannel(t *testing.T) {
	proc := newPipeProcess()
	c, f, l := newTestCoordinator(turnBased(), true, capture.Options{
		Spawn:             func() (capture.Process, error) { return proc, nil },
		PlatformSupported: func() bool { return true },
	})

	if err := c.StartCapture(); !errors.Is(err, capture.ErrRemoteNotReady) {
		t.Fatalf("expected ErrRemoteNotReady before init, got %v", err)
	}
	if _, err := c.Initialize(context.Background(), "en"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := c.StartCapture(); err != nil {
		t.Fatalf("start capture: %v", err)
	}
	l.expectStatus(t, StatusCaptureStarted)

	go func() { _, _ = proc.w.Write(make([]byte, audio.CaptureChunkBytes)) }()

	select {
	case chunk := <-l.chunks:
		raw, err := base64.StdEncoding.DecodeString(chunk.Data)
		if err != nil || len(raw) != audio.CaptureChunkBytes/2 {
			t.Errorf("expected %d mono bytes, got %d (%v)", audio.CaptureChunkBytes/2, len(raw), err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for capture chunk")
	}

	waitFor(t, func() bool { return f.handle(models.ChannelRemote).payloadCount() > 0 })
	if got := f.handle(models.ChannelRemote).payloadCount(); got != 1 {
		t.Errorf("expected capture chunk forwarded to remote channel, got %d", got)
	}
	if got := f.handle(models.ChannelLocal).payloadCount(); got != 0 {
		t.Errorf("expected nothing on local channel, got %d", got)
	}

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if st := c.Status(); st.Capture != capture.StateIdle.String() {
		t.Errorf("expected capture idle after close, got %s", st.Capture)
	}
}

func TestCoordinator_StartCaptureWithoutSupervisor(t *testing.T) {
	c, _, _ := newTestCoordinator(turnBased(), true, capture.Options{})
	if err := c.StartCapture(); !errors.Is(err, capture.ErrUnsupportedPlatform) {
		t.Errorf("expected ErrUnsupportedPlatform, got %v", err)
	}
	if err := c.StopCapture(); err != nil {
		t.Errorf("expected stop to be a no-op, got %v", err)
	}
}
