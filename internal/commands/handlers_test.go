package commands

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"nvrproc/internal/config"
	"nvrproc/internal/events"
	"nvrproc/internal/pipeline"
	"nvrproc/internal/pipeline/fake"
	"nvrproc/internal/sink"
)

// fakeControlPlane implements instanceRenamer without a real bus.
type fakeControlPlane struct {
	mu           sync.Mutex
	statuses     []events.Status
	published    []string
	instanceID   string
	publishFails bool
}

func (c *fakeControlPlane) PublishStatus(status events.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, status)
	return nil
}

func (c *fakeControlPlane) SetInstanceID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instanceID = id
}

func (c *fakeControlPlane) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, topic)
	return nil
}

func (c *fakeControlPlane) lastStatus() events.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.statuses) == 0 {
		return ""
	}
	return c.statuses[len(c.statuses)-1]
}

// discardPublisher satisfies sink.Publisher without recording anything;
// these tests only assert on config/status/ack behavior, not on
// detection-event content.
type discardPublisher struct{}

func (discardPublisher) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	return nil
}

type fakeMetrics struct{}

func (fakeMetrics) FullReport() events.FullMetrics { return events.FullMetrics{} }

func newTestRegistry(t *testing.T) (*Registry, *fakeControlPlane, *config.ProcessorConfig, *pipeline.Manager) {
	t.Helper()

	cfg := &config.ProcessorConfig{
		StreamSourceIDs: []int{0, 1},
		ModelID:         "v1",
		MaxFPS:          0,
		InstanceID:      "proc-1",
	}
	mgr := pipeline.NewManager(fake.Factory(), zap.NewNop())
	cp := &fakeControlPlane{}
	topics := events.Topics{ControlStatusTopic: "nvr/control/status"}
	snk := sink.New(cfg, topics, discardPublisher{}, zap.NewNop())

	deps := Deps{Config: cfg, Pipeline: mgr, Status: cp, Log: zap.NewNop()}
	reg := &Registry{
		deps:    deps,
		cp:      cp,
		sink:    snk,
		metrics: fakeMetrics{},
		onPrediction: func(int, pipeline.Prediction) {
		},
		topics: topics,
	}
	return reg, cp, cfg, mgr
}

func TestPauseWithoutPipelineIsNoPipeline(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	err := reg.pause(events.CommandEnvelope{})
	assertKind(t, err, KindNoPipeline)
}

func TestPauseThenPauseAgainIsAlreadyPaused(t *testing.T) {
	reg, cp, _, mgr := newTestRegistry(t)
	if err := mgr.Start(context.Background(), pipeline.Config{VideoReferences: map[int]string{0: "x", 1: "y"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Terminate(context.Background())

	if err := reg.pause(events.CommandEnvelope{}); err != nil {
		t.Fatalf("first pause: %v", err)
	}
	if cp.lastStatus() != events.StatusPaused {
		t.Errorf("status after pause = %q, want %q", cp.lastStatus(), events.StatusPaused)
	}

	err := reg.pause(events.CommandEnvelope{})
	assertKind(t, err, KindAlreadyPaused)
}

func TestResumeWithoutPauseIsNotPaused(t *testing.T) {
	reg, _, _, mgr := newTestRegistry(t)
	if err := mgr.Start(context.Background(), pipeline.Config{VideoReferences: map[int]string{0: "x"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Terminate(context.Background())

	err := reg.resume(events.CommandEnvelope{})
	assertKind(t, err, KindNotPaused)
}

func TestChangeModelMissingParam(t *testing.T) {
	reg, _, _, mgr := newTestRegistry(t)
	if err := mgr.Start(context.Background(), pipeline.Config{VideoReferences: map[int]string{0: "x"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Terminate(context.Background())

	err := reg.changeModel(events.CommandEnvelope{Params: map[string]interface{}{}})
	assertKind(t, err, KindMissingParam)
}

func TestChangeModelAppliesAndRestarts(t *testing.T) {
	reg, cp, cfg, mgr := newTestRegistry(t)
	if err := mgr.Start(context.Background(), pipeline.Config{VideoReferences: map[int]string{0: "x"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Terminate(context.Background())

	err := reg.changeModel(events.CommandEnvelope{Params: map[string]interface{}{"model_id": "v2"}})
	if err != nil {
		t.Fatalf("changeModel: %v", err)
	}
	if got := cfg.ModelIDNow(); got != "v2" {
		t.Errorf("ModelIDNow() = %q, want %q", got, "v2")
	}
	if cp.lastStatus() != events.StatusRunning {
		t.Errorf("status after successful changeModel = %q, want %q", cp.lastStatus(), events.StatusRunning)
	}
}

func TestRemoveStreamRejectsLastSource(t *testing.T) {
	reg, _, cfg, mgr := newTestRegistry(t)
	cfg.StreamSourceIDs = []int{0}
	if err := mgr.Start(context.Background(), pipeline.Config{VideoReferences: map[int]string{0: "x"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Terminate(context.Background())

	err := reg.removeStream(events.CommandEnvelope{Params: map[string]interface{}{"source_id": 0.0}})
	assertKind(t, err, KindWouldBeEmpty)
	if sources := cfg.StreamSources(); len(sources) != 1 {
		t.Errorf("StreamSources after a rejected removal = %v, want unchanged [0]", sources)
	}
}

func TestAddStreamRejectsDuplicate(t *testing.T) {
	reg, _, _, mgr := newTestRegistry(t)
	if err := mgr.Start(context.Background(), pipeline.Config{VideoReferences: map[int]string{0: "x"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Terminate(context.Background())

	err := reg.addStream(events.CommandEnvelope{Params: map[string]interface{}{"source_id": 0.0}})
	assertKind(t, err, KindAlreadyPresent)
}

// blockingHandle is a pipeline.Handle whose second Start call (the one
// RestartWithCoordination makes) blocks until release is closed, so the
// test can observe IsRestarting() == true from another goroutine.
type blockingHandle struct {
	release <-chan struct{}
	started int
}

func (h *blockingHandle) Start(ctx context.Context) error {
	h.started++
	if h.started > 1 {
		<-h.release
	}
	return nil
}
func (h *blockingHandle) Terminate(ctx context.Context) error { return nil }
func (h *blockingHandle) Join() <-chan error                  { return make(chan error) }
func (h *blockingHandle) Stats() pipeline.Stats                { return pipeline.Stats{} }
func (h *blockingHandle) PauseStream(sourceID int) error       { return nil }
func (h *blockingHandle) ResumeStream(sourceID int) error      { return nil }

func TestRestartInProgressRejectsConcurrentReconfigure(t *testing.T) {
	release := make(chan struct{})
	handle := &blockingHandle{release: release}
	factory := func(pipeline.Config) (pipeline.Handle, error) { return handle, nil }

	mgr := pipeline.NewManager(factory, zap.NewNop())
	if err := mgr.Start(context.Background(), pipeline.Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	restartDone := make(chan error, 1)
	go func() {
		restartDone <- mgr.RestartWithCoordination(context.Background(), pipeline.Config{})
	}()

	waitFor(t, time.Second, mgr.IsRestarting)

	cfg := &config.ProcessorConfig{StreamSourceIDs: []int{0}, InstanceID: "proc-1"}
	cp := &fakeControlPlane{}
	snk := sink.New(cfg, events.Topics{}, discardPublisher{}, zap.NewNop())
	reg := &Registry{
		deps:         Deps{Config: cfg, Pipeline: mgr, Status: cp, Log: zap.NewNop()},
		cp:           cp,
		sink:         snk,
		metrics:      fakeMetrics{},
		onPrediction: func(int, pipeline.Prediction) {},
	}

	err := reg.changeModel(events.CommandEnvelope{Params: map[string]interface{}{"model_id": "v2"}})
	assertKind(t, err, KindRestartInProgress)

	close(release)
	<-restartDone
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRenameInstanceUpdatesConfigAndControlPlane(t *testing.T) {
	reg, cp, cfg, _ := newTestRegistry(t)
	err := reg.renameInstance(events.CommandEnvelope{Params: map[string]interface{}{"new_instance_id": "proc-2"}})
	if err != nil {
		t.Fatalf("renameInstance: %v", err)
	}
	if cfg.Snapshot().InstanceID != "proc-2" {
		t.Errorf("config InstanceID = %q, want %q", cfg.Snapshot().InstanceID, "proc-2")
	}
	if cp.instanceID != "proc-2" {
		t.Errorf("control plane instanceID = %q, want %q", cp.instanceID, "proc-2")
	}
}

func assertKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()
	cmdErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error = %v (%T), want *commands.Error with kind %s", err, err, want)
	}
	if cmdErr.Kind != want {
		t.Errorf("error kind = %s, want %s", cmdErr.Kind, want)
	}
}
