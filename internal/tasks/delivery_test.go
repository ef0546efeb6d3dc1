package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"scamshield/internal/bus"
	"scamshield/internal/collab"
	"scamshield/internal/dispatch"
	"scamshield/internal/models"
	"scamshield/internal/registry"
)

type fakeCaller struct {
	rec      models.Recording
	ready    bool
	pollErr  error
	startErr error
	started  []collab.StartCallRequest
}

func (f *fakeCaller) StartCall(_ context.Context, req collab.StartCallRequest) (collab.Call, error) {
	if f.startErr != nil {
		return collab.Call{}, f.startErr
	}
	f.started = append(f.started, req)
	return collab.Call{ID: "agent-call-1", AgentName: "Edna"}, nil
}

func (f *fakeCaller) PollRecording(context.Context, string) (models.Recording, bool, error) {
	return f.rec, f.ready, f.pollErr
}

type fakeSink struct {
	res       collab.DeliverResult
	err       error
	delivered []string
}

func (f *fakeSink) Deliver(_ context.Context, message, _ string) (collab.DeliverResult, error) {
	if f.err != nil {
		return collab.DeliverResult{}, f.err
	}
	f.delivered = append(f.delivered, message)
	return f.res, nil
}

type fakeClassifier struct {
	verdict models.Verdict
	err     error
}

func (f *fakeClassifier) Classify(context.Context, string) (models.Verdict, error) {
	return f.verdict, f.err
}

type workerFixture struct {
	worker   *Worker
	registry *registry.Registry
	queue    *dispatch.Queue
	caller   *fakeCaller
	sink     *fakeSink
	class    *fakeClassifier
	mr       *miniredis.Miniredis
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	reg := registry.New(client, time.Hour)
	b := bus.New(client, 100, 5*time.Minute, nil)
	q := dispatch.NewQueue(client, 30*time.Second)
	d := dispatch.NewDispatcher(q, 3)
	caller := &fakeCaller{}
	sink := &fakeSink{res: collab.DeliverResult{Success: true}}
	class := &fakeClassifier{}

	w := New(Config{
		EventChannel:        "live_updates",
		EngagementThreshold: 70,
		RecheckDelay:        20 * time.Second,
		MaxRecordingRetries: 10,
		AgentCallTimeFloor:  time.Second,
	}, dispatch.NewSigner("test-key"), "http://worker.test/internal/tasks",
		reg, b, d, class, caller, sink, nil, nil)

	return &workerFixture{worker: w, registry: reg, queue: q, caller: caller, sink: sink, class: class, mr: mr}
}

// drainTask pops the single queued message and decodes its payload.
func drainTask(t *testing.T, q *dispatch.Queue) (models.Task, models.DeliverRecordingTask) {
	t.Helper()
	ctx := context.Background()
	if _, err := q.PromoteScheduled(ctx, time.Now().Add(time.Hour), 100); err != nil {
		t.Fatalf("promote: %v", err)
	}
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id == "" {
		t.Fatalf("expected a queued message, got id=%q err=%v", id, err)
	}
	msg, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	var task models.Task
	if err := json.Unmarshal(msg.Envelope, &task); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	var payload models.DeliverRecordingTask
	if err := json.Unmarshal(task.TaskData, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return task, payload
}

func queueDepth(t *testing.T, q *dispatch.Queue) int {
	t.Helper()
	ctx := context.Background()
	if _, err := q.PromoteScheduled(ctx, time.Now().Add(time.Hour), 100); err != nil {
		t.Fatalf("promote: %v", err)
	}
	n, err := q.ReadyDepth(ctx)
	if err != nil {
		t.Fatalf("ready depth: %v", err)
	}
	return int(n)
}

func TestDeliveryNotReadyReschedules(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.caller.ready = false

	if err := f.registry.Put(ctx, models.ActiveCall{CallID: "call-1", Status: models.StatusAgentCallEnded}, 0); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	state, err := f.worker.handleDeliverRecording(ctx, models.DeliverRecordingTask{
		CallID:      "call-1",
		AgentCallID: "agent-call-1",
		PhoneNumber: "+15550100",
		Company:     "Acme Bank",
		RetryCount:  0,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if state != StateRescheduled {
		t.Fatalf("expected rescheduled, got %s", state)
	}

	task, payload := drainTask(t, f.queue)
	if task.TaskType != models.TaskDeliverRecording {
		t.Fatalf("unexpected task type %s", task.TaskType)
	}
	if payload.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", payload.RetryCount)
	}
	if payload.CallID != "call-1" || payload.PhoneNumber != "+15550100" || payload.Company != "Acme Bank" {
		t.Fatalf("payload fields must ride through unchanged: %+v", payload)
	}

	// Registry entry stays intact while attempts remain.
	if _, ok, _ := f.registry.Get(ctx, "call-1"); !ok {
		t.Fatalf("registry entry must survive a reschedule")
	}
	// Exactly one follow-up.
	if n := queueDepth(t, f.queue); n != 0 {
		t.Fatalf("expected exactly one follow-up task, found %d more", n)
	}
}

func TestDeliveryGivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.caller.ready = false

	if err := f.registry.Put(ctx, models.ActiveCall{CallID: "call-1"}, 0); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	state, err := f.worker.handleDeliverRecording(ctx, models.DeliverRecordingTask{
		CallID:      "call-1",
		AgentCallID: "agent-call-1",
		RetryCount:  10,
	})
	if err != nil {
		t.Fatalf("give-up must report handled, got error: %v", err)
	}
	if state != StateGivenUp {
		t.Fatalf("expected given_up, got %s", state)
	}

	if _, ok, _ := f.registry.Get(ctx, "call-1"); ok {
		t.Fatalf("registry entry must be deleted on give-up")
	}
	if n := queueDepth(t, f.queue); n != 0 {
		t.Fatalf("no further task may be enqueued on give-up, found %d", n)
	}
}

func TestDeliverySuccessRemovesRegistryEntry(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.caller.ready = true
	f.caller.rec = models.Recording{RecordingURL: "https://cdn.example.com/rec.mp3", Duration: 95}

	if err := f.registry.Put(ctx, models.ActiveCall{
		CallID: "call-1", Status: models.StatusAgentCallEnded,
		PhoneNumber: "+15550100", Company: "Acme Bank",
	}, 0); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	state, err := f.worker.handleDeliverRecording(ctx, models.DeliverRecordingTask{
		CallID:      "call-1",
		AgentCallID: "agent-call-1",
		RetryCount:  2,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if state != StateDone {
		t.Fatalf("expected done, got %s", state)
	}
	if len(f.sink.delivered) != 1 {
		t.Fatalf("expected one delivery, got %d", len(f.sink.delivered))
	}
	if _, ok, _ := f.registry.Get(ctx, "call-1"); ok {
		t.Fatalf("registry entry must be removed after delivery")
	}
}

func TestDeliveryFailureRetainsRegistryEntry(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.caller.ready = true
	f.caller.rec = models.Recording{RecordingURL: "https://cdn.example.com/rec.mp3"}
	f.sink.res = collab.DeliverResult{Success: false, Error: "sink refused"}

	if err := f.registry.Put(ctx, models.ActiveCall{CallID: "call-1"}, 0); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	state, err := f.worker.handleDeliverRecording(ctx, models.DeliverRecordingTask{
		CallID:      "call-1",
		AgentCallID: "agent-call-1",
	})
	if err != nil {
		t.Fatalf("delivery failure must report handled, got error: %v", err)
	}
	if state != StateFailedDelivery {
		t.Fatalf("expected failed_delivery, got %s", state)
	}
	if _, ok, _ := f.registry.Get(ctx, "call-1"); !ok {
		t.Fatalf("registry entry must be retained on delivery failure")
	}
	// No automatic retry of a failed delivery.
	if n := queueDepth(t, f.queue); n != 0 {
		t.Fatalf("failed delivery must not re-enqueue, found %d tasks", n)
	}
}

func TestDeliveryDuplicateAfterDoneIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.caller.ready = true
	f.caller.rec = models.Recording{RecordingURL: "https://cdn.example.com/rec.mp3"}

	// No registry entry: the chain already completed.
	state, err := f.worker.handleDeliverRecording(ctx, models.DeliverRecordingTask{
		CallID:      "call-1",
		AgentCallID: "agent-call-1",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if state != StateAlreadyHandled {
		t.Fatalf("expected already_handled, got %s", state)
	}
	if len(f.sink.delivered) != 0 {
		t.Fatalf("duplicate must not re-deliver")
	}
}

func TestDeliveryPollErrorIsRetriable(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.caller.pollErr = errors.New("provider unreachable")

	_, err := f.worker.handleDeliverRecording(ctx, models.DeliverRecordingTask{
		CallID:      "call-1",
		AgentCallID: "agent-call-1",
	})
	if err == nil {
		t.Fatalf("infrastructure failure must surface for delivery-layer retry")
	}
}

func TestDeliveryMessageEnrichmentFallbacks(t *testing.T) {
	f := newWorkerFixture(t)

	// Payload wins.
	msg := f.worker.deliveryMessage(
		models.DeliverRecordingTask{PhoneNumber: "+15550100", Company: "Acme Bank", ScamType: "refund"},
		models.ActiveCall{PhoneNumber: "+15550199", Company: "Other Co"},
		models.Recording{Duration: 30})
	if want := "Agent call recording: +15550100 impersonating Acme Bank (refund), 30s"; msg != want {
		t.Fatalf("got %q, want %q", msg, want)
	}

	// Registry fills what the payload lacks.
	msg = f.worker.deliveryMessage(
		models.DeliverRecordingTask{},
		models.ActiveCall{PhoneNumber: "+15550199", Company: "Other Co", ScamType: "support"},
		models.Recording{})
	if want := "Agent call recording: +15550199 impersonating Other Co (support)"; msg != want {
		t.Fatalf("got %q, want %q", msg, want)
	}

	// Defaults when both sources are empty; each field falls back on its own.
	msg = f.worker.deliveryMessage(models.DeliverRecordingTask{PhoneNumber: "+15550100"}, models.ActiveCall{}, models.Recording{})
	if want := "Agent call recording: +15550100 impersonating unknown company (suspected scam)"; msg != want {
		t.Fatalf("got %q, want %q", msg, want)
	}
}
