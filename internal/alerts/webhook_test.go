package alerts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylapse/brain/pkg/events"
)

func TestWebhookNotifier_DeliversSignedPayload(t *testing.T) {
	var gotSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Brain-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "shh", nil)
	event := events.NewEvent(events.EventJobDeadLettered, "sched-1", map[string]interface{}{"job_id": "job_1"})

	err := n.Notify(context.Background(), event)
	require.NoError(t, err)
	assert.NotEmpty(t, gotSignature)
}

func TestWebhookNotifier_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", nil)
	event := events.NewEvent(events.EventJobDeadLettered, "sched-1", map[string]interface{}{})

	err := n.Notify(context.Background(), event)
	require.Error(t, err)
}

type recordingNotifier struct {
	events []events.Event
}

func (r *recordingNotifier) Notify(ctx context.Context, event events.Event) error {
	r.events = append(r.events, event)
	return nil
}

func TestSubscriber_NodeUnreachableAlertsOnEveryDelivery(t *testing.T) {
	rec := &recordingNotifier{}
	sub := NewSubscriber(rec, nil)
	bus := events.NewBus(nil)
	sub.Register(bus)
	ctx := context.Background()

	// NodePool only ever publishes EventNodeUnreachable once per down
	// transition, so the subscriber itself must not re-debounce it.
	event := events.NewEvent(events.EventNodeUnreachable, "", map[string]interface{}{"node_id": "n1"})
	require.NoError(t, bus.PublishAndWait(ctx, event))
	assert.Len(t, rec.events, 1)

	require.NoError(t, bus.PublishAndWait(ctx, event))
	assert.Len(t, rec.events, 2)
}

func TestSubscriber_DeadLetterAlwaysNotifies(t *testing.T) {
	rec := &recordingNotifier{}
	sub := NewSubscriber(rec, nil)

	event := events.NewEvent(events.EventJobDeadLettered, "", map[string]interface{}{"job_id": "job_1"})
	require.NoError(t, sub.onJobDeadLettered(context.Background(), event))
	assert.Len(t, rec.events, 1)
}
