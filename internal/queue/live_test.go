package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/wolfman30/city-services/internal/events"
)

func TestHandlerLiveStreamsSummaryThenEvents(t *testing.T) {
	_, client := newRedis(t)
	svc, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := svc.Book(ctx, testClinic, samplePatient(), "")
		require.NoError(t, err)
	}

	r := chi.NewRouter()
	NewHandler(svc, nil).WithLive(client).RegisterPublic(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/clinics/" + testClinic.String() + "/queue/live"
	conn, err := websocket.Dial(url, "", "http://localhost/")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	var first liveMessage
	require.NoError(t, websocket.JSON.Receive(conn, &first))
	require.Equal(t, "summary", first.Type)
	require.NotNil(t, first.Summary)
	assert.Equal(t, 2, first.Summary.CurrentQueueNumber)
	assert.Equal(t, "2024-03-01", first.Summary.QueueDate)

	body, err := json.Marshal(events.Envelope{
		EventID:  uuid.NewString(),
		Type:     "queue.appointment_completed.v1",
		ClinicID: testClinic.String(),
		Data:     json.RawMessage(`{"queue_number":1}`),
	})
	require.NoError(t, err)
	// Other clinics' channels are not forwarded.
	require.NoError(t, client.Publish(ctx, events.ChannelFor(uuid.NewString()), `{"type":"other"}`).Err())
	require.NoError(t, client.Publish(ctx, events.ChannelFor(testClinic.String()), body).Err())

	var next liveMessage
	require.NoError(t, websocket.JSON.Receive(conn, &next))
	require.Equal(t, "event", next.Type)
	require.NotNil(t, next.Event)
	assert.Equal(t, "queue.appointment_completed.v1", next.Event.Type)
	assert.JSONEq(t, `{"queue_number":1}`, string(next.Event.Data))

	require.NoError(t, websocket.JSON.Send(conn, liveInbound{Type: "ping"}))
	var pong liveMessage
	require.NoError(t, websocket.JSON.Receive(conn, &pong))
	assert.Equal(t, "pong", pong.Type)
}

func TestHandlerLiveRejectsBadClinicID(t *testing.T) {
	_, client := newRedis(t)
	svc, _ := newTestService(t)
	r := chi.NewRouter()
	NewHandler(svc, nil).WithLive(client).RegisterPublic(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/clinics/nope/queue/live", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerLiveDisabledWithoutRedis(t *testing.T) {
	h, _ := newTestRouter(NewMemoryStore(CounterPolicy{}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/clinics/"+testClinic.String()+"/queue/live", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
