package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ACCESS-NRI/access-telemetry/config"
)

// collector is an httptest stand-in for the collection server.
type collector struct {
	mu       sync.Mutex
	status   int
	requests []capturedRequest
	server   *httptest.Server
}

type capturedRequest struct {
	path string
	body map[string]any
}

func newCollector(status int) *collector {
	c := &collector{status: status}
	c.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		c.mu.Lock()
		c.requests = append(c.requests, capturedRequest{path: r.URL.Path, body: body})
		c.mu.Unlock()

		w.WriteHeader(c.status)
	}))
	return c
}

func (c *collector) captured() []capturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedRequest(nil), c.requests...)
}

func newTestHandler(t *testing.T, serverURL string) *Handler {
	t.Helper()
	return newHandler(config.Default(), serverURL)
}

func TestSingletonConsistency(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	first := Get()
	second := Get()
	require.Same(t, first, second)

	require.NoError(t, first.AddExtraFields("payu_run", map[string]any{"model": "access-om2"}))

	fields, err := second.ExtraFields("payu_run")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"model": "access-om2"}, fields)
}

func TestHandlerBuiltFromConfiguration(t *testing.T) {
	h := newTestHandler(t, "http://collector.test")

	endpoints := h.Endpoints()
	assert.Equal(t, "intake/catalog", endpoints["intake_catalog"])
	assert.Equal(t, "payu/run", endpoints["payu_run"])

	// One empty extra-fields map per known service.
	for service := range endpoints {
		fields, err := h.ExtraFields(service)
		require.NoError(t, err)
		assert.Empty(t, fields)
	}

	// The known-services set always mirrors the endpoint keys.
	services := h.Services()
	assert.Len(t, services, len(endpoints))
	for _, service := range services {
		assert.Contains(t, endpoints, service)
	}
}

func TestConfigureServerURL(t *testing.T) {
	h := newTestHandler(t, config.DefaultServerURL)
	assert.Equal(t, config.DefaultServerURL, h.ServerURL())

	h.Configure("http://localhost:8000")
	assert.Equal(t, "http://localhost:8000", h.ServerURL())
}

func TestExtraFieldsUnknownService(t *testing.T) {
	h := newTestHandler(t, "http://collector.test")

	err := h.AddExtraFields("unknown_service", map[string]any{"a": 1})
	var unknown *UnknownServiceError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "unknown_service", unknown.Service)
	assert.EqualError(t, err, `endpoint "unknown_service" not found`)

	_, err = h.ExtraFields("unknown_service")
	assert.ErrorAs(t, err, &unknown)
	assert.ErrorAs(t, h.AddPopFields("unknown_service", "session_id"), &unknown)
	assert.ErrorAs(t, h.DeleteExtraFields("unknown_service", "a"), &unknown)
	assert.ErrorAs(t, h.DeletePopFields("unknown_service", "a"), &unknown)
}

func TestExtraFieldsMergeAndDelete(t *testing.T) {
	h := newTestHandler(t, "http://collector.test")

	require.NoError(t, h.AddExtraFields("payu_run", map[string]any{"model": "om2", "config": "1deg"}))
	require.NoError(t, h.AddExtraFields("payu_run", map[string]any{"model": "om3"}))

	fields, err := h.ExtraFields("payu_run")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"model": "om3", "config": "1deg"}, fields)

	// Unknown keys are ignored on delete.
	require.NoError(t, h.DeleteExtraFields("payu_run", "config", "never_set"))
	fields, err = h.ExtraFields("payu_run")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"model": "om3"}, fields)
}

func TestPopFieldsSemantics(t *testing.T) {
	h := newTestHandler(t, "http://collector.test")

	require.NoError(t, h.AddPopFields("payu_run", "session_id", "name"))
	require.NoError(t, h.AddPopFields("payu_run", "session_id")) // no duplicate

	fields, err := h.PopFields("payu_run")
	require.NoError(t, err)
	assert.Equal(t, []string{"session_id", "name"}, fields)

	require.NoError(t, h.DeletePopFields("payu_run", "name", "never_listed"))
	fields, err = h.PopFields("payu_run")
	require.NoError(t, err)
	assert.Equal(t, []string{"session_id"}, fields)
}

func TestSendBlocking(t *testing.T) {
	c := newCollector(http.StatusOK)
	defer c.server.Close()

	h := newTestHandler(t, c.server.URL)
	err := h.Send(context.Background(), "payu_run", "Experiment.run",
		[]any{"restart"}, map[string]any{"force": true})
	require.NoError(t, err)

	requests := c.captured()
	require.Len(t, requests, 1)
	assert.Equal(t, "/payu/run", requests[0].path)

	body := requests[0].body
	assert.Equal(t, "Experiment.run", body["function"])
	assert.Equal(t, []any{"restart"}, body["args"])
	assert.Equal(t, map[string]any{"force": true}, body["kwargs"])
	assert.NotEmpty(t, body["session_id"])
	assert.NotEmpty(t, body["name"])
	assert.NotEmpty(t, body["timestamp"])
	assert.Empty(t, h.LastError())
}

func TestSendNilArgsBecomeEmpty(t *testing.T) {
	c := newCollector(http.StatusCreated)
	defer c.server.Close()

	h := newTestHandler(t, c.server.URL)
	require.NoError(t, h.Send(context.Background(), "payu_run", "Experiment.run", nil, nil))

	body := c.captured()[0].body
	assert.Equal(t, []any{}, body["args"])
	assert.Equal(t, map[string]any{}, body["kwargs"])
}

func TestSendExtraAndPopFields(t *testing.T) {
	c := newCollector(http.StatusOK)
	defer c.server.Close()

	h := newTestHandler(t, c.server.URL)
	require.NoError(t, h.AddExtraFields("intake_catalog", map[string]any{"catalog_version": "v2"}))
	require.NoError(t, h.AddPopFields("intake_catalog", "session_id"))

	// Other services' configuration must not bleed in.
	require.NoError(t, h.AddExtraFields("payu_run", map[string]any{"model": "om3"}))
	require.NoError(t, h.AddPopFields("payu_run", "name"))

	require.NoError(t, h.Send(context.Background(), "intake_catalog", "esm_datastore.search", nil, nil))

	body := c.captured()[0].body
	assert.Equal(t, "v2", body["catalog_version"])
	assert.NotContains(t, body, "session_id")
	assert.NotContains(t, body, "model")
	assert.Contains(t, body, "name")
}

// The extra field wins on a reserved-key collision, and the clobbering is
// warned about rather than silent.
func TestSendExtraFieldOverridesReserved(t *testing.T) {
	c := newCollector(http.StatusOK)
	defer c.server.Close()

	h := newTestHandler(t, c.server.URL)
	var log bytes.Buffer
	h.SetLogOutput(&log)

	require.NoError(t, h.AddExtraFields("payu_run", map[string]any{"name": "ci-runner"}))
	require.NoError(t, h.Send(context.Background(), "payu_run", "Experiment.run", nil, nil))

	body := c.captured()[0].body
	assert.Equal(t, "ci-runner", body["name"])
	assert.Contains(t, log.String(), "reserved payload field")
}

func TestSendUnknownService(t *testing.T) {
	c := newCollector(http.StatusOK)
	defer c.server.Close()

	h := newTestHandler(t, c.server.URL)
	err := h.Send(context.Background(), "unknown_service", "f", nil, nil)

	var unknown *UnknownServiceError
	require.ErrorAs(t, err, &unknown)
	assert.Empty(t, c.captured())
	assert.Empty(t, h.LastRecord())
}

func TestSendURLJoinNormalized(t *testing.T) {
	c := newCollector(http.StatusOK)
	defer c.server.Close()

	// Trailing slash on the base URL must not produce a double slash.
	h := newTestHandler(t, c.server.URL+"/")
	require.NoError(t, h.Send(context.Background(), "payu_run", "Experiment.run", nil, nil))
	assert.Equal(t, "/payu/run", c.captured()[0].path)
}

func TestSendTransportFailureAbsorbed(t *testing.T) {
	// Nothing listens here; connections are refused immediately.
	h := newTestHandler(t, "http://127.0.0.1:1")
	var log bytes.Buffer
	h.SetLogOutput(&log)

	t.Run("blocking", func(t *testing.T) {
		err := h.Send(context.Background(), "payu_run", "Experiment.run", nil, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, h.LastError())
		assert.Contains(t, log.String(), "delivery failed")
	})

	t.Run("async", func(t *testing.T) {
		err := h.Send(context.Background(), "payu_run", "Experiment.run", nil, nil, Async())
		require.NoError(t, err)
		h.Wait()
		assert.NotEmpty(t, h.LastError())
	})
}

func TestSendNon2xxAbsorbed(t *testing.T) {
	c := newCollector(http.StatusInternalServerError)
	defer c.server.Close()

	h := newTestHandler(t, c.server.URL)
	err := h.Send(context.Background(), "payu_run", "Experiment.run", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, h.LastError(), "500")
}

func TestSendAsyncDelivers(t *testing.T) {
	c := newCollector(http.StatusOK)
	defer c.server.Close()

	h := newTestHandler(t, c.server.URL)
	require.NoError(t, h.Send(context.Background(), "payu_run", "Experiment.run", nil, nil, Async()))
	h.Wait()

	require.Len(t, c.captured(), 1)
	assert.Equal(t, "/payu/run", c.captured()[0].path)
}

// An async send must survive the caller's context being canceled after Send
// returns: the record belongs to a call that already completed.
func TestSendAsyncDetachedFromCallerContext(t *testing.T) {
	c := newCollector(http.StatusOK)
	defer c.server.Close()

	h := newTestHandler(t, c.server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Send(ctx, "payu_run", "Experiment.run", nil, nil, Async()))
	cancel()
	h.Wait()

	require.Len(t, c.captured(), 1)
	assert.Empty(t, h.LastError())
}

func TestLastRecord(t *testing.T) {
	c := newCollector(http.StatusOK)
	defer c.server.Close()

	h := newTestHandler(t, c.server.URL)
	require.NoError(t, h.Send(context.Background(), "payu_run", "Experiment.run", []any{1}, nil))

	record := h.LastRecord()
	assert.Equal(t, "Experiment.run", record["function"])

	// The copy is detached from handler state.
	record["function"] = "tampered"
	assert.Equal(t, "Experiment.run", h.LastRecord()["function"])
}

func TestConcurrentSends(t *testing.T) {
	c := newCollector(http.StatusOK)
	defer c.server.Close()

	h := newTestHandler(t, c.server.URL)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Send(context.Background(), "payu_run", "Experiment.run", nil, nil)
			_ = h.AddExtraFields("payu_run", map[string]any{"model": "om3"})
		}()
	}
	wg.Wait()
	h.Wait()

	assert.Len(t, c.captured(), 20)
}

func TestSendEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	c := newCollector(http.StatusOK)
	defer c.server.Close()

	h := newTestHandler(t, c.server.URL)
	require.NoError(t, h.Send(context.Background(), "payu_run", "Experiment.run", nil, nil))

	spans := recorder.Ended()
	require.NotEmpty(t, spans)

	var found bool
	for _, span := range spans {
		if span.Name() == "telemetry.send" {
			found = true
		}
	}
	assert.True(t, found, "expected a telemetry.send span")
}
