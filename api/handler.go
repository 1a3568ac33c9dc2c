// Package api sends structured usage records to the remote collection
// endpoints resolved from the service configuration.
//
// The Handler is process-wide: every call to Get returns the same instance,
// so extra fields added anywhere in the process apply to every subsequent
// record for that service. Delivery is strictly best effort. Transport
// failures, timeouts and non-2xx responses are absorbed at the handler
// boundary in both dispatch modes and surface only through the log and the
// LastError diagnostic: telemetry must never break the instrumented call.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ACCESS-NRI/access-telemetry/config"
	"github.com/ACCESS-NRI/access-telemetry/internal/logging"
	"github.com/ACCESS-NRI/access-telemetry/session"
)

const instrumentationName = "github.com/ACCESS-NRI/access-telemetry/api"

// requestTimeout bounds every delivery attempt so a hung collection server
// cannot stall a blocking caller or leak background goroutines.
const requestTimeout = 10 * time.Second

// Reserved payload field names. Extra fields may override them, but doing so
// signals a warning.
const (
	fieldTimestamp = "timestamp"
	fieldName      = "name"
	fieldFunction  = "function"
	fieldArgs      = "args"
	fieldKwargs    = "kwargs"
	fieldSessionID = "session_id"
)

// Handler is the process-wide telemetry dispatcher.
type Handler struct {
	mu          sync.Mutex
	serverURL   string
	endpoints   map[string]string
	extraFields map[string]map[string]any
	popFields   map[string][]string
	lastRecord  map[string]any

	lastError atomic.Value // string
	inflight  sync.WaitGroup

	client *resty.Client
	logger *logging.Logger
	tracer trace.Tracer
	sent   metric.Int64Counter
	failed metric.Int64Counter
}

var (
	handlerMu sync.Mutex
	handler   *Handler
)

// Get returns the process-wide Handler, building it on first use from the
// default configuration document.
func Get() *Handler {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	if handler == nil {
		handler = newHandler(config.Default(), config.ServerURL())
	}
	return handler
}

// Reset discards the process-wide Handler after draining in-flight sends, so
// the next Get rebuilds it from configuration. Test harness use only.
func Reset() {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	if handler != nil {
		handler.inflight.Wait()
	}
	handler = nil
}

func newHandler(resolved *config.Resolved, serverURL string) *Handler {
	endpoints := make(map[string]string, len(resolved.Endpoints))
	extraFields := make(map[string]map[string]any, len(resolved.Endpoints))
	for service, endpoint := range resolved.Endpoints {
		endpoints[service] = endpoint
		extraFields[service] = make(map[string]any)
	}

	client := resty.New().
		SetTimeout(requestTimeout).
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetHeader("Content-Type", "application/json")

	meter := otel.Meter(instrumentationName)
	sent, _ := meter.Int64Counter("telemetry.records.sent",
		metric.WithDescription("Usage records delivered to the collection server"))
	failed, _ := meter.Int64Counter("telemetry.records.failed",
		metric.WithDescription("Usage records dropped after a failed delivery attempt"))

	return &Handler{
		serverURL:   serverURL,
		endpoints:   endpoints,
		extraFields: extraFields,
		popFields:   make(map[string][]string),
		client:      client,
		logger:      logging.New("api"),
		tracer:      otel.Tracer(instrumentationName),
		sent:        sent,
		failed:      failed,
	}
}

// Configure overrides the collection server base URL for all subsequent
// sends from any caller.
func (h *Handler) Configure(serverURL string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.serverURL = serverURL
}

// ServerURL returns the current collection server base URL.
func (h *Handler) ServerURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serverURL
}

// Endpoints returns a copy of the service-to-endpoint mapping.
func (h *Handler) Endpoints() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()

	endpoints := make(map[string]string, len(h.endpoints))
	for service, endpoint := range h.endpoints {
		endpoints[service] = endpoint
	}
	return endpoints
}

// Services returns the sorted service names known to the handler. It is
// always the key set of Endpoints.
func (h *Handler) Services() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	services := make([]string, 0, len(h.endpoints))
	for service := range h.endpoints {
		services = append(services, service)
	}
	sort.Strings(services)
	return services
}

// AddExtraFields merges fields into the extra fields sent with every record
// for the service.
func (h *Handler) AddExtraFields(service string, fields map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.endpoints[service]; !ok {
		return &UnknownServiceError{Service: service}
	}
	for key, value := range fields {
		h.extraFields[service][key] = value
	}
	return nil
}

// ExtraFields returns a copy of the extra fields configured for the service.
func (h *Handler) ExtraFields(service string) (map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.endpoints[service]; !ok {
		return nil, &UnknownServiceError{Service: service}
	}
	fields := make(map[string]any, len(h.extraFields[service]))
	for key, value := range h.extraFields[service] {
		fields[key] = value
	}
	return fields, nil
}

// DeleteExtraFields removes the named keys from the service's extra fields.
// Keys that are not present are ignored.
func (h *Handler) DeleteExtraFields(service string, keys ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.endpoints[service]; !ok {
		return &UnknownServiceError{Service: service}
	}
	for _, key := range keys {
		delete(h.extraFields[service], key)
	}
	return nil
}

// AddPopFields appends field names to strip from every record for the
// service before sending, e.g. "session_id" for CLI hosts where session
// correlation is meaningless. Names already listed are not duplicated.
func (h *Handler) AddPopFields(service string, fields ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.endpoints[service]; !ok {
		return &UnknownServiceError{Service: service}
	}
	for _, field := range fields {
		if !contains(h.popFields[service], field) {
			h.popFields[service] = append(h.popFields[service], field)
		}
	}
	return nil
}

// PopFields returns a copy of the pop field list for the service.
func (h *Handler) PopFields(service string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.endpoints[service]; !ok {
		return nil, &UnknownServiceError{Service: service}
	}
	return append([]string(nil), h.popFields[service]...), nil
}

// DeletePopFields removes field names from the service's pop list. Names not
// listed are ignored.
func (h *Handler) DeletePopFields(service string, fields ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.endpoints[service]; !ok {
		return &UnknownServiceError{Service: service}
	}
	kept := h.popFields[service][:0]
	for _, existing := range h.popFields[service] {
		if !contains(fields, existing) {
			kept = append(kept, existing)
		}
	}
	h.popFields[service] = kept
	return nil
}

// Send builds a usage record for the call and posts it to the service's
// endpoint. An unknown service fails synchronously in both modes; delivery
// failures never do. The default mode blocks until the attempt completes;
// the Async option schedules it in the background instead.
func (h *Handler) Send(ctx context.Context, service, function string, args []any, kwargs map[string]any, opts ...SendOption) error {
	var sc sendConfig
	for _, opt := range opts {
		opt(&sc)
	}

	h.mu.Lock()
	endpoint, ok := h.endpoints[service]
	if !ok {
		h.mu.Unlock()
		return &UnknownServiceError{Service: service}
	}
	record := h.buildRecordLocked(service, function, args, kwargs)
	h.lastRecord = record
	url := joinURL(h.serverURL, endpoint)
	h.mu.Unlock()

	if sc.async {
		h.inflight.Add(1)
		// Detach from the caller's cancellation: the record should still
		// go out after the instrumented call returns.
		sendCtx := context.WithoutCancel(ctx)
		go func() {
			defer h.inflight.Done()
			h.post(sendCtx, service, url, record)
		}()
		return nil
	}

	h.post(ctx, service, url, record)
	return nil
}

// buildRecordLocked assembles the payload. Caller holds h.mu; the returned
// map is a fresh snapshot, so no lock is held across the network call.
func (h *Handler) buildRecordLocked(service, function string, args []any, kwargs map[string]any) map[string]any {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	record := map[string]any{
		fieldTimestamp: time.Now().UTC().Format(time.RFC3339),
		fieldName:      session.Username(),
		fieldFunction:  function,
		fieldArgs:      args,
		fieldKwargs:    kwargs,
		fieldSessionID: session.ID(),
	}

	for key, value := range h.extraFields[service] {
		if _, reserved := record[key]; reserved {
			h.logger.Warn("Extra field overrides a reserved payload field", map[string]any{
				"service": service,
				"field":   key,
			})
		}
		record[key] = value
	}
	for _, field := range h.popFields[service] {
		delete(record, field)
	}
	return record
}

func (h *Handler) post(ctx context.Context, service, url string, record map[string]any) {
	ctx, span := h.tracer.Start(ctx, "telemetry.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("telemetry.service", service)))
	defer span.End()

	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(record).
		Post(url)
	if err != nil {
		h.deliveryFailed(ctx, span, service, url, err)
		return
	}
	if resp.IsError() {
		h.deliveryFailed(ctx, span, service, url, fmt.Errorf("server returned %s", resp.Status()))
		return
	}

	span.SetStatus(codes.Ok, "")
	h.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("telemetry.service", service)))
	h.logger.Debug("Telemetry posted", map[string]any{
		"service": service,
		"url":     url,
		"status":  resp.StatusCode(),
	})
}

// deliveryFailed records a failed attempt. Failures are logged and counted,
// never returned: this is the failure-isolation boundary.
func (h *Handler) deliveryFailed(ctx context.Context, span trace.Span, service, url string, err error) {
	h.lastError.Store(err.Error())
	span.RecordError(err)
	span.SetStatus(codes.Error, "delivery failed")
	h.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("telemetry.service", service)))
	h.logger.Error("Telemetry delivery failed", map[string]any{
		"service": service,
		"url":     url,
		"error":   err.Error(),
	})
}

// LastRecord returns a copy of the most recently built record, whether or
// not its delivery succeeded. Diagnostic use.
func (h *Handler) LastRecord() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	record := make(map[string]any, len(h.lastRecord))
	for key, value := range h.lastRecord {
		record[key] = value
	}
	return record
}

// LastError returns the message of the most recently absorbed delivery
// failure, or "" if none has occurred.
func (h *Handler) LastError() string {
	if msg, ok := h.lastError.Load().(string); ok {
		return msg
	}
	return ""
}

// Wait blocks until all in-flight asynchronous sends have completed. Useful
// before process exit; records still in flight at exit are lost.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

// SetLogOutput redirects the handler's log (useful for testing).
func (h *Handler) SetLogOutput(w io.Writer) {
	h.logger.SetOutput(w)
}

func joinURL(serverURL, endpoint string) string {
	for len(serverURL) > 0 && serverURL[len(serverURL)-1] == '/' {
		serverURL = serverURL[:len(serverURL)-1]
	}
	for len(endpoint) > 0 && endpoint[0] == '/' {
		endpoint = endpoint[1:]
	}
	return serverURL + "/" + endpoint
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
