package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

// ServiceRegistry resolves service names to live ToolService clients.
// Registrations persist in the service store; clients are built lazily
// and cached in a read-mostly map. The "local" service is built in and
// always resolvable.
type ServiceRegistry struct {
	local    *LocalService
	services *store.ServiceStore
	client   *http.Client

	mu      sync.RWMutex
	clients map[string]ToolService

	metrics *observability.Metrics
}

// NewServiceRegistry creates a registry over the given service store.
// A nil httpClient uses a default with the standard call timeout.
func NewServiceRegistry(services *store.ServiceStore, local *LocalService, httpClient *http.Client) *ServiceRegistry {
	if local == nil {
		local = NewLocalService()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultCallTimeout}
	}
	return &ServiceRegistry{
		local:    local,
		services: services,
		client:   httpClient,
		clients:  make(map[string]ToolService),
	}
}

// Local returns the built-in in-process service.
func (r *ServiceRegistry) Local() *LocalService { return r.local }

// SetMetrics attaches runtime metrics. Call before serving traffic.
func (r *ServiceRegistry) SetMetrics(m *observability.Metrics) { r.metrics = m }

// UpdateService persists a registration and rebuilds its client. The
// reserved "local" name is rejected.
func (r *ServiceRegistry) UpdateService(ctx context.Context, name string, kind models.ServiceKind, url, openapiJSON string) (*models.ServiceRegistration, error) {
	if name == models.LocalServiceName {
		return nil, fmt.Errorf("service name %q is reserved", models.LocalServiceName)
	}
	reg := &models.ServiceRegistration{
		Name:        name,
		Kind:        kind,
		URL:         url,
		OpenAPIJSON: openapiJSON,
	}
	// Build eagerly so malformed registrations fail at registration
	// time, not first call.
	service, err := r.buildClient(reg)
	if err != nil {
		return nil, err
	}
	if err := r.services.UpsertRegistration(ctx, reg); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.clients[name] = service
	r.mu.Unlock()
	return reg, nil
}

func (r *ServiceRegistry) buildClient(reg *models.ServiceRegistration) (ToolService, error) {
	switch reg.Kind {
	case models.ServiceKindPlugin:
		if reg.URL == "" {
			return nil, fmt.Errorf("service %s: sdk services need a url", reg.Name)
		}
		return NewPluginService(reg.Name, reg.URL, r.client), nil
	case models.ServiceKindOpenAPI:
		if reg.OpenAPIJSON == "" {
			return nil, fmt.Errorf("service %s: openapi services need a document", reg.Name)
		}
		return NewOpenAPIService(reg.Name, reg.URL, reg.OpenAPIJSON, r.client)
	default:
		return nil, fmt.Errorf("service %s: unknown kind %q", reg.Name, reg.Kind)
	}
}

// ReadService resolves a service name to a live client.
func (r *ServiceRegistry) ReadService(ctx context.Context, name string) (ToolService, error) {
	if name == models.LocalServiceName {
		return r.local, nil
	}
	r.mu.RLock()
	service, ok := r.clients[name]
	r.mu.RUnlock()
	if ok {
		return service, nil
	}

	reg, err := r.services.ReadRegistration(ctx, name)
	if err != nil {
		return nil, err
	}
	service, err = r.buildClient(reg)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.clients[name] = service
	r.mu.Unlock()
	return service, nil
}

// ListServices returns the persisted registrations.
func (r *ServiceRegistry) ListServices(ctx context.Context) ([]*models.ServiceRegistration, error) {
	return r.services.ListRegistrations(ctx)
}

// DeleteService removes a registration and drops its cached client.
func (r *ServiceRegistry) DeleteService(ctx context.Context, name string) error {
	if name == models.LocalServiceName {
		return fmt.Errorf("service name %q is reserved", models.LocalServiceName)
	}
	if err := r.services.DeleteRegistration(ctx, name); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.clients, name)
	r.mu.Unlock()
	return nil
}

// ResolveTool reads the tool a ToolID points at.
func (r *ServiceRegistry) ResolveTool(ctx context.Context, toolID models.ToolID) (*models.Tool, error) {
	service, err := r.ReadService(ctx, toolID.ServiceName)
	if err != nil {
		return nil, err
	}
	return service.ReadTool(ctx, toolID.ToolName)
}

// CallTool resolves the service and runs the tool.
func (r *ServiceRegistry) CallTool(ctx context.Context, toolID models.ToolID, tc *ToolContext, args map[string]json.RawMessage) (*models.ToolResult, error) {
	ctx, span := otel.Tracer("parley").Start(ctx, "tools.call", trace.WithAttributes(
		attribute.String("tool.service", toolID.ServiceName),
		attribute.String("tool.name", toolID.ToolName),
	))
	defer span.End()

	service, err := r.ReadService(ctx, toolID.ServiceName)
	if err != nil {
		err = NewToolError(toolID, "%v", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.observeCall(toolID, 0, err)
		return nil, err
	}

	start := time.Now()
	result, err := service.CallTool(ctx, toolID.ToolName, tc, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.observeCall(toolID, time.Since(start), err)
	return result, err
}

func (r *ServiceRegistry) observeCall(toolID models.ToolID, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.metrics.ToolExecutionCounter.WithLabelValues(toolID.ServiceName, toolID.ToolName, status).Inc()
	r.metrics.ToolExecutionDuration.WithLabelValues(toolID.ServiceName, toolID.ToolName).Observe(elapsed.Seconds())
}
