// Package orchestrator runs the provider lookup task as a tree of runs: a
// meta run for the task with one child run per agent that contributes to it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kensa/internal/integrations/geocode"
	"github.com/ashita-ai/kensa/internal/integrations/npi"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/memory"
	"github.com/ashita-ai/kensa/internal/service/runs"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// Agent types recorded on the run tree.
const (
	AgentMeta      = "meta"
	AgentNPILookup = "npi_lookup"
	AgentGeocoding = "geocoding"
)

const summaryImportance = 0.7

var errNPINotFound = errors.New("NPI not found")

// RunRecorder starts and completes runs. *runs.Tracker satisfies it.
type RunRecorder interface {
	Start(ctx context.Context, in runs.StartInput) (model.Run, error)
	Complete(ctx context.Context, id uuid.UUID, status model.RunStatus, output map[string]any, errMsg *string) (model.Run, error)
}

// Registry is the identity lookup capability.
type Registry interface {
	Lookup(ctx context.Context, number string) (npi.Record, bool, error)
}

// Geocoder is the forward geocoding capability.
type Geocoder interface {
	Geocode(ctx context.Context, addr geocode.Address) (geocode.Coordinates, bool, error)
}

// MemoryWriter persists the task summary. *memory.Store satisfies it.
type MemoryWriter interface {
	Store(ctx context.Context, in memory.StoreInput) (model.Memory, error)
}

// Orchestrator composes the run tracker, the capabilities and the memory
// store into end-to-end agent tasks.
type Orchestrator struct {
	runs     RunRecorder
	registry Registry
	geocoder Geocoder
	memories MemoryWriter
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates an Orchestrator.
func New(runRecorder RunRecorder, registry Registry, geocoder Geocoder, memories MemoryWriter, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		runs:     runRecorder,
		registry: registry,
		geocoder: geocoder,
		memories: memories,
		logger:   logger,
		tracer:   telemetry.Tracer("kensa/orchestrator"),
	}
}

// ExecuteProviderLookup looks up a provider, geocodes its address and writes
// a summary memory. Task failures are reported in the result with the meta
// run marked failed; the returned error is reserved for invalid input and
// for failing to record the meta run at all.
func (o *Orchestrator) ExecuteProviderLookup(ctx context.Context, number string, userID *string) (model.ProviderLookupResult, error) {
	number = strings.TrimSpace(number)
	if err := npi.ValidateNumber(number); err != nil {
		return model.ProviderLookupResult{}, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.provider_lookup",
		trace.WithAttributes(attribute.String("kensa.npi_number", number)))
	defer span.End()

	parent, err := o.runs.Start(ctx, runs.StartInput{
		AgentType:       AgentMeta,
		TaskDescription: "Provider lookup for NPI " + number,
		InputData:       map[string]any{"npi_number": number},
		UserID:          userID,
	})
	if err != nil {
		return model.ProviderLookupResult{}, fmt.Errorf("orchestrator: start meta run: %w", err)
	}

	provider, err := o.providerLookup(ctx, parent.ID, number, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.finish(ctx, parent.ID, nil, err)
		o.logger.Warn("orchestrator: provider lookup failed", "run_id", parent.ID, "npi_number", number, "error", err)
		return model.ProviderLookupResult{Success: false, RunID: parent.ID, Error: err.Error()}, nil
	}

	o.finish(ctx, parent.ID, providerOutput(provider), nil)
	return model.ProviderLookupResult{Success: true, RunID: parent.ID, Provider: &provider}, nil
}

func (o *Orchestrator) providerLookup(ctx context.Context, parentID uuid.UUID, number string, userID *string) (model.Provider, error) {
	// Step 1: identity lookup.
	lookupRun, err := o.runs.Start(ctx, runs.StartInput{
		AgentType:       AgentNPILookup,
		TaskDescription: "Fetch NPI data for " + number,
		InputData:       map[string]any{"npi_number": number},
		ParentRunID:     &parentID,
		UserID:          userID,
	})
	if err != nil {
		return model.Provider{}, err
	}
	rec, found, err := o.registry.Lookup(ctx, number)
	if err == nil && !found {
		err = errNPINotFound
	}
	if err != nil {
		o.finish(ctx, lookupRun.ID, nil, err)
		return model.Provider{}, err
	}
	provider := npi.ParseProvider(rec)
	if provider.NPINumber == "" {
		provider.NPINumber = number
	}
	o.finish(ctx, lookupRun.ID, providerOutput(provider), nil)

	// Step 2: geocoding, only with an address. Failure is recorded on the
	// child run and the task continues without coordinates.
	if provider.HasAddress() {
		o.geocode(ctx, parentID, &provider, userID)
	}

	// Step 3: summary memory.
	if _, err := o.memories.Store(ctx, memory.StoreInput{
		Content:      summary(provider),
		MemoryType:   model.MemoryTypeEpisodic,
		AgentType:    AgentMeta,
		RelatedRunID: &parentID,
		Tags:         []string{"provider", "npi_lookup", number},
		Importance:   ptr(summaryImportance),
	}); err != nil {
		return model.Provider{}, fmt.Errorf("store summary memory: %w", err)
	}
	return provider, nil
}

func (o *Orchestrator) geocode(ctx context.Context, parentID uuid.UUID, p *model.Provider, userID *string) {
	addr := geocode.Address{Line1: p.AddressLine1, City: p.City, State: p.State, PostalCode: p.PostalCode}
	child, err := o.runs.Start(ctx, runs.StartInput{
		AgentType:       AgentGeocoding,
		TaskDescription: "Geocode address for " + p.NPINumber,
		InputData: map[string]any{
			"address":     addr.Line1,
			"city":        addr.City,
			"state":       addr.State,
			"postal_code": addr.PostalCode,
		},
		ParentRunID: &parentID,
		UserID:      userID,
	})
	if err != nil {
		o.logger.Warn("orchestrator: start geocoding run", "parent_run_id", parentID, "error", err)
		return
	}

	coords, found, err := o.geocoder.Geocode(ctx, addr)
	if err != nil {
		o.logger.Warn("orchestrator: geocoding failed, continuing", "run_id", child.ID, "error", err)
		o.finish(ctx, child.ID, nil, err)
		return
	}
	out := map[string]any{}
	if found {
		lat, lon := coords.Latitude, coords.Longitude
		p.Latitude, p.Longitude = &lat, &lon
		out["latitude"], out["longitude"] = lat, lon
	}
	o.finish(ctx, child.ID, out, nil)
}

// finish completes a run with success or, when cause is set, failure.
func (o *Orchestrator) finish(ctx context.Context, id uuid.UUID, output map[string]any, cause error) {
	status := model.RunStatusSuccess
	var msg *string
	if cause != nil {
		status = model.RunStatusFailed
		s := cause.Error()
		msg = &s
		output = map[string]any{}
	}
	if _, err := o.runs.Complete(ctx, id, status, output, msg); err != nil {
		o.logger.Error("orchestrator: complete run", "run_id", id, "error", err)
	}
}

func summary(p model.Provider) string {
	name := strings.Join(strings.Fields(p.FirstName+" "+p.LastName+" "+p.OrganizationName), " ")
	return fmt.Sprintf("Provider %s: %s in %s, %s", p.NPINumber, name, p.City, p.State)
}

func providerOutput(p model.Provider) map[string]any {
	out := map[string]any{
		"npi_number":           p.NPINumber,
		"first_name":           p.FirstName,
		"last_name":            p.LastName,
		"organization_name":    p.OrganizationName,
		"taxonomy_code":        p.TaxonomyCode,
		"taxonomy_description": p.TaxonomyDescription,
		"address_line1":        p.AddressLine1,
		"address_line2":        p.AddressLine2,
		"city":                 p.City,
		"state":                p.State,
		"postal_code":          p.PostalCode,
		"country":              p.Country,
		"phone":                p.Phone,
	}
	if p.Latitude != nil && p.Longitude != nil {
		out["latitude"] = *p.Latitude
		out["longitude"] = *p.Longitude
	}
	return out
}

func ptr[T any](v T) *T { return &v }
