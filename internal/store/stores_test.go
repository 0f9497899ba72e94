package store

import (
	"context"
	"testing"

	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/pkg/models"
)

func TestAgentStore_CRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewAgentStore(storage.NewMemoryDatabase())

	agent, err := s.CreateAgent(ctx, "Support", "Handles billing questions", 0)
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	if agent.MaxEngineIterations != models.DefaultMaxEngineIterations {
		t.Errorf("MaxEngineIterations = %d, want default %d", agent.MaxEngineIterations, models.DefaultMaxEngineIterations)
	}

	agent.Description = "Handles billing and refunds"
	agent.MaxEngineIterations = 5
	if err := s.UpdateAgent(ctx, agent); err != nil {
		t.Fatalf("UpdateAgent() error = %v", err)
	}
	got, err := s.ReadAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("ReadAgent() error = %v", err)
	}
	if got.Description != agent.Description || got.MaxEngineIterations != 5 {
		t.Errorf("ReadAgent() = %+v", got)
	}

	if _, err := s.CreateAgent(ctx, "Sales", "", 2); err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	agents, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents() error = %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("ListAgents() = %d agents, want 2", len(agents))
	}
	if agents[0].CreationUTC.After(agents[1].CreationUTC) {
		t.Errorf("ListAgents() not ordered by creation time")
	}

	if err := s.DeleteAgent(ctx, agent.ID); err != nil {
		t.Fatalf("DeleteAgent() error = %v", err)
	}
	if _, err := s.ReadAgent(ctx, agent.ID); err != storage.ErrNotFound {
		t.Errorf("ReadAgent() after delete error = %v, want ErrNotFound", err)
	}
}

func TestGuidelineStore_CRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewGuidelineStore(storage.NewMemoryDatabase())

	guideline, err := s.CreateGuideline(ctx, "agent-1", "the customer asks about refunds", "explain the 30-day policy")
	if err != nil {
		t.Fatalf("CreateGuideline() error = %v", err)
	}
	if _, err := s.CreateGuideline(ctx, "agent-2", "greeting", "say hello"); err != nil {
		t.Fatalf("CreateGuideline() error = %v", err)
	}

	got, err := s.ReadGuideline(ctx, guideline.ID)
	if err != nil {
		t.Fatalf("ReadGuideline() error = %v", err)
	}
	if got.Condition != guideline.Condition || got.Action != guideline.Action {
		t.Errorf("ReadGuideline() = %+v", got)
	}

	listed, err := s.ListGuidelines(ctx, "agent-1")
	if err != nil {
		t.Fatalf("ListGuidelines() error = %v", err)
	}
	if len(listed) != 1 || listed[0].ID != guideline.ID {
		t.Errorf("ListGuidelines() crossed sets: %d entries", len(listed))
	}

	if err := s.DeleteGuideline(ctx, guideline.ID); err != nil {
		t.Fatalf("DeleteGuideline() error = %v", err)
	}
	if _, err := s.ReadGuideline(ctx, guideline.ID); err != storage.ErrNotFound {
		t.Errorf("ReadGuideline() after delete error = %v, want ErrNotFound", err)
	}
}

func TestAssociationStore_CRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewAssociationStore(storage.NewMemoryDatabase())

	toolID := models.ToolID{ServiceName: "billing", ToolName: "issue_refund"}
	assoc, err := s.CreateAssociation(ctx, "g1", toolID)
	if err != nil {
		t.Fatalf("CreateAssociation() error = %v", err)
	}
	if _, err := s.CreateAssociation(ctx, "g1", models.ToolID{ServiceName: "local", ToolName: "lookup"}); err != nil {
		t.Fatalf("CreateAssociation() error = %v", err)
	}
	if _, err := s.CreateAssociation(ctx, "g2", toolID); err != nil {
		t.Fatalf("CreateAssociation() error = %v", err)
	}

	forG1, err := s.ListForGuideline(ctx, "g1")
	if err != nil {
		t.Fatalf("ListForGuideline() error = %v", err)
	}
	if len(forG1) != 2 {
		t.Errorf("ListForGuideline(g1) = %d, want 2", len(forG1))
	}

	all, err := s.ListAssociations(ctx)
	if err != nil {
		t.Fatalf("ListAssociations() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListAssociations() = %d, want 3", len(all))
	}

	if err := s.DeleteAssociation(ctx, assoc.ID); err != nil {
		t.Fatalf("DeleteAssociation() error = %v", err)
	}
	if err := s.DeleteForGuideline(ctx, "g1"); err != nil {
		t.Fatalf("DeleteForGuideline() error = %v", err)
	}
	forG1, err = s.ListForGuideline(ctx, "g1")
	if err != nil {
		t.Fatalf("ListForGuideline() error = %v", err)
	}
	if len(forG1) != 0 {
		t.Errorf("associations for g1 survived delete: %d", len(forG1))
	}
}

func TestServiceStore_UpsertRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewServiceStore(storage.NewMemoryDatabase())

	reg := &models.ServiceRegistration{
		Name: "billing",
		Kind: models.ServiceKindPlugin,
		URL:  "http://127.0.0.1:8199",
	}
	if err := s.UpsertRegistration(ctx, reg); err != nil {
		t.Fatalf("UpsertRegistration() error = %v", err)
	}
	if reg.CreationUTC.IsZero() {
		t.Error("UpsertRegistration() left CreationUTC zero")
	}

	// Re-registering the same name replaces the record in place.
	reg.URL = "http://127.0.0.1:8200"
	if err := s.UpsertRegistration(ctx, reg); err != nil {
		t.Fatalf("UpsertRegistration() error = %v", err)
	}

	got, err := s.ReadRegistration(ctx, "billing")
	if err != nil {
		t.Fatalf("ReadRegistration() error = %v", err)
	}
	if got.URL != "http://127.0.0.1:8200" || got.Kind != models.ServiceKindPlugin {
		t.Errorf("ReadRegistration() = %+v", got)
	}

	all, err := s.ListRegistrations(ctx)
	if err != nil {
		t.Fatalf("ListRegistrations() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListRegistrations() = %d, want 1", len(all))
	}

	if err := s.DeleteRegistration(ctx, "billing"); err != nil {
		t.Fatalf("DeleteRegistration() error = %v", err)
	}
	if _, err := s.ReadRegistration(ctx, "billing"); err != storage.ErrNotFound {
		t.Errorf("ReadRegistration() after delete error = %v, want ErrNotFound", err)
	}
}
