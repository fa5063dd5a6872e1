package profiles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ternarybob/papyrus/internal/common"
)

func TestNewRegistry_BuiltinsOnly(t *testing.T) {
	registry, err := NewRegistry(&common.ProfilesConfig{}, common.GetLogger())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	def := registry.Default()
	if def == nil {
		t.Fatal("expected a default profile")
	}
	if def.ModelID != DefaultModelID {
		t.Errorf("default model = %q, want %q", def.ModelID, DefaultModelID)
	}
	if len(def.Columns) != 16 {
		t.Errorf("default profile has %d columns, want 16", len(def.Columns))
	}
	if def.NamingTemplate != "{company}_{ticket}_{date}" {
		t.Errorf("naming template = %q", def.NamingTemplate)
	}
}

func TestRegistry_GetUnknownFallsBackToDefault(t *testing.T) {
	registry, err := NewRegistry(nil, common.GetLogger())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	profile := registry.Get("no-such-model")
	if profile.ModelID != DefaultModelID {
		t.Errorf("unknown model resolved to %q, want default %q", profile.ModelID, DefaultModelID)
	}
}

func TestRegistry_LoadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	content := `default_model: invoice-v1
profiles:
  - model_id: invoice-v1
    display_name: Invoice Extraction
    columns: [VendorName, InvoiceNumber, InvoiceDate, Total]
    deny_list: [BankAccount]
    naming_template: "{company}_{ticket}_{date}"
    company_fields: [VendorName]
    ticket_fields: [InvoiceNumber]
    date_fields: [InvoiceDate]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write models.yaml: %v", err)
	}

	registry, err := NewRegistry(&common.ProfilesConfig{Path: path}, common.GetLogger())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	def := registry.Default()
	if def.ModelID != "invoice-v1" {
		t.Errorf("default model = %q, want invoice-v1", def.ModelID)
	}
	if !def.Denied("BankAccount") {
		t.Error("expected BankAccount on the deny-list")
	}
	if def.Denied("Total") {
		t.Error("Total should not be denied")
	}

	// Built-ins survive alongside file profiles.
	if got := registry.Get(DefaultModelID); got.ModelID != DefaultModelID {
		t.Errorf("built-in profile lost, resolved to %q", got.ModelID)
	}
	if got := len(registry.List()); got != 2 {
		t.Errorf("List returned %d profiles, want 2", got)
	}
}

func TestRegistry_RejectsInvalidProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	// Missing naming_template and candidate fields.
	content := `profiles:
  - model_id: broken-v1
    columns: [A]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write models.yaml: %v", err)
	}

	if _, err := NewRegistry(&common.ProfilesConfig{Path: path}, common.GetLogger()); err == nil {
		t.Fatal("expected validation error for broken profile")
	}
}

func TestRegistry_RejectsUnknownDefaultModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	if err := os.WriteFile(path, []byte("default_model: ghost-v1\n"), 0644); err != nil {
		t.Fatalf("write models.yaml: %v", err)
	}

	if _, err := NewRegistry(&common.ProfilesConfig{Path: path}, common.GetLogger()); err == nil {
		t.Fatal("expected error for default_model without a profile")
	}
}

func TestRegistry_MissingFile(t *testing.T) {
	if _, err := NewRegistry(&common.ProfilesConfig{Path: "/nonexistent/models.yaml"}, common.GetLogger()); err == nil {
		t.Fatal("expected error for missing profiles file")
	}
}
