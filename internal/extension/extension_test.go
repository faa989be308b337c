package extension

import (
	"bytes"
	"strings"
	"testing"

	"github.com/encab/encab/internal/config"
	"github.com/encab/encab/internal/logging"
)

func newTestHost() (*Host, *bytes.Buffer) {
	var buf bytes.Buffer
	log := logging.New(&buf, config.DefaultLogFormat)
	return NewHost(log), &buf
}

func TestLogSanitizerMasksConfiguredSecret(t *testing.T) {
	s := NewLogSanitizer()
	var buf bytes.Buffer
	log := logging.New(&buf, config.DefaultLogFormat)
	if err := s.Configure(nil, log); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	s.SetSecrets(map[string]string{"MY_PASSWORD": "s3cR37"})

	log.Log("main", config.LevelInfo, "the password is s3cR37")
	log.Drain()

	if strings.Contains(buf.String(), "s3cR37") {
		t.Fatalf("secret leaked into log: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "******") {
		t.Fatalf("expected masked output, got %q", buf.String())
	}
}

func TestValidationRejectsMissingRequired(t *testing.T) {
	v := NewValidation()
	settings := map[string]any{
		"variables": []any{
			map[string]any{"name": "DATABASE_URL", "required": true},
		},
	}
	if err := v.Configure(settings, nil); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	_, err := v.UpdateEnvironment(map[string]*string{}, nil)
	if err == nil {
		t.Fatal("expected error for missing required variable")
	}
}

func TestValidationAppliesDefault(t *testing.T) {
	v := NewValidation()
	settings := map[string]any{
		"variables": []any{
			map[string]any{"name": "PORT", "default": "8080", "format": "int", "min_value": float64(1)},
		},
	}
	if err := v.Configure(settings, nil); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	env, err := v.UpdateEnvironment(map[string]*string{}, nil)
	if err != nil {
		t.Fatalf("UpdateEnvironment: %v", err)
	}
	if env["PORT"] == nil || *env["PORT"] != "8080" {
		t.Fatalf("got %v, want PORT=8080", env)
	}
}

func TestValidationConstraintIsScopedToNamedPrograms(t *testing.T) {
	v := NewValidation()
	settings := map[string]any{
		"variables": []any{
			map[string]any{"name": "API_KEY", "required": true, "programs": []any{"worker"}},
		},
	}
	if err := v.Configure(settings, nil); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	// "worker" never sets API_KEY, so the scoped constraint must fail even
	// though a different program ("other") does set it.
	key := "secret"
	programs := map[string]config.ProgramConfig{
		"worker": {Name: "worker"},
		"other":  {Name: "other", Environment: map[string]*string{"API_KEY": &key}},
	}
	if _, err := v.UpdateEnvironment(map[string]*string{}, programs); err == nil {
		t.Fatal("expected error: API_KEY required for worker but unset there")
	}

	// Once worker's own environment supplies it, the constraint passes
	// even though the global layer still has nothing.
	v2 := NewValidation()
	if err := v2.Configure(settings, nil); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	programs["worker"] = config.ProgramConfig{Name: "worker", Environment: map[string]*string{"API_KEY": &key}}
	if _, err := v2.UpdateEnvironment(map[string]*string{}, programs); err != nil {
		t.Fatalf("UpdateEnvironment: unexpected error once worker sets API_KEY: %v", err)
	}
}

func TestValidationUnscopedConstraintIgnoresProgramOverrides(t *testing.T) {
	v := NewValidation()
	settings := map[string]any{
		"variables": []any{
			map[string]any{"name": "GLOBAL_FLAG", "required": true},
		},
	}
	if err := v.Configure(settings, nil); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	val := "1"
	programs := map[string]config.ProgramConfig{
		// GLOBAL_FLAG is only set on a program's own layer, never globally;
		// an unscoped constraint must check the global layer, not this.
		"worker": {Name: "worker", Environment: map[string]*string{"GLOBAL_FLAG": &val}},
	}
	if _, err := v.UpdateEnvironment(map[string]*string{}, programs); err == nil {
		t.Fatal("expected error: GLOBAL_FLAG required globally but unset in the global layer")
	}
}

func TestHostDiscoverRespectsEnabledDefault(t *testing.T) {
	host, _ := newTestHost()
	doc := &config.Document{
		Extensions: map[string]config.ExtensionConfig{
			"startup_script": {}, // default-disabled, left off
			"log_sanitizer":  {}, // default-enabled
		},
		ExtensionOrder: []string{"startup_script", "log_sanitizer"},
	}
	if err := host.Discover(doc); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	names := host.Names()
	if len(names) != 1 || names[0] != "log_sanitizer" {
		t.Fatalf("Names() = %v, want [log_sanitizer]", names)
	}
}

func TestHostDisablesNonExplicitExtensionOnHookFailure(t *testing.T) {
	host, buf := newTestHost()
	doc := &config.Document{
		Extensions: map[string]config.ExtensionConfig{
			"validation": {
				Settings: map[string]any{"variables": "not-a-list"},
			},
		},
		ExtensionOrder: []string{"validation"},
	}
	if err := host.Discover(doc); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if err := host.ConfigureAll(); err != nil {
		t.Fatalf("ConfigureAll should degrade, not abort: %v", err)
	}
	if len(host.Names()) != 0 {
		t.Fatalf("expected validation to be disabled after hook failure, got %v", host.Names())
	}
	host.log.Drain()
	if !strings.Contains(buf.String(), "validation") {
		t.Fatalf("expected a WARNING record mentioning validation, got %q", buf.String())
	}
}

func TestHostAbortsExplicitExtensionOnHookFailure(t *testing.T) {
	host, _ := newTestHost()
	doc := &config.Document{
		Extensions: map[string]config.ExtensionConfig{
			"validation": {
				Enabled:  boolp(true),
				Settings: map[string]any{"variables": "not-a-list"},
			},
		},
		ExtensionOrder: []string{"validation"},
	}
	if err := host.Discover(doc); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if err := host.ConfigureAll(); err == nil {
		t.Fatal("expected ConfigureAll to abort for an explicitly-enabled extension")
	}
}

func boolp(b bool) *bool { return &b }
