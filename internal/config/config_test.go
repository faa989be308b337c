package config

import "testing"

const sampleYAML = `
encab:
  logformat: "%-5.5s %s: %s"
programs:
  sleep:
    command: ["sleep", "0.2"]
    join_time: 2
  main:
    sh:
      - echo "Hello Encab!"
`

func TestParsePreservesProgramOrder(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []string{"sleep", "main"}
	if len(doc.ProgramOrder) != len(want) {
		t.Fatalf("ProgramOrder = %v, want %v", doc.ProgramOrder, want)
	}
	for i, name := range want {
		if doc.ProgramOrder[i] != name {
			t.Fatalf("ProgramOrder[%d] = %q, want %q", i, doc.ProgramOrder[i], name)
		}
	}
}

func TestValidateRequiresMain(t *testing.T) {
	doc, err := Parse([]byte(`
programs:
  helper:
    command: ["true"]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	errs := doc.Validate()
	if len(errs) != 1 {
		t.Fatalf("expected exactly one validation error, got %v", errs)
	}
}

func TestValidateCommandShMutuallyExclusive(t *testing.T) {
	doc, err := Parse([]byte(`
programs:
  main:
    command: ["true"]
    sh:
      - "true"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	errs := doc.Validate()
	if len(errs) == 0 {
		t.Fatal("expected validation error for command+sh")
	}
}

func TestValidateRestartDelayRejectedOnMain(t *testing.T) {
	delay := 1.0
	doc, err := Parse([]byte(`
programs:
  main:
    sh:
      - "true"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p := doc.Programs[MainProgramName]
	p.RestartDelay = &delay
	doc.Programs[MainProgramName] = p

	found := false
	for _, e := range doc.Validate() {
		if e.Scope == "programs.main" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected restart_delay-on-main validation error")
	}
}

func TestNormalizeRoundTrip(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if errs := doc.Validate(); len(errs) != 0 {
		t.Fatalf("unexpected validation errors: %v", errs)
	}
	n1 := doc.Normalize()
	if errs := n1.Validate(); len(errs) != 0 {
		t.Fatalf("normalized document invalid: %v", errs)
	}
	n2 := n1.Normalize()
	if len(n1.ProgramOrder) != len(n2.ProgramOrder) {
		t.Fatalf("re-normalizing changed program order: %v vs %v", n1.ProgramOrder, n2.ProgramOrder)
	}
	for i := range n1.ProgramOrder {
		if n1.ProgramOrder[i] != n2.ProgramOrder[i] {
			t.Fatalf("re-normalizing changed program order at %d: %v vs %v", i, n1.ProgramOrder, n2.ProgramOrder)
		}
	}
}

func TestParseUmask(t *testing.T) {
	raw := "022"
	v, err := ParseUmask(&raw)
	if err != nil {
		t.Fatalf("ParseUmask: %v", err)
	}
	if v == nil || *v != 0o022 {
		t.Fatalf("ParseUmask(%q) = %v, want 0o022", raw, v)
	}

	if v, err := ParseUmask(nil); err != nil || v != nil {
		t.Fatalf("ParseUmask(nil) = %v, %v; want nil, nil", v, err)
	}

	bad := "999"
	if _, err := ParseUmask(&bad); err == nil {
		t.Fatal("expected error for out-of-range umask")
	}
}

func TestParsePreservesExtensionOrder(t *testing.T) {
	doc, err := Parse([]byte(`
extensions:
  log_sanitizer: {}
  validation: {}
  startup_script: {}
programs:
  main:
    sh:
      - "true"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []string{"log_sanitizer", "validation", "startup_script"}
	got := doc.ExtensionNames()
	if len(got) != len(want) {
		t.Fatalf("ExtensionNames() = %v, want %v", got, want)
	}
	for i, name := range want {
		if got[i] != name {
			t.Fatalf("ExtensionNames()[%d] = %q, want %q", i, got[i], name)
		}
	}
}

func TestHelperNamesExcludesMain(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	helpers := doc.HelperNames()
	if len(helpers) != 1 || helpers[0] != "sleep" {
		t.Fatalf("HelperNames() = %v, want [sleep]", helpers)
	}
}
