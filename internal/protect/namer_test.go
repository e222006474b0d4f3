package protect

import "testing"

func TestDefaultTemplate(t *testing.T) {
	n, err := NewNamer("Shielded listening", "Managed by tasteshield.")
	if err != nil {
		t.Fatalf("NewNamer: %v", err)
	}
	got, err := n.Name(NameData{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Shielded listening" {
		t.Errorf("Name: got %q", got)
	}
	if n.Description() != "Managed by tasteshield." {
		t.Errorf("Description: got %q", n.Description())
	}
}

func TestTemplateFields(t *testing.T) {
	n, err := NewNamer("Shield {{.DisplayName}} ({{.UserID}})", "")
	if err != nil {
		t.Fatal(err)
	}
	got, err := n.Name(NameData{UserID: "u1", DisplayName: "Ana"})
	if err != nil {
		t.Fatal(err)
	}
	if want := "Shield Ana (u1)"; got != want {
		t.Errorf("Name: got %q, want %q", got, want)
	}
}

func TestInvalidTemplate(t *testing.T) {
	if _, err := NewNamer("{{.UserID", ""); err == nil {
		t.Error("expected parse error")
	}
}

func TestUnknownFieldFailsRender(t *testing.T) {
	n, err := NewNamer("{{.Nope}}", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.Name(NameData{}); err == nil {
		t.Error("expected render error for unknown field")
	}
}

func TestEmptyNameRejected(t *testing.T) {
	n, err := NewNamer("{{.DisplayName}}", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.Name(NameData{UserID: "u1"}); err == nil {
		t.Error("expected error for empty rendered name")
	}
}
