package persona

import (
	"testing"

	"github.com/medrag/medrag/internal/domain"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Persona
	}{
		{"", Doctor},
		{"doctor", Doctor},
		{"Specialist", Specialist},
		{" nurse ", Nurse},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParse_Unknown(t *testing.T) {
	_, err := Parse("pharmacist")
	if !domain.IsKind(err, domain.InvalidInput) {
		t.Fatalf("err = %v, want InvalidInput", err)
	}
}

func TestEveryPersonaIsComplete(t *testing.T) {
	seen := map[string]bool{}
	for _, p := range All() {
		if !p.Valid() {
			t.Errorf("%v not valid", p)
		}
		if p.Title() == "" || p.Description() == "" || p.SystemPrompt() == "" {
			t.Errorf("%v has empty catalogue fields", p)
		}
		if seen[p.SystemPrompt()] {
			t.Errorf("%v shares a system prompt with another persona", p)
		}
		seen[p.SystemPrompt()] = true

		back, err := Parse(p.String())
		if err != nil || back != p {
			t.Errorf("Parse(%q) = %v, %v", p.String(), back, err)
		}
	}
	if Persona(0).Valid() {
		t.Error("zero Persona is valid")
	}
}

func TestCatalogue(t *testing.T) {
	cat := Catalogue()
	if len(cat) != 3 {
		t.Fatalf("got %d entries, want 3", len(cat))
	}
	if cat[2].ID != "nurse" || cat[2].Name != "Registered Nurse" {
		t.Errorf("cat[2] = %+v", cat[2])
	}
}
