// Package persona defines the closed set of answer voices.
package persona

import (
	"strings"

	"github.com/medrag/medrag/internal/domain"
)

// Persona selects the framing of generated answers. The zero value is not a
// valid persona; use Parse or one of the constants.
type Persona int

const (
	Doctor Persona = iota + 1
	Specialist
	Nurse
)

// Default is used when a request names no persona.
const Default = Doctor

// All lists every persona in display order.
func All() []Persona {
	return []Persona{Doctor, Specialist, Nurse}
}

// Parse maps an identifier to a Persona. An empty string yields Default.
func Parse(s string) (Persona, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return Default, nil
	case "doctor":
		return Doctor, nil
	case "specialist":
		return Specialist, nil
	case "nurse":
		return Nurse, nil
	default:
		return 0, domain.Errorf(domain.InvalidInput, "persona", "unknown persona %q", s)
	}
}

// String returns the persona identifier used on the wire.
func (p Persona) String() string {
	switch p {
	case Doctor:
		return "doctor"
	case Specialist:
		return "specialist"
	case Nurse:
		return "nurse"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined personas.
func (p Persona) Valid() bool {
	return p >= Doctor && p <= Nurse
}

// Title is the human-readable persona name.
func (p Persona) Title() string {
	switch p {
	case Doctor:
		return "Medical Doctor"
	case Specialist:
		return "Medical Specialist"
	case Nurse:
		return "Registered Nurse"
	default:
		return ""
	}
}

// Description summarises the persona's style for catalogues.
func (p Persona) Description() string {
	switch p {
	case Doctor:
		return "Knowledgeable, caring medical guidance with professional expertise"
	case Specialist:
		return "Detailed, technical information grounded in current research and guidelines"
	case Nurse:
		return "Compassionate, patient-centered health guidance and education"
	default:
		return ""
	}
}

// SystemPrompt returns the system instruction that frames every answer given
// in this persona's voice.
func (p Persona) SystemPrompt() string {
	switch p {
	case Doctor:
		return "You are a knowledgeable and caring medical doctor. Give accurate, evidence-based medical information " +
			"in clear, understandable language and practical guidance. Be professional and empathetic. " +
			"Make clear that the information is educational and that patients should consult their own healthcare provider."
	case Specialist:
		return "You are a medical specialist with deep clinical expertise. Give detailed, technical information based on " +
			"current research and clinical guidelines, using precise medical terminology while staying accessible. " +
			"Remind users to consult healthcare professionals before making medical decisions."
	case Nurse:
		return "You are an experienced, compassionate registered nurse. Give practical, patient-centered guidance on care, " +
			"symptom management and health promotion in simple language with actionable advice. " +
			"Stress the importance of professional medical care when it is needed."
	default:
		return Default.SystemPrompt()
	}
}

// Info is the catalogue entry for a persona.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Catalogue returns Info for every persona.
func Catalogue() []Info {
	all := All()
	out := make([]Info, len(all))
	for i, p := range all {
		out[i] = Info{ID: p.String(), Name: p.Title(), Description: p.Description()}
	}
	return out
}
