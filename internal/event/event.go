package event

import "time"

// Ref is a code plus its display title.
type Ref struct {
	Code  string `json:"code"`
	Title string `json:"title"`
}

// Event is the canonical event: the unit of reconciliation and export.
// Values are never mutated after Normalize returns them.
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Module      Ref       `json:"module"`
	Activity    Ref       `json:"activity"`
	Instructors []string  `json:"instructors"`
	URL         string    `json:"url,omitempty"`

	IsRegistered bool `json:"is_registered"`
	IsPast       bool `json:"is_past"`
	Appointment  bool `json:"appointment"`
}
