package event

import (
	"encoding/json"
	"strings"
)

// Raw is one record of the intranet planning feed. The loosely typed
// fields (registration, appointment slots, flags) are decoded once here
// into the Registration, Slot and Flag variants.
type Raw struct {
	ModuleCode    string       `json:"codemodule"`
	ModuleTitle   string       `json:"titlemodule"`
	ActivityCode  string       `json:"codeacti"`
	ActivityTitle string       `json:"acti_title"`
	EventCode     string       `json:"codeevent"`
	InstanceCode  string       `json:"codeinstance"`
	ScolarYear    string       `json:"scolaryear"`
	Start         string       `json:"start"`
	End           string       `json:"end"`
	Room          *Room        `json:"room"`
	Instructors   []Instructor `json:"prof_inst"`
	TypeCode      string       `json:"type_code"`
	TypeTitle     string       `json:"type_title"`
	Hours         string       `json:"nb_hours"`

	IsAppointment    Flag         `json:"is_rdv"`
	Registration     Registration `json:"event_registered"`
	ModuleRegistered Flag         `json:"module_registered"`
	Past             Flag         `json:"past"`

	// Reservation is resolved from rdv_indiv_registered and
	// rdv_group_registered, the individual slot winning.
	Reservation Slot `json:"-"`
}

// Room is the location block of a record.
type Room struct {
	Code  string `json:"code"`
	Type  string `json:"type"`
	Seats int    `json:"seats"`
}

// Instructor is one entry of prof_inst.
type Instructor struct {
	Title string `json:"title"`
	Login string `json:"login"`
}

// UnmarshalJSON decodes the record and resolves the reservation slot.
func (r *Raw) UnmarshalJSON(data []byte) error {
	type plain Raw
	aux := struct {
		*plain
		Individual packedSlot `json:"rdv_indiv_registered"`
		Group      packedSlot `json:"rdv_group_registered"`
	}{plain: (*plain)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	r.Reservation = resolveSlot(string(aux.Individual), string(aux.Group))
	return nil
}

// ID returns the stable identifier derived from the compound natural key.
func (r Raw) ID() string {
	return strings.ToLower(strings.Join([]string{r.ModuleCode, r.ActivityCode, r.EventCode}, "-"))
}

// IsAppointmentType reports whether the nominal window of the record is a
// placeholder for a personally booked slot.
func (r Raw) IsAppointmentType() bool {
	return bool(r.IsAppointment) || r.TypeCode == "rdv" || r.Reservation.Reserved()
}

// Owned reports whether the user should see this record in their calendar:
// either registered to the event or holding an appointment reservation.
func Owned(r Raw) bool {
	return r.Registration.Registered() || r.Reservation.Reserved()
}

// Flag is a boolean that tolerates the feed's "1"/"0", "true", 1 and null
// encodings.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch x := v.(type) {
	case bool:
		*f = Flag(x)
	case float64:
		*f = x != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		*f = s == "1" || s == "true" || s == "yes"
	default:
		*f = false
	}
	return nil
}

// Registration is the user's registration state for one event.
type Registration int

const (
	RegistrationNone Registration = iota
	RegistrationRegistered
	RegistrationPresent
	RegistrationAbsent
)

// Registered reports whether the state counts as registered.
func (r Registration) Registered() bool {
	switch r {
	case RegistrationRegistered, RegistrationPresent:
		return true
	default:
		return false
	}
}

func (r Registration) String() string {
	switch r {
	case RegistrationRegistered:
		return "registered"
	case RegistrationPresent:
		return "present"
	case RegistrationAbsent:
		return "absent"
	default:
		return "not registered"
	}
}

// UnmarshalJSON accepts the string enum as well as the legacy boolean and
// numeric encodings.
func (r *Registration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	*r = RegistrationNone
	switch x := v.(type) {
	case bool:
		if x {
			*r = RegistrationRegistered
		}
	case float64:
		if x != 0 {
			*r = RegistrationRegistered
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "registered", "true", "1":
			*r = RegistrationRegistered
		case "present":
			*r = RegistrationPresent
		case "absent":
			*r = RegistrationAbsent
		}
	}
	return nil
}

// SlotKind tells which reservation, if any, a Slot came from.
type SlotKind int

const (
	SlotNone SlotKind = iota
	SlotIndividual
	SlotGroup
)

func (k SlotKind) String() string {
	switch k {
	case SlotIndividual:
		return "individual"
	case SlotGroup:
		return "group"
	default:
		return "none"
	}
}

// Slot is a reserved appointment window, still in the feed's string format.
type Slot struct {
	Kind  SlotKind
	Start string
	End   string
}

// Reserved reports whether the slot holds a reservation.
func (s Slot) Reserved() bool {
	return s.Kind != SlotNone
}

// packedSlot is a "start|end" string; null, false and "" decode to empty.
type packedSlot string

func (p *packedSlot) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if s, ok := v.(string); ok {
		*p = packedSlot(strings.TrimSpace(s))
	} else {
		*p = ""
	}
	return nil
}

func resolveSlot(individual, group string) Slot {
	switch {
	case individual != "":
		return splitSlot(SlotIndividual, individual)
	case group != "":
		return splitSlot(SlotGroup, group)
	default:
		return Slot{}
	}
}

func splitSlot(kind SlotKind, packed string) Slot {
	start, end, _ := strings.Cut(packed, "|")
	return Slot{Kind: kind, Start: strings.TrimSpace(start), End: strings.TrimSpace(end)}
}
