package event

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defenseRecord = `{
	"scolaryear": "2024",
	"codemodule": "B-INN-000",
	"titlemodule": "B0 - Innovation",
	"codeinstance": "PAR-0-1",
	"codeacti": "acti-654321",
	"acti_title": "Final defense",
	"codeevent": "event-123456",
	"start": "2025-03-01 09:00:00",
	"end": "2025-03-01 18:00:00",
	"room": {"code": "FR/PAR/Voltaire/Salle-Turing", "type": "salle", "seats": 30},
	"prof_inst": [{"title": "Ada Lovelace", "login": "ada@epitech.eu"}],
	"type_code": "rdv",
	"type_title": "Defense",
	"is_rdv": "1",
	"event_registered": false,
	"module_registered": true,
	"past": false,
	"rdv_indiv_registered": "2025-03-01 10:00:00|2025-03-01 11:00:00",
	"rdv_group_registered": null
}`

func decodeRaw(t *testing.T, data string) Raw {
	t.Helper()
	var raw Raw
	require.NoError(t, json.Unmarshal([]byte(data), &raw))
	return raw
}

func paris(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, Paris)
}

func TestNormalize_IndividualSlotOverridesNominalWindow(t *testing.T) {
	raw := decodeRaw(t, defenseRecord)

	ev, err := Normalize(raw, "")
	require.NoError(t, err)

	assert.Equal(t, "b-inn-000-acti-654321-event-123456", ev.ID)
	assert.True(t, ev.Start.Equal(paris(2025, time.March, 1, 10, 0)), "start = %v", ev.Start)
	assert.True(t, ev.End.Equal(paris(2025, time.March, 1, 11, 0)), "end = %v", ev.End)
	assert.Equal(t, "Final defense", ev.Title)
	assert.NotContains(t, ev.Title, SlotNotReservedMarker)
	assert.True(t, ev.IsRegistered)
	assert.True(t, ev.Appointment)
}

func TestNormalize_UnreservedAppointmentKeepsNominalWindow(t *testing.T) {
	raw := decodeRaw(t, defenseRecord)
	raw.Reservation = Slot{}

	ev, err := Normalize(raw, "[Intra]")
	require.NoError(t, err)

	assert.True(t, ev.Start.Equal(paris(2025, time.March, 1, 9, 0)))
	assert.True(t, ev.End.Equal(paris(2025, time.March, 1, 18, 0)))
	assert.Equal(t, "[Intra] [SLOT NOT RESERVED] Final defense", ev.Title)
	assert.False(t, ev.IsRegistered)
}

func TestNormalize_IndividualPreferredOverGroup(t *testing.T) {
	data := strings.Replace(defenseRecord, `"rdv_group_registered": null`,
		`"rdv_group_registered": "2025-03-01 14:00:00|2025-03-01 15:00:00"`, 1)
	raw := decodeRaw(t, data)
	assert.Equal(t, SlotIndividual, raw.Reservation.Kind)

	data = strings.Replace(data, `"rdv_indiv_registered": "2025-03-01 10:00:00|2025-03-01 11:00:00"`,
		`"rdv_indiv_registered": null`, 1)
	raw = decodeRaw(t, data)
	require.Equal(t, SlotGroup, raw.Reservation.Kind)

	ev, err := Normalize(raw, "")
	require.NoError(t, err)
	assert.True(t, ev.Start.Equal(paris(2025, time.March, 1, 14, 0)))
	assert.Contains(t, ev.Description, "Registration: slot reserved (group)")
}

func TestNormalize_Deterministic(t *testing.T) {
	first, err := Normalize(decodeRaw(t, defenseRecord), "[Intra]")
	require.NoError(t, err)
	second, err := Normalize(decodeRaw(t, defenseRecord), "[Intra]")
	require.NoError(t, err)

	assert.Equal(t, first, second)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.Equal(t, string(a), string(b))
}

func TestNormalize_DescriptionFieldOrder(t *testing.T) {
	ev, err := Normalize(decodeRaw(t, defenseRecord), "")
	require.NoError(t, err)

	want := strings.Join([]string{
		"Module: B0 - Innovation (B-INN-000)",
		"Activity: Final defense (acti-654321)",
		"Instructors: Ada Lovelace",
		"Duration: 1h00",
		"Registration: slot reserved (individual)",
		"Link: https://intra.epitech.eu/module/2024/B-INN-000/PAR-0-1/acti-654321/",
	}, "\n")
	assert.Equal(t, want, ev.Description)
	assert.Equal(t, "Salle-Turing", ev.Location)
}

func TestNormalize_DateErrors(t *testing.T) {
	raw := decodeRaw(t, defenseRecord)
	raw.Reservation = Slot{}
	raw.Start = "01/03/2025 09h00"

	_, err := Normalize(raw, "")
	var dateErr *DateError
	require.True(t, errors.As(err, &dateErr), "got %v", err)
	assert.Equal(t, "start", dateErr.Field)
	assert.Equal(t, "01/03/2025 09h00", dateErr.Value)

	raw = decodeRaw(t, defenseRecord)
	raw.Reservation = Slot{Kind: SlotIndividual, Start: "2025-03-01 10:00:00"}
	_, err = Normalize(raw, "")
	require.True(t, errors.As(err, &dateErr))
	assert.Equal(t, "end", dateErr.Field)
}

func TestNormalize_InvertedWindowIsClamped(t *testing.T) {
	raw := decodeRaw(t, defenseRecord)
	raw.Reservation = Slot{Kind: SlotIndividual, Start: "2025-03-01 11:00:00", End: "2025-03-01 10:00:00"}

	ev, err := Normalize(raw, "")
	require.NoError(t, err)
	assert.True(t, ev.End.Equal(ev.Start))
}

func TestParseLocal_DaylightSaving(t *testing.T) {
	winter, err := ParseLocal("2025-01-15 09:00:00")
	require.NoError(t, err)
	_, offset := winter.Zone()
	assert.Equal(t, 3600, offset)

	summer, err := ParseLocal("2025-03-30 03:30:00")
	require.NoError(t, err)
	_, offset = summer.Zone()
	assert.Equal(t, 7200, offset)
	assert.Equal(t, "2025-03-30T01:30:00Z", summer.UTC().Format(time.RFC3339))
}

func TestRegistration_LegacyEncodings(t *testing.T) {
	tests := []struct {
		json string
		want Registration
	}{
		{`"registered"`, RegistrationRegistered},
		{`"present"`, RegistrationPresent},
		{`"absent"`, RegistrationAbsent},
		{`true`, RegistrationRegistered},
		{`false`, RegistrationNone},
		{`null`, RegistrationNone},
		{`1`, RegistrationRegistered},
		{`"something-new"`, RegistrationNone},
	}

	for _, tt := range tests {
		t.Run(tt.json, func(t *testing.T) {
			var r Registration
			require.NoError(t, json.Unmarshal([]byte(tt.json), &r))
			assert.Equal(t, tt.want, r)
		})
	}

	assert.True(t, RegistrationPresent.Registered())
	assert.False(t, RegistrationAbsent.Registered())
}

func TestFlag_Encodings(t *testing.T) {
	for in, want := range map[string]bool{
		`"1"`: true, `"0"`: false, `true`: true, `"true"`: true, `1`: true, `0`: false, `null`: false, `""`: false,
	} {
		var f Flag
		require.NoError(t, json.Unmarshal([]byte(in), &f))
		assert.Equal(t, want, bool(f), in)
	}
}

func TestNormalizeAll_FiltersSortsAndReportsErrors(t *testing.T) {
	owned := decodeRaw(t, defenseRecord)

	registered := Raw{
		ModuleCode: "B-PDG-300", ActivityCode: "acti-1", EventCode: "event-1",
		ActivityTitle: "Pool day", Start: "2025-02-28 09:00:00", End: "2025-02-28 18:00:00",
		Registration: RegistrationRegistered,
	}
	notMine := Raw{
		ModuleCode: "B-PDG-300", ActivityCode: "acti-2", EventCode: "event-2",
		Start: "2025-02-27 09:00:00", End: "2025-02-27 18:00:00",
	}
	broken := Raw{
		ModuleCode: "B-PDG-300", ActivityCode: "acti-3", EventCode: "event-3",
		Start: "tomorrow", End: "2025-02-27 18:00:00", Registration: RegistrationPresent,
	}

	events, errs := NormalizeAll([]Raw{owned, registered, notMine, broken, registered}, "")

	require.Len(t, events, 2)
	assert.Equal(t, "b-pdg-300-acti-1-event-1", events[0].ID)
	assert.Equal(t, owned.ID(), events[1].ID)

	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "b-pdg-300-acti-3-event-3: invalid start date")
}
