package rules

import (
	"errors"
	"testing"

	"github.com/developingchet/tasteshield/internal/model"
)

func TestValidateTimeRule(t *testing.T) {
	valid := model.TimeRule{ID: "r", Name: "Night", Days: []string{"Monday"}, StartTime: "10:00 PM", EndTime: "6:00 AM", Enabled: true}
	if err := ValidateTimeRule(valid); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*model.TimeRule)
		field  string
	}{
		{"missing id", func(r *model.TimeRule) { r.ID = "" }, "id"},
		{"bad start", func(r *model.TimeRule) { r.StartTime = "25:99" }, "startTime"},
		{"bad end", func(r *model.TimeRule) { r.EndTime = "soon" }, "endTime"},
		{"unknown day", func(r *model.TimeRule) { r.Days = []string{"Funday"} }, "days"},
		{"no days", func(r *model.TimeRule) { r.Days = nil }, "days"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := valid
			c.mutate(&r)
			err := ValidateTimeRule(r)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != c.field {
				t.Errorf("field: got %q want %q (%v)", ve.Field, c.field, ve)
			}
		})
	}
}

func TestValidateDeviceRule(t *testing.T) {
	valid := model.DeviceRule{ID: "d", DeviceID: "kitchen", Enabled: true, AutoShield: true, ShieldDuration: 30}
	if err := ValidateDeviceRule(valid); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*model.DeviceRule)
	}{
		{"missing device", func(r *model.DeviceRule) { r.DeviceID = "" }},
		{"negative duration", func(r *model.DeviceRule) { r.ShieldDuration = -5 }},
		{"schedule without days", func(r *model.DeviceRule) {
			r.TimeEnabled, r.StartTime, r.EndTime = true, "9:00 AM", "5:00 PM"
		}},
		{"schedule without start", func(r *model.DeviceRule) {
			r.TimeEnabled, r.Days, r.EndTime = true, []string{"Monday"}, "5:00 PM"
		}},
		{"schedule with bad clock", func(r *model.DeviceRule) {
			r.TimeEnabled, r.Days, r.StartTime, r.EndTime = true, []string{"Monday"}, "9", "5:00 PM"
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := valid
			c.mutate(&r)
			if err := ValidateDeviceRule(r); !IsValidationError(err) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}

	// Schedule fields are ignored while the schedule is off.
	r := valid
	r.StartTime = ""
	r.Days = nil
	if err := ValidateDeviceRule(r); err != nil {
		t.Errorf("unscheduled rule should not need schedule fields: %v", err)
	}
}
