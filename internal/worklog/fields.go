package worklog

import (
	"strconv"
	"strings"

	"github.com/ukydev/fleet-assistance/internal/models"
)

// Changes collects field changes for one worklog entry, skipping fields whose
// value did not change.
type Changes []models.FieldChangeEntry

func (c *Changes) String(name, old, new string) {
	if old != new {
		*c = append(*c, models.FieldChangeEntry{FieldName: name, OldValue: old, NewValue: new, ValueType: models.ValueString})
	}
}

func (c *Changes) Number(name string, old, new float64) {
	if old != new {
		*c = append(*c, models.FieldChangeEntry{
			FieldName: name,
			OldValue:  strconv.FormatFloat(old, 'f', -1, 64),
			NewValue:  strconv.FormatFloat(new, 'f', -1, 64),
			ValueType: models.ValueNumber,
		})
	}
}

func (c *Changes) Bool(name string, old, new bool) {
	if old != new {
		*c = append(*c, models.FieldChangeEntry{
			FieldName: name,
			OldValue:  strconv.FormatBool(old),
			NewValue:  strconv.FormatBool(new),
			ValueType: models.ValueBool,
		})
	}
}

// List records list values joined by commas.
func (c *Changes) List(name string, old, new []string) {
	o, n := strings.Join(old, ","), strings.Join(new, ",")
	if o != n {
		*c = append(*c, models.FieldChangeEntry{FieldName: name, OldValue: o, NewValue: n, ValueType: models.ValueList})
	}
}
