// Package businesshours computes SLA deadlines on a working-time clock.
// Deadlines can count only business hours, skip weekends, and skip configured
// holidays; the calendar itself is loaded from YAML.
package businesshours

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Calendar defines the working-time window used for deadline arithmetic.
type Calendar struct {
	StartHour int
	EndHour   int
	Weekend   map[time.Weekday]bool
	Holidays  map[string]bool
	Location  *time.Location
}

// Default returns a 9-to-17, Saturday/Sunday-off, UTC calendar.
func Default() Calendar {
	return Calendar{
		StartHour: 9,
		EndHour:   17,
		Weekend: map[time.Weekday]bool{
			time.Saturday: true,
			time.Sunday:   true,
		},
		Holidays: map[string]bool{},
		Location: time.UTC,
	}
}

type calendarConfig struct {
	BusinessHours struct {
		StartHour int `yaml:"start_hour"`
		EndHour   int `yaml:"end_hour"`
	} `yaml:"business_hours"`
	Weekend  []string `yaml:"weekend"`
	Holidays []string `yaml:"holidays"`
	Timezone string   `yaml:"timezone"`
}

// Load reads a calendar file. A missing path yields the default calendar.
func Load(path string) (Calendar, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Calendar{}, fmt.Errorf("read business calendar: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML calendar. Absent fields fall back to the defaults.
func Parse(raw []byte) (Calendar, error) {
	var cfg calendarConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Calendar{}, fmt.Errorf("parse business calendar: %w", err)
	}

	calendar := Default()
	if cfg.BusinessHours.StartHour != 0 || cfg.BusinessHours.EndHour != 0 {
		calendar.StartHour = cfg.BusinessHours.StartHour
		calendar.EndHour = cfg.BusinessHours.EndHour
	}
	if cfg.Weekend != nil {
		calendar.Weekend = map[time.Weekday]bool{}
		for _, name := range cfg.Weekend {
			day, err := parseWeekday(name)
			if err != nil {
				return Calendar{}, err
			}
			calendar.Weekend[day] = true
		}
	}
	for _, holiday := range cfg.Holidays {
		holiday = strings.TrimSpace(holiday)
		if holiday == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", holiday); err != nil {
			return Calendar{}, fmt.Errorf("parse holiday %q: %w", holiday, err)
		}
		calendar.Holidays[holiday] = true
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Calendar{}, fmt.Errorf("load calendar timezone: %w", err)
		}
		calendar.Location = loc
	}
	if err := calendar.Validate(); err != nil {
		return Calendar{}, err
	}
	return calendar, nil
}

func (c Calendar) Validate() error {
	if c.StartHour < 0 || c.StartHour > 23 {
		return fmt.Errorf("start hour %d out of range", c.StartHour)
	}
	if c.EndHour < 1 || c.EndHour > 24 {
		return fmt.Errorf("end hour %d out of range", c.EndHour)
	}
	if c.StartHour >= c.EndHour {
		return fmt.Errorf("start hour %d must be before end hour %d", c.StartHour, c.EndHour)
	}
	if len(c.Weekend) >= 7 {
		return fmt.Errorf("weekend cannot cover every day")
	}
	return nil
}

// DueAt computes the deadline for a duration of hours starting at start.
// With neither flag set this is plain wall-clock addition. excludeWeekends
// counts full days but skips weekends and holidays; businessHoursOnly counts
// only hours inside the business window and implies skipping non-working days.
func (c Calendar) DueAt(start time.Time, hours int, businessHoursOnly, excludeWeekends bool) time.Time {
	remaining := time.Duration(hours) * time.Hour
	if remaining <= 0 {
		return start
	}
	if !businessHoursOnly && !excludeWeekends {
		return start.Add(remaining)
	}

	cursor := start.In(c.location())
	if businessHoursOnly {
		for {
			cursor = c.nextWorkingInstant(cursor)
			windowEnd := time.Date(cursor.Year(), cursor.Month(), cursor.Day(), c.EndHour, 0, 0, 0, cursor.Location())
			window := windowEnd.Sub(cursor)
			if window >= remaining {
				return cursor.Add(remaining)
			}
			remaining -= window
			cursor = windowEnd
		}
	}

	for {
		if c.skipDay(cursor) {
			cursor = startOfNextDay(cursor)
			continue
		}
		dayEnd := startOfNextDay(cursor)
		window := dayEnd.Sub(cursor)
		if window >= remaining {
			return cursor.Add(remaining)
		}
		remaining -= window
		cursor = dayEnd
	}
}

// nextWorkingInstant rolls the cursor forward to the next moment inside the
// business window on a working day.
func (c Calendar) nextWorkingInstant(cursor time.Time) time.Time {
	for {
		if c.skipDay(cursor) {
			cursor = startOfNextDay(cursor)
			continue
		}
		dayStart := time.Date(cursor.Year(), cursor.Month(), cursor.Day(), c.StartHour, 0, 0, 0, cursor.Location())
		dayEnd := time.Date(cursor.Year(), cursor.Month(), cursor.Day(), c.EndHour, 0, 0, 0, cursor.Location())
		if cursor.Before(dayStart) {
			return dayStart
		}
		if !cursor.Before(dayEnd) {
			cursor = startOfNextDay(cursor)
			continue
		}
		return cursor
	}
}

func (c Calendar) skipDay(t time.Time) bool {
	if c.Weekend[t.Weekday()] {
		return true
	}
	return c.Holidays[t.Format("2006-01-02")]
}

func (c Calendar) location() *time.Location {
	if c.Location != nil {
		return c.Location
	}
	return time.UTC
}

func startOfNextDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}

func parseWeekday(name string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	default:
		return time.Sunday, fmt.Errorf("unknown weekday %q", name)
	}
}
