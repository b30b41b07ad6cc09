package database

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

var weekdayNames = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// NormalizeServiceTimes decodes a serviceTimes JSON array into canonical
// entries. Two shapes are accepted: the canonical
// {dayOfWeek,startHour,startMin,durationHours} and the legacy portal shape
// {day:"sunday", time:"09:00", duration:2}. Entries with out-of-range fields
// are rejected rather than clamped.
func NormalizeServiceTimes(raw json.RawMessage) ([]ServiceTime, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return []ServiceTime{}, nil
	}

	var entries []map[string]any
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("serviceTimes must be an array: %w", err)
	}

	out := make([]ServiceTime, 0, len(entries))
	for i, entry := range entries {
		st, err := normalizeServiceTime(entry)
		if err != nil {
			return nil, fmt.Errorf("serviceTimes[%d]: %w", i, err)
		}
		out = append(out, st)
	}
	return out, nil
}

func normalizeServiceTime(entry map[string]any) (ServiceTime, error) {
	var st ServiceTime

	switch day := entry["dayOfWeek"].(type) {
	case float64:
		st.DayOfWeek = int(day)
	case nil:
		name, _ := entry["day"].(string)
		idx, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return st, fmt.Errorf("unknown day %q", name)
		}
		st.DayOfWeek = idx
	default:
		return st, fmt.Errorf("dayOfWeek must be a number")
	}
	if st.DayOfWeek < 0 || st.DayOfWeek > 6 {
		return st, fmt.Errorf("dayOfWeek %d out of range", st.DayOfWeek)
	}

	if hhmm, ok := entry["time"].(string); ok && entry["startHour"] == nil {
		h, m, err := parseClock(hhmm)
		if err != nil {
			return st, err
		}
		st.StartHour, st.StartMin = h, m
	} else {
		h, _ := entry["startHour"].(float64)
		m, _ := entry["startMin"].(float64)
		st.StartHour, st.StartMin = int(h), int(m)
	}
	if st.StartHour < 0 || st.StartHour > 23 || st.StartMin < 0 || st.StartMin > 59 {
		return st, fmt.Errorf("start %02d:%02d out of range", st.StartHour, st.StartMin)
	}

	switch dur := entry["durationHours"].(type) {
	case float64:
		st.DurationHours = dur
	case nil:
		legacy, _ := entry["duration"].(float64)
		st.DurationHours = legacy
	default:
		return st, fmt.Errorf("durationHours must be a number")
	}
	if st.DurationHours <= 0 || st.DurationHours > 24 {
		return st, fmt.Errorf("duration %v hours out of range", st.DurationHours)
	}

	st.Label, _ = entry["label"].(string)
	return st, nil
}

func parseClock(s string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	return h, m, nil
}
