package grbl

import (
	"fmt"
	"strings"
)

// Position is a machine or work coordinate triple.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Status is a parsed realtime status report, e.g.
// <Idle|MPos:1.000,2.000,0.000|FS:500,0|WCO:0.000,0.000,0.000>.
type Status struct {
	State     string   `json:"state"`
	MPos      Position `json:"mpos"`
	WPos      Position `json:"wpos"`
	WCO       Position `json:"wco"`
	Feed      float64  `json:"feed"`
	Spindle   float64  `json:"spindle"`
	Buffer    int      `json:"buffer"`    // planner blocks free, from Bf:
	RxFree    int      `json:"rxFree"`    // RX bytes free, from Bf:
	Pins      string   `json:"pins"`      // raw Pn: field
	Overrides [3]int   `json:"overrides"` // feed, rapid, spindle percent
	Accessory string   `json:"accessory"` // raw A: field
}

// IsIdle reports whether the controller has nothing left to execute.
func (s Status) IsIdle() bool { return s.State == "Idle" }

// IsAlarm reports whether the controller is locked by an alarm.
func (s Status) IsAlarm() bool { return strings.HasPrefix(s.State, "Alarm") }

// ParseStatus parses a report of the form <State|Field:...|...>.
// Unknown fields are ignored. WPos and MPos are derived from each other
// whenever a WCO is known.
func ParseStatus(report string) (Status, error) {
	var st Status
	data := strings.TrimSpace(report)
	if !strings.HasPrefix(data, "<") || !strings.HasSuffix(data, ">") {
		return st, fmt.Errorf("grbl: not a status report: %q", report)
	}
	data = strings.TrimSuffix(strings.TrimPrefix(data, "<"), ">")
	parts := strings.Split(data, "|")
	st.State = parts[0]
	var usedWPos bool

	for _, part := range parts[1:] {
		p := strings.SplitN(part, ":", 2)
		if len(p) != 2 {
			continue
		}
		var err error
		switch p[0] {
		case "MPos":
			_, err = fmt.Sscanf(p[1], "%f,%f,%f", &st.MPos.X, &st.MPos.Y, &st.MPos.Z)
		case "WPos":
			usedWPos = true
			_, err = fmt.Sscanf(p[1], "%f,%f,%f", &st.WPos.X, &st.WPos.Y, &st.WPos.Z)
		case "WCO":
			_, err = fmt.Sscanf(p[1], "%f,%f,%f", &st.WCO.X, &st.WCO.Y, &st.WCO.Z)
		case "F":
			_, err = fmt.Sscanf(p[1], "%f", &st.Feed)
		case "FS":
			_, err = fmt.Sscanf(p[1], "%f,%f", &st.Feed, &st.Spindle)
		case "Bf":
			_, err = fmt.Sscanf(p[1], "%d,%d", &st.Buffer, &st.RxFree)
		case "Ov":
			_, err = fmt.Sscanf(p[1], "%d,%d,%d", &st.Overrides[0], &st.Overrides[1], &st.Overrides[2])
		case "Pn":
			st.Pins = p[1]
		case "A":
			st.Accessory = p[1]
		}
		if err != nil {
			return st, fmt.Errorf("grbl: parse %s %q: %w", p[0], p[1], err)
		}
	}

	if usedWPos {
		st.MPos = Position{st.WPos.X + st.WCO.X, st.WPos.Y + st.WCO.Y, st.WPos.Z + st.WCO.Z}
	} else {
		st.WPos = Position{st.MPos.X - st.WCO.X, st.MPos.Y - st.WCO.Y, st.MPos.Z - st.WCO.Z}
	}
	return st, nil
}

// responseKind classifies one line from the controller.
type responseKind int

const (
	respIgnored responseKind = iota
	respOK
	respError
	respAlarm
	respStatus
)

func classify(line string) responseKind {
	switch {
	case line == "ok":
		return respOK
	case strings.HasPrefix(line, "error"):
		return respError
	case strings.HasPrefix(line, "ALARM"):
		return respAlarm
	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		return respStatus
	default:
		return respIgnored
	}
}
