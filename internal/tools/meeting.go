package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/veldtlabs/concierge/internal/budget"
	"github.com/veldtlabs/concierge/internal/fault"
)

// MeetingTool books demo calls. Slot proposal is local; confirming a
// slot returns a booking reference the sales calendar picks up.
type MeetingTool struct {
	now func() time.Time
}

// NewMeetingTool creates a meeting adapter.
func NewMeetingTool() *MeetingTool {
	return &MeetingTool{now: time.Now}
}

// WithMeetingClock substitutes the time source. Used by tests.
func (t *MeetingTool) WithMeetingClock(now func() time.Time) *MeetingTool {
	if now != nil {
		t.now = now
	}
	return t
}

func (t *MeetingTool) Name() string            { return "meeting" }
func (t *MeetingTool) Feature() budget.Feature { return budget.FeatureMeeting }
func (t *MeetingTool) CostUSD() float64        { return 0 }

type meetingPayload struct {
	// Action is "propose" or "book".
	Action string `json:"action"`
	// DurationMinutes applies to propose (default 30).
	DurationMinutes int `json:"duration_minutes,omitempty"`
	// Slot is the chosen start time for book, RFC 3339.
	Slot string `json:"slot,omitempty"`
	// Email is the attendee for book.
	Email string `json:"email,omitempty"`
}

// MeetingSlot is one proposed start time.
type MeetingSlot struct {
	Start           string `json:"start"`
	DurationMinutes int    `json:"duration_minutes"`
}

// MeetingProposal lists open demo slots.
type MeetingProposal struct {
	Slots []MeetingSlot `json:"slots"`
}

// MeetingBooking confirms a booked slot.
type MeetingBooking struct {
	Reference string `json:"reference"`
	Start     string `json:"start"`
	Email     string `json:"email"`
}

// Execute implements Tool.
func (t *MeetingTool) Execute(_ context.Context, _ Meta, payload json.RawMessage) (any, error) {
	var p meetingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "decode meeting payload", err)
	}

	switch p.Action {
	case "propose", "":
		if p.DurationMinutes <= 0 {
			p.DurationMinutes = 30
		}
		return t.propose(p.DurationMinutes), nil

	case "book":
		if p.Slot == "" || p.Email == "" {
			return nil, fault.New(fault.KindValidation, "slot and email are required to book")
		}
		start, err := time.Parse(time.RFC3339, p.Slot)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, "parse slot", err)
		}
		if start.Before(t.now()) {
			return nil, fault.New(fault.KindValidation, "slot is in the past")
		}
		return MeetingBooking{
			Reference: uuid.New().String(),
			Start:     start.UTC().Format(time.RFC3339),
			Email:     p.Email,
		}, nil

	default:
		return nil, fault.Newf(fault.KindValidation, "unknown meeting action %q", p.Action)
	}
}

// propose offers morning and afternoon slots on the next three
// business days.
func (t *MeetingTool) propose(durationMinutes int) MeetingProposal {
	slots := make([]MeetingSlot, 0, 6)
	day := t.now().UTC().Truncate(24 * time.Hour)
	for len(slots) < 6 {
		day = day.Add(24 * time.Hour)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		for _, hour := range []int{10, 15} {
			slots = append(slots, MeetingSlot{
				Start:           day.Add(time.Duration(hour) * time.Hour).Format(time.RFC3339),
				DurationMinutes: durationMinutes,
			})
		}
	}
	return MeetingProposal{Slots: slots}
}
