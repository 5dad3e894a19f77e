package model

import (
	"fmt"
	"time"
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelBoth     Channel = "both"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelWhatsApp, ChannelBoth:
		return true
	}
	return false
}

func (c Channel) UsesEmail() bool    { return c == ChannelEmail || c == ChannelBoth }
func (c Channel) UsesWhatsApp() bool { return c == ChannelWhatsApp || c == ChannelBoth }

func channelOf(email, whatsapp bool) Channel {
	switch {
	case email && whatsapp:
		return ChannelBoth
	case email:
		return ChannelEmail
	case whatsapp:
		return ChannelWhatsApp
	}
	return ""
}

// Without returns the channels of c that none of delivered covers, or ""
// when c is fully covered.
func (c Channel) Without(delivered ...Channel) Channel {
	email, whatsapp := c.UsesEmail(), c.UsesWhatsApp()
	for _, d := range delivered {
		if d.UsesEmail() {
			email = false
		}
		if d.UsesWhatsApp() {
			whatsapp = false
		}
	}
	return channelOf(email, whatsapp)
}

type DelayUnit string

const (
	Hour DelayUnit = "hour"
	Day  DelayUnit = "day"
	Week DelayUnit = "week"
)

func (u DelayUnit) Duration() (time.Duration, error) {
	switch u {
	case Hour:
		return time.Hour, nil
	case Day:
		return 24 * time.Hour, nil
	case Week:
		return 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown delay unit %q", u)
}

// Sequence is an immutable cadence definition.
type Sequence struct {
	Slug        string `json:"slug" yaml:"slug"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	// RequiresReferenceTime marks sequences whose steps are scheduled
	// around an external event, e.g. a booked meeting.
	RequiresReferenceTime bool   `json:"requiresReferenceTime" yaml:"requires_reference_time"`
	Steps                 []Step `json:"steps,omitempty" yaml:"steps"`
}

type Step struct {
	ID              int64     `json:"id" yaml:"-"`
	SequenceSlug    string    `json:"sequenceSlug" yaml:"-"`
	StepOrder       int       `json:"stepOrder" yaml:"step_order"`
	Channel         Channel   `json:"channel" yaml:"channel"`
	DelayValue      int       `json:"delayValue" yaml:"delay_value"`
	DelayUnit       DelayUnit `json:"delayUnit" yaml:"delay_unit"`
	EmailSubject    string    `json:"emailSubject,omitempty" yaml:"email_subject"`
	EmailBody       string    `json:"emailBody,omitempty" yaml:"email_body"`
	WhatsAppMessage string    `json:"whatsappMessage,omitempty" yaml:"whatsapp_message"`
}

// Delay returns the signed offset of the step. Units are validated when the
// catalog loads, so an unknown unit yields zero here.
func (s Step) Delay() time.Duration {
	unit, err := s.DelayUnit.Duration()
	if err != nil {
		return 0
	}
	return time.Duration(s.DelayValue) * unit
}

// DueAt returns when the step becomes due for the enrollment. Negative
// delays count back from the reference time; everything else counts from
// enrollment. ok is false when a negative delay has no reference time.
func (s Step) DueAt(e Enrollment) (due time.Time, ok bool) {
	if s.DelayValue < 0 {
		if e.ReferenceTime == nil {
			return time.Time{}, false
		}
		return e.ReferenceTime.Add(s.Delay()), true
	}
	return e.EnrolledAt.Add(s.Delay()), true
}
