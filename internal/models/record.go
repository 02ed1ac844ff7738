package models

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind discriminates the three record variants.
type Kind string

const (
	KindPresence Kind = "presence"
	KindContent  Kind = "content"
	KindMeta     Kind = "meta"
)

// Provenance is stamped onto every record by the server at submission time.
// Client-supplied values are overwritten.
type Provenance struct {
	SubmittedBy *string    `json:"submitted_by,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// Presence is a discrete observation of continuous activity, e.g. a
// livestream currently being live.
type Presence struct {
	SubjectKey   string    `json:"subject_key"`
	Platform     string    `json:"platform"`
	PresenceType string    `json:"presence_type"`
	ObservedAt   time.Time `json:"observed_at"`
	Provenance
}

// Content is an event at a discrete point in time: a post, a video, a
// profile update. Media holds direct URLs; the files themselves are never
// stored here.
type Content struct {
	SubjectKey  string            `json:"subject_key"`
	Platform    string            `json:"platform"`
	ContentType string            `json:"content_type"`
	ObservedAt  time.Time         `json:"observed_at"`
	ContentID   string            `json:"content_id"`
	Deleted     *bool             `json:"deleted,omitempty"`
	SourceURL   *string           `json:"source_url,omitempty"`
	CreatedAt   *time.Time        `json:"created_at,omitempty"`
	Body        *string           `json:"body,omitempty"`
	Media       []string          `json:"media,omitempty"`
	References  map[string]string `json:"references,omitempty"`
	Provenance
}

// Meta is a full profile snapshot. Platforms rarely expose diffs, so
// submitters post the whole profile and the server works out what changed.
type Meta struct {
	SubjectKey        string            `json:"subject_key"`
	Platform          string            `json:"platform"`
	Username          string            `json:"username"`
	Private           bool              `json:"private"`
	SuspendedOrBanned bool              `json:"suspended_or_banned"`
	ObservedAt        time.Time         `json:"observed_at"`
	DisplayName       *string           `json:"display_name,omitempty"`
	ProfilePicture    *string           `json:"profile_picture,omitempty"`
	Bio               *string           `json:"bio,omitempty"`
	Verified          *bool             `json:"verified,omitempty"`
	References        map[string]string `json:"references,omitempty"`
	Link              *string           `json:"link,omitempty"`
	Provenance
}

// Record is a tagged union of Presence, Content and Meta. Exactly one field
// is non-nil. The wire format carries no explicit tag; the variant is
// recovered from field presence (presence_type, content_type, username).
type Record struct {
	Presence *Presence
	Content  *Content
	Meta     *Meta
}

// ErrUnknownVariant is returned when a JSON object matches none of the
// record variants.
var ErrUnknownVariant = errors.New("record matches no known variant")

// Kind returns the variant discriminant.
func (r Record) Kind() Kind {
	switch {
	case r.Presence != nil:
		return KindPresence
	case r.Content != nil:
		return KindContent
	default:
		return KindMeta
	}
}

// SubjectKey returns the platform identity the record is about.
func (r Record) SubjectKey() string {
	switch {
	case r.Presence != nil:
		return r.Presence.SubjectKey
	case r.Content != nil:
		return r.Content.SubjectKey
	case r.Meta != nil:
		return r.Meta.SubjectKey
	}
	return ""
}

// Platform returns the source platform key.
func (r Record) Platform() string {
	switch {
	case r.Presence != nil:
		return r.Presence.Platform
	case r.Content != nil:
		return r.Content.Platform
	case r.Meta != nil:
		return r.Meta.Platform
	}
	return ""
}

// ObservedAt returns the time the observation was made.
func (r Record) ObservedAt() time.Time {
	switch {
	case r.Presence != nil:
		return r.Presence.ObservedAt
	case r.Content != nil:
		return r.Content.ObservedAt
	case r.Meta != nil:
		return r.Meta.ObservedAt
	}
	return time.Time{}
}

// Stamp sets the server-side provenance fields, discarding anything the
// client supplied.
func (r *Record) Stamp(submitterID string, at time.Time) {
	p := Provenance{SubmittedBy: &submitterID, SubmittedAt: &at}
	switch {
	case r.Presence != nil:
		r.Presence.Provenance = p
	case r.Content != nil:
		r.Content.Provenance = p
	case r.Meta != nil:
		r.Meta.Provenance = p
	}
}

func (r Record) MarshalJSON() ([]byte, error) {
	switch {
	case r.Presence != nil:
		return json.Marshal(r.Presence)
	case r.Content != nil:
		return json.Marshal(r.Content)
	case r.Meta != nil:
		return json.Marshal(r.Meta)
	}
	return nil, ErrUnknownVariant
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var probe struct {
		PresenceType *string `json:"presence_type"`
		ContentType  *string `json:"content_type"`
		Username     *string `json:"username"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return err
	}
	switch {
	case probe.ContentType != nil:
		var c Content
		if err := json.Unmarshal(b, &c); err != nil {
			return err
		}
		*r = Record{Content: &c}
	case probe.PresenceType != nil:
		var p Presence
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		*r = Record{Presence: &p}
	case probe.Username != nil:
		var m Meta
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		*r = Record{Meta: &m}
	default:
		return ErrUnknownVariant
	}
	return nil
}

// Batch is the submission envelope posted by workers. LeaseID correlates
// the batch with an outstanding job; empty means an untracked submission.
type Batch struct {
	Data    []Record `json:"data"`
	LeaseID string   `json:"lease_id,omitempty"`
}
