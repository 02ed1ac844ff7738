package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordVariantFromFieldPresence(t *testing.T) {
	cases := []struct {
		name string
		body string
		kind Kind
	}{
		{
			name: "content",
			body: `{"subject_key":"123","platform":"twitter","content_type":"tweet","observed_at":"2026-08-30T12:00:00Z","content_id":"t1"}`,
			kind: KindContent,
		},
		{
			name: "presence",
			body: `{"subject_key":"123","platform":"twitch","presence_type":"livestream","observed_at":"2026-08-30T12:00:00Z"}`,
			kind: KindPresence,
		},
		{
			name: "meta",
			body: `{"subject_key":"123","platform":"twitter","username":"alice","private":false,"suspended_or_banned":false,"observed_at":"2026-08-30T12:00:00Z"}`,
			kind: KindMeta,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var r Record
			require.NoError(t, json.Unmarshal([]byte(tc.body), &r))
			assert.Equal(t, tc.kind, r.Kind())
			assert.Equal(t, "123", r.SubjectKey())
		})
	}
}

func TestRecordUnknownVariant(t *testing.T) {
	var r Record
	err := json.Unmarshal([]byte(`{"subject_key":"123","platform":"twitter"}`), &r)
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestRecordMarshalIsFlat(t *testing.T) {
	observed := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	r := Record{Content: &Content{
		SubjectKey:  "123",
		Platform:    "twitter",
		ContentType: "tweet",
		ObservedAt:  observed,
		ContentID:   "t1",
	}}

	b, err := json.Marshal(r)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(b, &flat))
	assert.Equal(t, "tweet", flat["content_type"])
	assert.NotContains(t, flat, "Content", "variant wrapper must not leak into the wire format")
}

func TestRecordRoundTripKeepsVariant(t *testing.T) {
	r := Record{Meta: &Meta{
		SubjectKey: "123",
		Platform:   "twitter",
		Username:   "alice",
		ObservedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}}

	b, err := json.Marshal(r)
	require.NoError(t, err)

	var back Record
	require.NoError(t, json.Unmarshal(b, &back))
	require.NotNil(t, back.Meta)
	assert.Equal(t, "alice", back.Meta.Username)
}

func TestStampOverwritesClientProvenance(t *testing.T) {
	spoofed := "someone-else"
	r := Record{Presence: &Presence{
		SubjectKey:   "123",
		Platform:     "twitch",
		PresenceType: "livestream",
		ObservedAt:   time.Now().UTC(),
		Provenance:   Provenance{SubmittedBy: &spoofed},
	}}

	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	r.Stamp("worker-1", at)

	require.NotNil(t, r.Presence.SubmittedBy)
	assert.Equal(t, "worker-1", *r.Presence.SubmittedBy)
	require.NotNil(t, r.Presence.SubmittedAt)
	assert.Equal(t, at, *r.Presence.SubmittedAt)
}

func TestBatchDecodesMixedRecords(t *testing.T) {
	body := `{"lease_id":"lease-1","data":[
		{"subject_key":"1","platform":"twitter","content_type":"tweet","observed_at":"2026-08-30T12:00:00Z","content_id":"t1"},
		{"subject_key":"1","platform":"twitter","username":"alice","private":false,"suspended_or_banned":false,"observed_at":"2026-08-30T12:00:00Z"}
	]}`

	var batch Batch
	require.NoError(t, json.Unmarshal([]byte(body), &batch))
	assert.Equal(t, "lease-1", batch.LeaseID)
	require.Len(t, batch.Data, 2)
	assert.Equal(t, KindContent, batch.Data[0].Kind())
	assert.Equal(t, KindMeta, batch.Data[1].Kind())
}

func TestJobRecordLeaseState(t *testing.T) {
	job := JobRecord{LeaseID: "l1", Platform: "twitter", SubjectKey: "123", LastCompletedAt: Epoch}
	assert.False(t, job.Leased())
	assert.False(t, job.HeldBy("w1"))

	holder := "w1"
	at := time.Now().UTC()
	job.LeaseHolder = &holder
	job.LeaseAcquiredAt = &at
	assert.True(t, job.Leased())
	assert.True(t, job.HeldBy("w1"))
	assert.False(t, job.HeldBy("w2"))
}
