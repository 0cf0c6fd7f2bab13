package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixed ULIDs: sortable, and the prefix makes ids self-describing in logs.
func newID(prefix string) string {
	t := time.Now().UTC()
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewCampaignID() string { return newID("cmp") }
func NewJobID() string      { return newID("job") }
func NewAlertID() string    { return newID("alr") }
func NewEventID() string    { return newID("evt") }

func NormalizePhone(p string) string {
	// keep it simple; gateway does its own validation
	return strings.ReplaceAll(strings.TrimSpace(p), " ", "")
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
