package report

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore migrates and connects to TEST_DATABASE_URL, skipping when it
// is unset or unreachable. Each test uses fresh fingerprints, so rows from
// earlier runs do not interfere.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Skipf("postgres not available: %v", err)
	}

	_, err = Migrate(url)
	require.NoError(t, err)
	return NewStore(db)
}

func TestNormalizeReason(t *testing.T) {
	tests := []struct {
		in, reason, detail string
	}{
		{"spam", ReasonSpam, ""},
		{"  Harassment ", ReasonHarassment, ""},
		{"UNDERAGE", ReasonUnderage, ""},
		{"", ReasonOther, ""},
		{"kept showing a phone number", ReasonOther, "kept showing a phone number"},
	}
	for _, tt := range tests {
		reason, detail := NormalizeReason(tt.in)
		assert.Equal(t, tt.reason, reason, "input %q", tt.in)
		assert.Equal(t, tt.detail, detail, "input %q", tt.in)
	}
}

func TestNormalizeReason_TruncatesByRune(t *testing.T) {
	long := strings.Repeat("é", MaxDetailLength+50)
	reason, detail := NormalizeReason(long)
	assert.Equal(t, ReasonOther, reason)
	assert.Equal(t, MaxDetailLength, len([]rune(detail)))
}

func TestStore_CreateAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	reported := "test_" + uuid.NewString()

	for i := 0; i < 3; i++ {
		r := &Report{
			ReporterFingerprint: "test_reporter",
			ReportedFingerprint: reported,
			RoomID:              uuid.NewString(),
			Reason:              "Spam",
		}
		require.NoError(t, s.Create(ctx, r))
		assert.NotZero(t, r.ID)
		assert.False(t, r.CreatedAt.IsZero())
		assert.Equal(t, ReasonSpam, r.Reason)
	}

	n, err := s.CountRecent(ctx, reported, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.CountRecent(ctx, "test_"+uuid.NewString(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_ListRecentKeepsDetail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	reported := "test_" + uuid.NewString()

	require.NoError(t, s.Create(ctx, &Report{
		ReporterFingerprint: "test_reporter",
		ReportedFingerprint: reported,
		RoomID:              "room-1",
		Reason:              "asked for my address",
	}))

	list, err := s.ListRecent(ctx, reported, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ReasonOther, list[0].Reason)
	assert.Equal(t, "asked for my address", list[0].Detail)
	assert.Equal(t, "room-1", list[0].RoomID)
}

func TestStore_CreateRequiresReported(t *testing.T) {
	s := NewStore(nil)
	err := s.Create(context.Background(), &Report{Reason: "spam"})
	assert.Error(t, err)
}
