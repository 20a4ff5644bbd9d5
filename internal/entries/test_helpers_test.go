package entries

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wordbank/internal/analysis"
	"github.com/MarcoPoloResearchLab/wordbank/internal/similarity"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	next atomic.Int64
}

func (g *sequentialIDs) NewID() (string, error) {
	return fmt.Sprintf("change-%d", g.next.Add(1)), nil
}

// steppingClock advances one second on every call so rows created in order sort in order.
type steppingClock struct {
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:wordbank_entries_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}, &EntryChange{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	analyzer, err := analysis.NewService(analysis.ServiceConfig{})
	if err != nil {
		t.Fatalf("failed to construct analyzer: %v", err)
	}
	index, err := similarity.NewIndex(similarity.HashEmbedding())
	if err != nil {
		t.Fatalf("failed to construct index: %v", err)
	}
	clock := &steppingClock{current: time.Unix(1700000000, 0).UTC()}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequentialIDs{},
		Analyzer:   analyzer,
		Index:      index,
	})
	if err != nil {
		t.Fatalf("failed to construct entries service: %v", err)
	}
	return service, db
}
