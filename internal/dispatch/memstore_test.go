package dispatch

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ukydev/fleet-assistance/internal/apperr"
	"github.com/ukydev/fleet-assistance/internal/db"
	"github.com/ukydev/fleet-assistance/internal/integration"
	"github.com/ukydev/fleet-assistance/internal/models"
	"github.com/ukydev/fleet-assistance/internal/worklog"
)

// memStore is an in-memory db.AssistanceCollection. Documents go through a
// BSON round trip on the way in and out, like the real collection.
type memStore struct {
	mu   sync.Mutex
	docs map[string]*models.Assistance
}

func newMemStore() *memStore {
	return &memStore{docs: map[string]*models.Assistance{}}
}

func clone(a *models.Assistance) *models.Assistance {
	data, err := bson.Marshal(a)
	if err != nil {
		panic(err)
	}
	var out models.Assistance
	if err := bson.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

func (m *memStore) Insert(_ context.Context, a *models.Assistance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.State.IsActive() && a.State.IsActive() && d.Chassis == a.Chassis {
			return apperr.ErrAssistanceInProgressAlreadyExists
		}
	}
	m.docs[a.ID] = clone(a)
	return nil
}

func (m *memStore) FindByID(_ context.Context, id string) (*models.Assistance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, apperr.ErrAssistanceNotFound
	}
	return clone(d), nil
}

func (m *memStore) Replace(_ context.Context, a *models.Assistance, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[a.ID]
	if !ok {
		return apperr.ErrAssistanceNotFound
	}
	if d.Version != expectedVersion {
		return apperr.ErrConcurrentUpdate
	}
	a.Version = expectedVersion + 1
	m.docs[a.ID] = clone(a)
	return nil
}

func (m *memStore) findActive(match func(*models.Assistance) bool) *models.Assistance {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.State.IsActive() && match(d) {
			return clone(d)
		}
	}
	return nil
}

func (m *memStore) FindActiveByChassis(_ context.Context, chassis string) (*models.Assistance, error) {
	return m.findActive(func(a *models.Assistance) bool { return a.Chassis == chassis }), nil
}

func (m *memStore) FindActiveByTowerAsset(_ context.Context, assetID string) (*models.Assistance, error) {
	return m.findActive(func(a *models.Assistance) bool { return a.TowerAssetID == assetID }), nil
}

func (m *memStore) List(_ context.Context, q db.ListQuery) (*db.ListPage, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	field := q.SortField()

	m.mu.Lock()
	var matched []*models.Assistance
	for _, d := range m.docs {
		if matches(d, q) {
			matched = append(matched, clone(d))
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		c := compareKey(sortValueOf(matched[i], field), matched[i].ID, sortValueOf(matched[j], field), matched[j].ID)
		if q.Descending {
			return c > 0
		}
		return c < 0
	})

	var items []models.Assistance
	for _, d := range matched {
		if q.After != nil {
			after, _ := db.SortValue(q.After, field)
			afterID, _ := q.After["_id"].(string)
			c := compareKey(sortValueOf(d, field), d.ID, after, afterID)
			if (!q.Descending && c <= 0) || (q.Descending && c >= 0) {
				continue
			}
		}
		items = append(items, *d)
	}

	page := &db.ListPage{Items: items}
	if len(items) > q.Limit {
		page.Items = items[:q.Limit]
		page.LastKey = q.KeyOf(&page.Items[q.Limit-1])
	}
	return page, nil
}

func matches(a *models.Assistance, q db.ListQuery) bool {
	switch {
	case q.Chassis != "":
		return a.Chassis == q.Chassis
	case q.OccurrenceType != "" && a.Occurrence.Type != q.OccurrenceType:
		return false
	case q.State != "":
		return strings.HasPrefix(a.StateCreatedAt, models.SortKeyPrefix(q.State, q.DatePrefix))
	default:
		return true
	}
}

func sortValueOf(a *models.Assistance, field string) any {
	if field == "created_at" {
		return a.CreatedAt
	}
	return a.StateCreatedAt
}

func compareKey(v any, id string, w any, wid string) int {
	var c int
	switch x := v.(type) {
	case time.Time:
		c = x.Compare(w.(time.Time))
	case string:
		c = strings.Compare(x, w.(string))
	}
	if c != 0 {
		return c
	}
	return strings.Compare(id, wid)
}

// memCounter is an atomic in-memory sequence.Counter.
type memCounter struct {
	mu     sync.Mutex
	values map[string]int64
}

func newMemCounter() *memCounter { return &memCounter{values: map[string]int64{}} }

func (c *memCounter) Increment(_ context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name]++
	return c.values[name], nil
}

func (c *memCounter) ResetIfAbove(_ context.Context, name string, max int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values[name] > max {
		c.values[name] = 0
		return true, nil
	}
	return false, nil
}

// memWorklog records appended entries.
type memWorklog struct {
	mu      sync.Mutex
	entries []models.WorklogKanbanEntry
	err     error
}

func (w *memWorklog) Append(_ context.Context, e *models.WorklogKanbanEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	e.ID = int64(len(w.entries) + 1)
	w.entries = append(w.entries, *e)
	return nil
}

func (w *memWorklog) Query(_ context.Context, f worklog.Filter) ([]models.WorklogKanbanEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []models.WorklogKanbanEntry
	for i := len(w.entries) - 1; i >= 0; i-- {
		e := w.entries[i]
		if f.OccurrenceUUID != "" && e.OccurrenceUUID != f.OccurrenceUUID {
			continue
		}
		if f.Step != "" && e.Step != f.Step {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (w *memWorklog) actions() []models.ActionType {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.ActionType, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e.ActionType)
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []integration.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note integration.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, note)
}

func (n *recordingNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Event+"@"+e.DealershipID)
	}
	return out
}

// MockStore is a testify mock of db.AssistanceCollection.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Insert(ctx context.Context, a *models.Assistance) error {
	return m.Called(ctx, a).Error(0)
}

func (m *MockStore) FindByID(ctx context.Context, id string) (*models.Assistance, error) {
	args := m.Called(ctx, id)
	a, _ := args.Get(0).(*models.Assistance)
	return a, args.Error(1)
}

func (m *MockStore) Replace(ctx context.Context, a *models.Assistance, expectedVersion int64) error {
	return m.Called(ctx, a, expectedVersion).Error(0)
}

func (m *MockStore) FindActiveByChassis(ctx context.Context, chassis string) (*models.Assistance, error) {
	args := m.Called(ctx, chassis)
	a, _ := args.Get(0).(*models.Assistance)
	return a, args.Error(1)
}

func (m *MockStore) FindActiveByTowerAsset(ctx context.Context, assetID string) (*models.Assistance, error) {
	args := m.Called(ctx, assetID)
	a, _ := args.Get(0).(*models.Assistance)
	return a, args.Error(1)
}

func (m *MockStore) List(ctx context.Context, q db.ListQuery) (*db.ListPage, error) {
	args := m.Called(ctx, q)
	p, _ := args.Get(0).(*db.ListPage)
	return p, args.Error(1)
}
