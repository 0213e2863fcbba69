package service

import (
	"context"
	"sync"
	"testing"

	"github.com/0097eo/cafe-zuko/internal/apperror"
	"github.com/0097eo/cafe-zuko/internal/model"
	"github.com/0097eo/cafe-zuko/internal/testutil"
	"github.com/0097eo/cafe-zuko/pkg/mpesa"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixtures struct {
	t  *testing.T
	db *gorm.DB
}

func newFixtures(t *testing.T) *fixtures {
	return &fixtures{t: t, db: testutil.NewDB(t)}
}

func (f *fixtures) customer(username string) Actor {
	f.t.Helper()
	user := model.User{
		Username: username,
		Email:    username + "@example.com",
		Password: "x",
		Role:     model.RoleCustomer,
		Address:  "12 Kimathi Street",
	}
	require.NoError(f.t, f.db.Create(&user).Error)
	return Actor{UserID: user.ID, Role: model.RoleCustomer}
}

func (f *fixtures) staff(username string) Actor {
	f.t.Helper()
	user := model.User{
		Username: username,
		Email:    username + "@example.com",
		Password: "x",
		Role:     model.RoleCustomer,
		IsStaff:  true,
	}
	require.NoError(f.t, f.db.Create(&user).Error)
	return Actor{UserID: user.ID, Role: model.RoleCustomer, IsStaff: true}
}

// vendor creates a vendor user and returns the actor with its profile id
func (f *fixtures) vendor(username string) (Actor, uint) {
	f.t.Helper()
	user := model.User{
		Username: username,
		Email:    username + "@example.com",
		Password: "x",
		Role:     model.RoleVendor,
	}
	require.NoError(f.t, f.db.Create(&user).Error)
	profile := model.VendorProfile{UserID: user.ID, BusinessName: username + " Roasters"}
	require.NoError(f.t, f.db.Create(&profile).Error)
	return Actor{UserID: user.ID, Role: model.RoleVendor}, profile.ID
}

func (f *fixtures) product(vendorID uint, name, price string) model.Product {
	f.t.Helper()
	product := model.Product{
		VendorID:    vendorID,
		Name:        name,
		Price:       decimal.RequireFromString(price),
		Stock:       50,
		RoastType:   model.RoastMedium,
		Origin:      "Nyeri",
		IsAvailable: true,
	}
	require.NoError(f.t, f.db.Create(&product).Error)
	return product
}

func (f *fixtures) setPrice(productID uint, price string) {
	f.t.Helper()
	require.NoError(f.t, f.db.Model(&model.Product{}).Where("id = ?", productID).
		Update("price", decimal.RequireFromString(price)).Error)
}

func (f *fixtures) count(value interface{}, query string, args ...interface{}) int64 {
	f.t.Helper()
	var n int64
	q := f.db.Model(value)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(f.t, q.Count(&n).Error)
	return n
}

func assertKind(t *testing.T, err error, kind apperror.Kind) *apperror.Error {
	t.Helper()
	require.Error(t, err)
	appErr, ok := apperror.As(err)
	require.True(t, ok, "expected an application error, got %v", err)
	assert.Equal(t, kind, appErr.Kind, appErr.Error())
	return appErr
}

type publishedEvent struct {
	Topic string
	Key   uint
	Event interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, key uint, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Topic: topic, Key: key, Event: event})
	return nil
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	topics := make([]string, 0, len(p.events))
	for _, e := range p.events {
		topics = append(topics, e.Topic)
	}
	return topics
}

type fakeGateway struct {
	resp     *mpesa.STKPushResponse
	err      error
	calls    int
	requests []mpesa.STKPushRequest
}

func (g *fakeGateway) STKPush(_ context.Context, in mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	g.calls++
	g.requests = append(g.requests, in)
	if g.err != nil {
		return nil, g.err
	}
	return g.resp, nil
}

// memoryStore is a cache.Store that keeps product views unencoded
type memoryStore struct {
	mu      sync.Mutex
	values  map[string]interface{}
	deletes []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string]interface{}{}}
}

func (m *memoryStore) Get(_ context.Context, key string, dst interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return false, nil
	}
	*(dst.(*ProductView)) = *(v.(*ProductView))
	return true, nil
}

func (m *memoryStore) Set(_ context.Context, key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		m.deletes = append(m.deletes, k)
	}
	return nil
}

func (m *memoryStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	return ok
}
