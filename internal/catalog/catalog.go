// Package catalog holds the in-process facility catalog and the seed loader shared by both backends.
package catalog

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robertarktes/facility-bookings/internal/clock"
	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/shopspring/decimal"
)

// Publisher accepts facilities; implemented by Memory and the mongo catalog.
type Publisher interface {
	PublishFacility(ctx context.Context, f domain.Facility) error
}

type Memory struct {
	mu         sync.RWMutex
	clock      clock.Clock
	facilities map[uuid.UUID]domain.Facility
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{clock: clk, facilities: make(map[uuid.UUID]domain.Facility)}
}

func (m *Memory) GetFacility(_ context.Context, id uuid.UUID) (domain.Facility, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.facilities[id]
	if !ok {
		return domain.Facility{}, errors.Wrapf(domain.ErrNotFound, "facility %s", id)
	}
	return f, nil
}

func (m *Memory) ListFacilities(_ context.Context, t domain.FacilityType) ([]domain.Facility, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Facility
	for _, f := range m.facilities {
		if f.Active && (t == "" || f.Type == t) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *Memory) PublishFacility(_ context.Context, f domain.Facility) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if prev, ok := m.facilities[f.ID]; ok {
		f.CreatedAt = prev.CreatedAt
	} else if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.Code = strings.ToUpper(f.Code)
	f.UpdatedAt = now
	m.facilities[f.ID] = f
	return nil
}

func (m *Memory) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.facilities[id]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "facility %s", id)
	}
	f.Active = active
	f.UpdatedAt = m.clock.Now()
	m.facilities[id] = f
	return nil
}

// SeedFacility is one entry of a catalog seed file.
type SeedFacility struct {
	ID          string `json:"id" validate:"required,uuid"`
	Type        string `json:"type" validate:"required,oneof=parking lounge hotel"`
	Code        string `json:"code" validate:"required,max=32"`
	Name        string `json:"name" validate:"required"`
	Capacity    int    `json:"capacity" validate:"min=0"`
	SlotMinutes int    `json:"slot_minutes" validate:"required,min=1"`
	Price       string `json:"price" validate:"required,numeric"`
	Currency    string `json:"currency" validate:"required,len=3"`
	Active      *bool  `json:"active,omitempty"`
}

var validate = validator.New()

func (s SeedFacility) toDomain() (domain.Facility, error) {
	if err := validate.Struct(s); err != nil {
		return domain.Facility{}, errors.Mark(errors.Wrapf(err, "facility %q", s.Code), domain.ErrInvalidInput)
	}
	price, err := decimal.NewFromString(s.Price)
	if err != nil {
		return domain.Facility{}, errors.Wrapf(err, "price of facility %q", s.Code)
	}
	return domain.Facility{
		ID:           uuid.MustParse(s.ID),
		Type:         domain.FacilityType(s.Type),
		Code:         strings.ToUpper(s.Code),
		Name:         s.Name,
		Capacity:     s.Capacity,
		SlotDuration: time.Duration(s.SlotMinutes) * time.Minute,
		Price:        price,
		Currency:     strings.ToUpper(s.Currency),
		Active:       s.Active == nil || *s.Active,
	}, nil
}

// ParseSeed decodes a JSON array of facilities.
func ParseSeed(data []byte) ([]domain.Facility, error) {
	var entries []SeedFacility
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "decode catalog seed")
	}
	out := make([]domain.Facility, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		f, err := e.toDomain()
		if err != nil {
			return nil, err
		}
		if seen[f.Code] {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "duplicate facility code %s", f.Code)
		}
		seen[f.Code] = true
		out = append(out, f)
	}
	return out, nil
}

// Seed publishes every facility in the seed file at path.
func Seed(ctx context.Context, p Publisher, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "read catalog seed %s", path)
	}
	facilities, err := ParseSeed(data)
	if err != nil {
		return 0, err
	}
	for _, f := range facilities {
		if err := p.PublishFacility(ctx, f); err != nil {
			return 0, errors.Wrapf(err, "publish facility %s", f.Code)
		}
	}
	return len(facilities), nil
}
