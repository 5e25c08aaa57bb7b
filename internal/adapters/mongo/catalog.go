package mongo

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/facility-bookings/internal/domain"
	"github.com/robertarktes/facility-bookings/internal/observability"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CatalogRepository reads facilities from the facilities collection.
type CatalogRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("facilities"),
		logger: logger,
	}
}

type FacilityDoc struct {
	ID          string    `bson:"_id"`
	Type        string    `bson:"type"`
	Code        string    `bson:"code"`
	Name        string    `bson:"name"`
	Capacity    int       `bson:"capacity"`
	SlotMinutes int       `bson:"slot_minutes"`
	Price       string    `bson:"price"`
	Currency    string    `bson:"currency"`
	Active      bool      `bson:"active"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func facilityDoc(f domain.Facility) FacilityDoc {
	return FacilityDoc{
		ID:          f.ID.String(),
		Type:        string(f.Type),
		Code:        strings.ToUpper(f.Code),
		Name:        f.Name,
		Capacity:    f.Capacity,
		SlotMinutes: int(f.SlotDuration / time.Minute),
		Price:       f.Price.String(),
		Currency:    f.Currency,
		Active:      f.Active,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
}

func (d FacilityDoc) toDomain() (domain.Facility, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return domain.Facility{}, errors.Wrapf(err, "facility id %q", d.ID)
	}
	price, err := decimal.NewFromString(d.Price)
	if err != nil {
		return domain.Facility{}, errors.Wrapf(err, "price of facility %s", d.Code)
	}
	t := domain.FacilityType(d.Type)
	if !t.Valid() {
		return domain.Facility{}, errors.Newf("facility %s has unknown type %q", d.Code, d.Type)
	}
	return domain.Facility{
		ID:           id,
		Type:         t,
		Code:         d.Code,
		Name:         d.Name,
		Capacity:     d.Capacity,
		SlotDuration: time.Duration(d.SlotMinutes) * time.Minute,
		Price:        price,
		Currency:     d.Currency,
		Active:       d.Active,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}, nil
}

func (c *CatalogRepository) EnsureIndexes(ctx context.Context) error {
	_, err := c.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "code", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return errors.Wrap(err, "facility indexes")
}

func (c *CatalogRepository) GetFacility(ctx context.Context, id uuid.UUID) (domain.Facility, error) {
	var doc FacilityDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Facility{}, errors.Wrapf(domain.ErrNotFound, "facility %s", id)
	}
	if err != nil {
		c.logger.WithError(err).WithField("facility_id", id).Error("failed to get facility")
		return domain.Facility{}, err
	}
	return doc.toDomain()
}

func (c *CatalogRepository) ListFacilities(ctx context.Context, t domain.FacilityType) ([]domain.Facility, error) {
	filter := bson.M{"active": true}
	if t != "" {
		filter["type"] = string(t)
	}
	cur, err := c.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "code", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []FacilityDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.Facility, 0, len(docs))
	for _, d := range docs {
		f, err := d.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// PublishFacility inserts or replaces a facility.
func (c *CatalogRepository) PublishFacility(ctx context.Context, f domain.Facility) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	_, err := c.coll.ReplaceOne(ctx, bson.M{"_id": f.ID.String()}, facilityDoc(f), options.Replace().SetUpsert(true))
	if err != nil {
		c.logger.WithError(err).WithField("code", f.Code).Error("failed to publish facility")
		return err
	}
	return nil
}

// SetActive toggles whether a facility accepts new bookings.
func (c *CatalogRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := c.coll.UpdateOne(
		ctx,
		bson.M{"_id": id.String()},
		bson.M{"$set": bson.M{"active": active, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		c.logger.WithError(err).WithField("facility_id", id).Error("failed to update facility activation")
		return err
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(domain.ErrNotFound, "facility %s", id)
	}
	return nil
}
