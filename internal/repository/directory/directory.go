// Package directory is the relay's record of which devices each hosted
// identity has registered.
package directory

import (
	"context"
	"fmt"
	"time"

	"e2e_engine/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	Record struct {
		ID         primitive.ObjectID `bson:"_id,omitempty"`
		Identity   string             `bson:"identity"`
		DeviceUIDs []string           `bson:"device_uids"`
		UpdatedAt  time.Time          `bson:"updated_at"`
	}

	DirectoryRepo struct {
		collection *mongo.Collection
	}
)

func NewDirectoryRepo(db *mongo.Database) *DirectoryRepo {
	return &DirectoryRepo{
		collection: db.Collection("identities"),
	}
}

// EnsureIndexes makes identity unique so concurrent registrations upsert
// into one record.
func (r *DirectoryRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "identity", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *DirectoryRepo) GetByIdentity(ctx context.Context, identity model.CryptoIdentity) (*Record, error) {
	filter := bson.M{
		"identity": identity.String(),
	}

	var rec Record
	err := r.collection.FindOne(ctx, filter).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

func (r *DirectoryRepo) AddDevice(ctx context.Context, identity model.CryptoIdentity, device model.UID) error {
	filter := bson.M{"identity": identity.String()}
	update := bson.M{
		"$addToSet": bson.M{"device_uids": device.String()},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (r *DirectoryRepo) RemoveDevice(ctx context.Context, identity model.CryptoIdentity, device model.UID) error {
	filter := bson.M{"identity": identity.String()}
	update := bson.M{
		"$pull": bson.M{"device_uids": device.String()},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}

	_, err := r.collection.UpdateOne(ctx, filter, update)
	return err
}

// Devices is empty for an identity that never registered.
func (r *DirectoryRepo) Devices(ctx context.Context, identity model.CryptoIdentity) ([]model.UID, error) {
	rec, err := r.GetByIdentity(ctx, identity)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Devices()
}

func (rec *Record) Devices() ([]model.UID, error) {
	out := make([]model.UID, 0, len(rec.DeviceUIDs))
	for _, s := range rec.DeviceUIDs {
		uid, err := model.UIDFromHex(s)
		if err != nil {
			return nil, fmt.Errorf("directory: record %s: %w", rec.ID.Hex(), err)
		}
		out = append(out, uid)
	}
	return out, nil
}
