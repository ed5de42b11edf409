package capability

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"keymesh/internal/model"
)

var ErrNotFound = errors.New("capability record not found")

type (
	Repo struct {
		collection *mongo.Collection
	}

	capsDoc struct {
		User         string            `bson:"user"`
		Device       string            `bson:"device"`
		Ciphers      []model.Algorithm `bson:"ciphers"`
		KeyExchanges []model.Algorithm `bson:"key_exchanges"`
		MACs         []model.Algorithm `bson:"macs"`
		Signatures   []model.Algorithm `bson:"signatures"`
		KDFs         []model.Algorithm `bson:"kdfs"`
		PQKEMs       []model.Algorithm `bson:"pq_kems,omitempty"`
		PQSignatures []model.Algorithm `bson:"pq_signatures,omitempty"`
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("capabilities"),
	}
}

func (r *Repo) Upsert(ctx context.Context, caps *model.CapabilitySet) error {
	filter := bson.M{
		"user":   caps.Device.User,
		"device": caps.Device.Device,
	}
	doc := capsDoc{
		User:         caps.Device.User,
		Device:       caps.Device.Device,
		Ciphers:      caps.Ciphers,
		KeyExchanges: caps.KeyExchanges,
		MACs:         caps.MACs,
		Signatures:   caps.Signatures,
		KDFs:         caps.KDFs,
		PQKEMs:       caps.PQKEMs,
		PQSignatures: caps.PQSignatures,
	}

	opts := options.Replace().SetUpsert(true)
	_, err := r.collection.ReplaceOne(ctx, filter, doc, opts)
	return err
}

func (r *Repo) Get(ctx context.Context, device model.DeviceID) (*model.CapabilitySet, error) {
	filter := bson.M{
		"user":   device.User,
		"device": device.Device,
	}

	var doc capsDoc
	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &model.CapabilitySet{
		Device:       model.DeviceID{User: doc.User, Device: doc.Device},
		Ciphers:      doc.Ciphers,
		KeyExchanges: doc.KeyExchanges,
		MACs:         doc.MACs,
		Signatures:   doc.Signatures,
		KDFs:         doc.KDFs,
		PQKEMs:       doc.PQKEMs,
		PQSignatures: doc.PQSignatures,
	}, nil
}
