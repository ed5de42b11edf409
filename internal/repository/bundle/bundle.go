package bundle

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"keymesh/internal/model"
)

var (
	ErrNotFound    = errors.New("bundle not found")
	ErrKeyConsumed = errors.New("one-time key consumed")
)

type (
	Repo struct {
		collection *mongo.Collection
	}

	bundleDoc struct {
		User            string    `bson:"user"`
		Device          string    `bson:"device"`
		IdentityDH      []byte    `bson:"identity_dh"`
		IdentitySig     []byte    `bson:"identity_sig"`
		SignedPrekeyID  uint32    `bson:"signed_prekey_id"`
		SignedPrekey    []byte    `bson:"signed_prekey"`
		PrekeySignature []byte    `bson:"prekey_signature"`
		OneTimeKeys     []otkDoc  `bson:"one_time_keys"`
		PQKEMPub        []byte    `bson:"pq_kem_pub,omitempty"`
		PQKEMSignature  []byte    `bson:"pq_kem_signature,omitempty"`
		PublishedAt     time.Time `bson:"published_at"`
	}

	otkDoc struct {
		ID         uint32     `bson:"id"`
		Pub        []byte     `bson:"pub"`
		Consumed   bool       `bson:"consumed"`
		ConsumedAt *time.Time `bson:"consumed_at,omitempty"`
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("bundles"),
	}
}

func deviceFilter(device model.DeviceID) bson.M {
	return bson.M{
		"user":   device.User,
		"device": device.Device,
	}
}

// Upsert replaces the device's published bundle wholesale. Consumed marks
// of the previous pool are dropped with it; the publisher is expected to
// have removed used keys before re-publishing.
func (r *Repo) Upsert(ctx context.Context, pub *model.PublishedBundle) error {
	doc := bundleDoc{
		User:            pub.Device.User,
		Device:          pub.Device.Device,
		IdentityDH:      pub.IdentityDH,
		IdentitySig:     pub.IdentitySig,
		SignedPrekeyID:  pub.SignedPrekeyID,
		SignedPrekey:    pub.SignedPrekey,
		PrekeySignature: pub.PrekeySignature,
		OneTimeKeys:     make([]otkDoc, 0, len(pub.OneTimeKeys)),
		PQKEMPub:        pub.PQKEMPub,
		PQKEMSignature:  pub.PQKEMSignature,
		PublishedAt:     pub.PublishedAt,
	}
	for _, otk := range pub.OneTimeKeys {
		doc.OneTimeKeys = append(doc.OneTimeKeys, otkDoc{ID: otk.ID, Pub: otk.Pub})
	}

	opts := options.Replace().SetUpsert(true)
	_, err := r.collection.ReplaceOne(ctx, deviceFilter(pub.Device), doc, opts)
	return err
}

// Get returns a fetch snapshot with at most one unconsumed one-time key.
func (r *Repo) Get(ctx context.Context, device model.DeviceID) (*model.PrekeyBundle, error) {
	var doc bundleDoc
	err := r.collection.FindOne(ctx, deviceFilter(device)).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	out := &model.PrekeyBundle{
		Device:          model.DeviceID{User: doc.User, Device: doc.Device},
		IdentityDH:      doc.IdentityDH,
		IdentitySig:     doc.IdentitySig,
		SignedPrekeyID:  doc.SignedPrekeyID,
		SignedPrekey:    doc.SignedPrekey,
		PrekeySignature: doc.PrekeySignature,
		PQKEMPub:        doc.PQKEMPub,
		PQKEMSignature:  doc.PQKEMSignature,
	}
	for _, otk := range doc.OneTimeKeys {
		if !otk.Consumed {
			out.OneTime = &model.OneTimeKey{ID: otk.ID, Pub: otk.Pub}
			break
		}
	}
	return out, nil
}

// Consume flips one key's consumed flag in a single conditional update, so
// concurrent claimers of the same id resolve to exactly one winner.
func (r *Repo) Consume(ctx context.Context, device model.DeviceID, keyID uint32) error {
	filter := deviceFilter(device)
	filter["one_time_keys"] = bson.M{
		"$elemMatch": bson.M{
			"id":       keyID,
			"consumed": false,
		},
	}
	update := bson.M{
		"$set": bson.M{
			"one_time_keys.$.consumed":    true,
			"one_time_keys.$.consumed_at": time.Now(),
		},
	}

	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.ModifiedCount == 1 {
		return nil
	}

	// Nothing matched: either the key never existed or someone else won.
	exists := deviceFilter(device)
	exists["one_time_keys.id"] = keyID
	err = r.collection.FindOne(ctx, exists).Err()
	if err == mongo.ErrNoDocuments {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrKeyConsumed
}
