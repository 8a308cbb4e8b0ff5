package message

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sealchat/internal/model"
)

type (
	// MessageRepo is the local decrypted transcript cache, read by the UI
	// while offline and refreshed by the delivery service.
	MessageRepo struct {
		collection *mongo.Collection
	}
)

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{
		collection: db.Collection("messages"),
	}
}

// Upsert stores or replaces a message by id. Satisfies delivery.Store.
func (r *MessageRepo) Upsert(ctx context.Context, m *model.Message) error {
	filter := bson.M{
		"_id": m.ID,
	}

	opts := options.Replace().SetUpsert(true)
	_, err := r.collection.ReplaceOne(ctx, filter, m, opts)
	return err
}

// ByChat loads a chat's cached transcript ordered by timestamp.
func (r *MessageRepo) ByChat(ctx context.Context, chatID string) ([]*model.Message, error) {
	filter := bson.M{
		"chat_id": chatID,
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*model.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// Tombstone blanks a deleted message in place instead of removing it.
func (r *MessageRepo) Tombstone(ctx context.Context, id string) error {
	filter := bson.M{
		"_id": id,
	}

	update := bson.M{
		"$set": bson.M{
			"deleted": true,
			"content": "",
		},
	}
	_, err := r.collection.UpdateOne(ctx, filter, update)
	return err
}
