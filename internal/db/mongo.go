package db

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// UserIndexes are the indexes the users collection relies on: uniqueness of
// username and email, and a sparse index for expiring refresh tokens.
func UserIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetName("username_unique").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetName("email_unique").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "refreshTokenExpiresAt", Value: 1}},
			Options: options.Index().SetName("refresh_token_expiry").SetSparse(true),
		},
	}
}

func EnsureMongoIndexes(ctx context.Context, users *mongo.Collection) error {
	if _, err := users.Indexes().CreateMany(ctx, UserIndexes()); err != nil {
		return fmt.Errorf("create user indexes: %w", err)
	}
	return nil
}
