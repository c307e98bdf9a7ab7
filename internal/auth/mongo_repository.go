package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"tube-backend/internal/media"
)

// UsersCollection is the collection MongoRepository reads and writes.
const UsersCollection = "users"

type mongoUser struct {
	ID                    bson.ObjectID `bson:"_id"`
	Username              string        `bson:"username"`
	Email                 string        `bson:"email"`
	FullName              string        `bson:"fullName"`
	Password              string        `bson:"password"`
	Avatar                string        `bson:"avatar"`
	AvatarPublicID        string        `bson:"avatarPublicId,omitempty"`
	CoverImage            string        `bson:"coverImage,omitempty"`
	CoverImagePublicID    string        `bson:"coverImagePublicId,omitempty"`
	RefreshToken          string        `bson:"refreshToken,omitempty"`
	RefreshTokenExpiresAt *time.Time    `bson:"refreshTokenExpiresAt,omitempty"`
	CreatedAt             time.Time     `bson:"createdAt"`
	UpdatedAt             time.Time     `bson:"updatedAt"`
}

func (d mongoUser) toUser() User {
	user := User{
		ID:           d.ID.Hex(),
		Username:     d.Username,
		Email:        d.Email,
		FullName:     d.FullName,
		PasswordHash: d.Password,
		Avatar:       media.Asset{URL: d.Avatar, PublicID: d.AvatarPublicID},
		CoverImage:   media.Asset{URL: d.CoverImage, PublicID: d.CoverImagePublicID},
		RefreshToken: d.RefreshToken,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
	if d.RefreshTokenExpiresAt != nil {
		value := d.RefreshTokenExpiresAt.UTC()
		user.RefreshTokenExpiresAt = &value
	}
	return user
}

func newMongoUser(u User) mongoUser {
	return mongoUser{
		Username:           u.Username,
		Email:              u.Email,
		FullName:           u.FullName,
		Password:           u.PasswordHash,
		Avatar:             u.Avatar.URL,
		AvatarPublicID:     u.Avatar.PublicID,
		CoverImage:         u.CoverImage.URL,
		CoverImagePublicID: u.CoverImage.PublicID,
		CreatedAt:          u.CreatedAt,
		UpdatedAt:          u.UpdatedAt,
	}
}

// MongoRepository is the document-store Store. Every write is a single
// document operation; the refresh rotation carries the expected token in
// its filter.
type MongoRepository struct {
	users *mongo.Collection
	now   func() time.Time
}

func NewMongoRepository(database *mongo.Database) *MongoRepository {
	return &MongoRepository{users: database.Collection(UsersCollection), now: time.Now}
}

func (r *MongoRepository) Create(ctx context.Context, user User) (User, error) {
	now := r.now().UTC().Truncate(time.Millisecond)
	user.CreatedAt = now
	user.UpdatedAt = now
	user.RefreshToken = ""
	user.RefreshTokenExpiresAt = nil

	doc := newMongoUser(user)
	doc.ID = bson.NewObjectID()

	if _, err := r.users.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return User{}, ErrConflict
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return doc.toUser(), nil
}

func (r *MongoRepository) FindByID(ctx context.Context, id string) (User, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return User{}, ErrNotFound
	}
	return r.findOne(ctx, bson.D{{Key: "_id", Value: oid}}, "find user by id")
}

func (r *MongoRepository) FindByLogin(ctx context.Context, username, email string) (User, error) {
	var or bson.A
	if username != "" {
		or = append(or, bson.D{{Key: "username", Value: username}})
	}
	if email != "" {
		or = append(or, bson.D{{Key: "email", Value: email}})
	}
	if len(or) == 0 {
		return User{}, ErrNotFound
	}

	return r.findOne(ctx, bson.D{{Key: "$or", Value: or}}, "find user by login")
}

func (r *MongoRepository) findOne(ctx context.Context, filter bson.D, op string) (User, error) {
	var doc mongoUser
	if err := r.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return doc.toUser(), nil
}

func (r *MongoRepository) UpdateProfile(ctx context.Context, id, fullName, email string) (User, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return User{}, ErrNotFound
	}

	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "fullName", Value: fullName},
		{Key: "email", Value: email},
		{Key: "updatedAt", Value: r.now().UTC()},
	}}}

	var doc mongoUser
	err = r.users.FindOneAndUpdate(ctx, bson.D{{Key: "_id", Value: oid}}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return User{}, ErrNotFound
		}
		if mongo.IsDuplicateKeyError(err) {
			return User{}, ErrConflict
		}
		return User{}, fmt.Errorf("update user profile: %w", err)
	}

	return doc.toUser(), nil
}

func (r *MongoRepository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}

	res, err := r.users.UpdateOne(ctx, bson.D{{Key: "_id", Value: oid}}, bson.D{{Key: "$set", Value: bson.D{
		{Key: "password", Value: hash},
		{Key: "updatedAt", Value: r.now().UTC()},
	}}})
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *MongoRepository) UpdateMedia(ctx context.Context, id string, slot MediaSlot, asset media.Asset) (User, media.Asset, error) {
	urlField, publicIDField, err := mongoMediaFields(slot)
	if err != nil {
		return User{}, media.Asset{}, err
	}
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return User{}, media.Asset{}, ErrNotFound
	}

	now := r.now().UTC().Truncate(time.Millisecond)
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: urlField, Value: asset.URL},
		{Key: publicIDField, Value: asset.PublicID},
		{Key: "updatedAt", Value: now},
	}}}

	var before mongoUser
	err = r.users.FindOneAndUpdate(ctx, bson.D{{Key: "_id", Value: oid}}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&before)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return User{}, media.Asset{}, ErrNotFound
		}
		return User{}, media.Asset{}, fmt.Errorf("update user media: %w", err)
	}

	user := before.toUser()
	user.UpdatedAt = now

	var previous media.Asset
	switch slot {
	case SlotAvatar:
		previous = user.Avatar
		user.Avatar = asset
	case SlotCoverImage:
		previous = user.CoverImage
		user.CoverImage = asset
	}

	return user, previous, nil
}

func (r *MongoRepository) SetRefreshToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}

	res, err := r.users.UpdateOne(ctx, bson.D{{Key: "_id", Value: oid}}, setRefreshToken(token, expiresAt, r.now()))
	if err != nil {
		return fmt.Errorf("set refresh token: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *MongoRepository) SwapRefreshToken(ctx context.Context, id, current, next string, expiresAt time.Time) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil || current == "" {
		return ErrRefreshTokenMismatch
	}

	filter := bson.D{
		{Key: "_id", Value: oid},
		{Key: "refreshToken", Value: current},
	}
	res, err := r.users.UpdateOne(ctx, filter, setRefreshToken(next, expiresAt, r.now()))
	if err != nil {
		return fmt.Errorf("swap refresh token: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrRefreshTokenMismatch
	}

	return nil
}

func (r *MongoRepository) ClearRefreshToken(ctx context.Context, id string) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil
	}

	_, err = r.users.UpdateOne(ctx, bson.D{{Key: "_id", Value: oid}}, bson.D{
		{Key: "$unset", Value: bson.D{
			{Key: "refreshToken", Value: ""},
			{Key: "refreshTokenExpiresAt", Value: ""},
		}},
		{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: r.now().UTC()}}},
	})
	if err != nil {
		return fmt.Errorf("clear refresh token: %w", err)
	}

	return nil
}

// ClearExpiredRefreshTokens selects up to limit expired sessions and unsets
// them. The expiry is repeated in the update filter so a token rotated in
// between is left alone.
func (r *MongoRepository) ClearExpiredRefreshTokens(ctx context.Context, before time.Time, limit int) (int64, error) {
	expired := bson.D{{Key: "refreshTokenExpiresAt", Value: bson.D{{Key: "$lt", Value: before.UTC()}}}}

	cursor, err := r.users.Find(ctx, expired, options.Find().
		SetProjection(bson.D{{Key: "_id", Value: 1}}).
		SetSort(bson.D{{Key: "refreshTokenExpiresAt", Value: 1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return 0, fmt.Errorf("find expired refresh tokens: %w", err)
	}

	var rows []struct {
		ID bson.ObjectID `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return 0, fmt.Errorf("read expired refresh tokens: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	ids := make(bson.A, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	filter := append(bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}}, expired...)
	res, err := r.users.UpdateMany(ctx, filter, bson.D{{Key: "$unset", Value: bson.D{
		{Key: "refreshToken", Value: ""},
		{Key: "refreshTokenExpiresAt", Value: ""},
	}}})
	if err != nil {
		return 0, fmt.Errorf("clear expired refresh tokens: %w", err)
	}

	return res.ModifiedCount, nil
}

func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.users.Database().Client().Ping(ctx, nil)
}

func setRefreshToken(token string, expiresAt, now time.Time) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "refreshToken", Value: token},
		{Key: "refreshTokenExpiresAt", Value: expiresAt.UTC()},
		{Key: "updatedAt", Value: now.UTC()},
	}}}
}

func mongoMediaFields(slot MediaSlot) (string, string, error) {
	switch slot {
	case SlotAvatar:
		return "avatar", "avatarPublicId", nil
	case SlotCoverImage:
		return "coverImage", "coverImagePublicId", nil
	default:
		return "", "", fmt.Errorf("unknown media slot %q", slot)
	}
}
