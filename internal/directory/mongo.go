package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"scoparia/internal/model"
	"scoparia/internal/wikidot"
)

// Mongo collection names.
const (
	DatabaseName    = "db_scoparia"
	UsersCollection = "t_users"
)

// Defaults applied to contacts seen for the first time.
const (
	contactTimezone     = "Asia/Shanghai"
	contactMentionLevel = "avatarhover"
)

// caseInsensitive compares strings ignoring case (ICU strength 2).
var caseInsensitive = &options.Collation{Locale: "en", Strength: 2}

// userDoc is the stored shape of a user. Flags are pointers so that
// documents written before a flag existed read as enabled.
type userDoc struct {
	UserID          int64    `bson:"userid"`
	Username        string   `bson:"username"`
	Email           *string  `bson:"email,omitempty"`
	AppriseURLs     []string `bson:"apprise_urls"`
	Timezone        string   `bson:"timezone,omitempty"`
	MentionLevel    string   `bson:"mention_level,omitempty"`
	EnableWikidotPM *bool    `bson:"enable_wikidot_pm,omitempty"`
	EnableEmail     *bool    `bson:"enable_email,omitempty"`
	EnableApprise   *bool    `bson:"enable_apprise,omitempty"`
}

func (d userDoc) profile() model.UserProfile {
	tz := d.Timezone
	if tz == "" {
		tz = "UTC"
	}
	var email string
	if d.Email != nil {
		email = *d.Email
	}
	flag := func(b *bool) bool { return b == nil || *b }
	return model.UserProfile{
		UserID:   d.UserID,
		Username: d.Username,
		Channels: model.ChannelSettings{
			WikidotPM: flag(d.EnableWikidotPM),
			Email:     model.EmailSettings{Enabled: flag(d.EnableEmail), Address: email},
			Apprise:   model.AppriseSettings{Enabled: flag(d.EnableApprise), URLs: d.AppriseURLs},
		},
		MentionLevel: model.ParseMentionLevel(d.MentionLevel),
		Timezone:     tz,
	}
}

// Mongo is a Directory backed by a MongoDB users collection.
type Mongo struct {
	users *mongo.Collection
}

// NewMongo wraps the users collection of db.
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{users: db.Collection(UsersCollection)}
}

// ConnectMongo opens a client for uri and returns the directory together
// with a function that disconnects it. A positive timeout bounds every
// operation issued through the client.
func ConnectMongo(ctx context.Context, uri string, timeout time.Duration) (*Mongo, func(context.Context) error, error) {
	opts := options.Client().ApplyURI(uri)
	if timeout > 0 {
		opts.SetTimeout(timeout).SetServerSelectionTimeout(timeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return NewMongo(client.Database(DatabaseName)), client.Disconnect, nil
}

// EnsureIndexes creates the unique user id index.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "userid", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create userid index: %w", err)
	}
	return nil
}

// Resolve finds a user by username, ignoring case.
func (m *Mongo) Resolve(ctx context.Context, username string) (*model.UserProfile, error) {
	var doc userDoc
	err := m.users.FindOne(ctx,
		bson.M{"username": strings.TrimSpace(username)},
		options.FindOne().SetCollation(caseInsensitive),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user %q: %w", username, err)
	}
	p := doc.profile()
	return &p, nil
}

// ResolveID finds a user by Wikidot user id.
func (m *Mongo) ResolveID(ctx context.Context, userID int64) (*model.UserProfile, error) {
	var doc userDoc
	err := m.users.FindOne(ctx, bson.M{"userid": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user %d: %w", userID, err)
	}
	p := doc.profile()
	return &p, nil
}

// UpsertContacts records back contacts. Username and email are refreshed on
// every sync; the remaining settings are only written when the user is new.
func (m *Mongo) UpsertContacts(ctx context.Context, contacts []wikidot.Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	ops := make([]mongo.WriteModel, 0, len(contacts))
	for _, c := range contacts {
		ops = append(ops, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"userid": c.UserID}).
			SetUpdate(contactUpdate(c)).
			SetUpsert(true))
	}
	if _, err := m.users.BulkWrite(ctx, ops); err != nil {
		return fmt.Errorf("upsert contacts: %w", err)
	}
	return nil
}

func contactUpdate(c wikidot.Contact) bson.M {
	return bson.M{
		"$set": bson.M{
			"username": c.Username,
			"email":    c.Email,
		},
		"$setOnInsert": bson.M{
			"userid":            c.UserID,
			"apprise_urls":      bson.A{},
			"timezone":          contactTimezone,
			"mention_level":     contactMentionLevel,
			"enable_wikidot_pm": true,
			"enable_email":      true,
			"enable_apprise":    false,
		},
	}
}

// UpsertUsers replaces the stored settings of each profile.
func (m *Mongo) UpsertUsers(ctx context.Context, users []model.UserProfile) error {
	if len(users) == 0 {
		return nil
	}
	ops := make([]mongo.WriteModel, 0, len(users))
	for _, u := range users {
		ops = append(ops, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"userid": u.UserID}).
			SetUpdate(bson.M{"$set": docFromProfile(u)}).
			SetUpsert(true))
	}
	if _, err := m.users.BulkWrite(ctx, ops); err != nil {
		return fmt.Errorf("upsert users: %w", err)
	}
	return nil
}

func docFromProfile(p model.UserProfile) userDoc {
	urls := p.Channels.Apprise.URLs
	if urls == nil {
		urls = []string{}
	}
	d := userDoc{
		UserID:          p.UserID,
		Username:        p.Username,
		AppriseURLs:     urls,
		Timezone:        p.Timezone,
		MentionLevel:    p.MentionLevel.String(),
		EnableWikidotPM: &p.Channels.WikidotPM,
		EnableEmail:     &p.Channels.Email.Enabled,
		EnableApprise:   &p.Channels.Apprise.Enabled,
	}
	if p.Channels.Email.Address != "" {
		addr := p.Channels.Email.Address
		d.Email = &addr
	}
	return d
}
