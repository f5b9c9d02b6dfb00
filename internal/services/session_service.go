package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"matteragent/internal/database"
	"matteragent/internal/models"
)

// AppNamespacePrefix scopes stored sessions so other consumers of the same
// database cannot collide with chat sessions.
const AppNamespacePrefix = "chatbot_"

// QualifyApp maps a request's app name onto the stored namespace.
func QualifyApp(appName string) string {
	return AppNamespacePrefix + appName
}

// SessionSummary is one row of a user's session listing.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"last_update_time"`
	Events    int       `json:"event_count"`
}

// SessionStore persists conversation sessions and their event logs. The
// Mongo-backed SessionService implements it; tests use in-memory fakes.
type SessionStore interface {
	EnsureSession(ctx context.Context, userID, sessionID, appName string) (*models.ChatSession, error)
	GetSession(ctx context.Context, userID, sessionID, appName string) (*models.ChatSession, error)
	ListSessions(ctx context.Context, userID, appName string) ([]SessionSummary, error)
	AppendEvents(ctx context.Context, userID, sessionID, appName string, events []models.SessionEvent) error
	DeleteSession(ctx context.Context, userID, sessionID, appName string) error
}

// SessionService is the MongoDB-backed session store.
type SessionService struct {
	db *database.MongoDB
}

func NewSessionService(db *database.MongoDB) *SessionService {
	return &SessionService{db: db}
}

func (s *SessionService) collection() *mongo.Collection {
	return s.db.Collection(database.CollectionSessions)
}

func sessionFilter(userID, sessionID, appName string) bson.M {
	return bson.M{
		"userId":    userID,
		"appName":   QualifyApp(appName),
		"sessionId": sessionID,
	}
}

// EnsureSession returns the session, creating it on first contact.
func (s *SessionService) EnsureSession(ctx context.Context, userID, sessionID, appName string) (*models.ChatSession, error) {
	now := time.Now().UTC()
	update := bson.M{
		"$setOnInsert": bson.M{
			"userId":    userID,
			"appName":   QualifyApp(appName),
			"sessionId": sessionID,
			"events":    []models.SessionEvent{},
			"createdAt": now,
		},
		"$set": bson.M{"updatedAt": now},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var session models.ChatSession
	err := s.collection().FindOneAndUpdate(ctx, sessionFilter(userID, sessionID, appName), update, opts).Decode(&session)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure session %s: %w", sessionID, err)
	}
	return &session, nil
}

// GetSession loads a session or returns mongo.ErrNoDocuments when absent.
func (s *SessionService) GetSession(ctx context.Context, userID, sessionID, appName string) (*models.ChatSession, error) {
	var session models.ChatSession
	err := s.collection().FindOne(ctx, sessionFilter(userID, sessionID, appName)).Decode(&session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions returns a user's sessions for one app, most recent first.
func (s *SessionService) ListSessions(ctx context.Context, userID, appName string) ([]SessionSummary, error) {
	filter := bson.M{
		"userId":  userID,
		"appName": QualifyApp(appName),
	}
	opts := options.Find().
		SetSort(bson.M{"updatedAt": -1}).
		SetProjection(bson.M{
			"sessionId": 1,
			"createdAt": 1,
			"updatedAt": 1,
			"events":    1,
		})

	cursor, err := s.collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer cursor.Close(ctx)

	summaries := make([]SessionSummary, 0)
	for cursor.Next(ctx) {
		var session models.ChatSession
		if err := cursor.Decode(&session); err != nil {
			log.Printf("⚠️ Skipping undecodable session: %v", err)
			continue
		}
		summaries = append(summaries, SessionSummary{
			SessionID: session.SessionID,
			CreatedAt: session.CreatedAt,
			UpdatedAt: session.UpdatedAt,
			Events:    len(session.Events),
		})
	}
	return summaries, cursor.Err()
}

// AppendEvents appends turn fragments to the session's event log and bumps
// the update time.
func (s *SessionService) AppendEvents(ctx context.Context, userID, sessionID, appName string, events []models.SessionEvent) error {
	if len(events) == 0 {
		return nil
	}
	update := bson.M{
		"$push": bson.M{"events": bson.M{"$each": events}},
		"$set":  bson.M{"updatedAt": time.Now().UTC()},
	}
	result, err := s.collection().UpdateOne(ctx, sessionFilter(userID, sessionID, appName), update)
	if err != nil {
		return fmt.Errorf("failed to append session events: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("session %s not found for append", sessionID)
	}
	return nil
}

// DeleteSession removes a session and its event log.
func (s *SessionService) DeleteSession(ctx context.Context, userID, sessionID, appName string) error {
	result, err := s.collection().DeleteOne(ctx, sessionFilter(userID, sessionID, appName))
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	if result.DeletedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}
