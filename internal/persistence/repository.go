package persistence

import (
	"errors"
	"time"

	"gridbot-orchestrator/internal/models"
)

// ErrBotNotFound is returned when a bot id has no record.
var ErrBotNotFound = errors.New("bot not found")

// SyncResult counts what a bots-file sync changed.
type SyncResult struct {
	Created   int
	Updated   int
	Restarted int
	Stopped   int
	Deleted   int
}

// Store defines the bot registry and runtime snapshot persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the control loop.
type Store interface {
	// ListBots returns every bot record ordered by id.
	ListBots() ([]models.Bot, error)

	// LoadRunningBots returns the bots whose status is running, ordered by id.
	LoadRunningBots() ([]models.Bot, error)

	// GetBot returns ErrBotNotFound when the id is unknown.
	GetBot(id string) (*models.Bot, error)

	// UpsertBot creates or replaces a bot record.
	UpsertBot(bot models.Bot) error

	// DeleteBot removes a bot record. Deleting an unknown id is not an error.
	DeleteBot(id string) error

	// MarkStopped sets the bot to stopped with a reason and timestamp.
	MarkStopped(id, reason string, at time.Time) error

	// SaveRuntimeSnapshot overwrites the bot's last runtime snapshot.
	SaveRuntimeSnapshot(snap models.RuntimeSnapshot) error

	// LoadRuntimeSnapshot returns (nil, nil) when no snapshot exists.
	LoadRuntimeSnapshot(botID string) (*models.RuntimeSnapshot, error)

	// SyncBots applies a full set of bot definitions in one transaction.
	SyncBots(defs []models.BotDefinition, now time.Time) (SyncResult, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
