package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"

	"gridbot-orchestrator/internal/models"
)

// ManualStopReason is recorded when a bot is stopped from the bots file.
const ManualStopReason = "manual"

var (
	botPrefix      = []byte("bot/")
	snapshotPrefix = []byte("snapshot/")
)

func botKey(id string) []byte      { return append(append([]byte{}, botPrefix...), id...) }
func snapshotKey(id string) []byte { return append(append([]byte{}, snapshotPrefix...), id...) }

// badgerStore is the BadgerDB implementation of the Store.
type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates and returns a new store connected to a BadgerDB database.
func NewBadgerStore(dbPath string) (Store, error) {
	opts := badger.DefaultOptions(dbPath)
	// Keep the app's logs clean; errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) ListBots() ([]models.Bot, error) {
	return s.listBots(func(models.Bot) bool { return true })
}

func (s *badgerStore) LoadRunningBots() ([]models.Bot, error) {
	return s.listBots(func(b models.Bot) bool { return b.Status == models.BotRunning })
}

func (s *badgerStore) listBots(keep func(models.Bot) bool) ([]models.Bot, error) {
	var bots []models.Bot
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(botPrefix); it.ValidForPrefix(botPrefix); it.Next() {
			var bot models.Bot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &bot)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if keep(bot) {
				bots = append(bots, bot)
			}
		}
		return nil
	})
	return bots, err
}

func (s *badgerStore) GetBot(id string) (*models.Bot, error) {
	var bot *models.Bot
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		bot, err = getBot(txn, id)
		return err
	})
	return bot, err
}

func getBot(txn *badger.Txn, id string) (*models.Bot, error) {
	item, err := txn.Get(botKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var bot models.Bot
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &bot)
	}); err != nil {
		return nil, err
	}
	return &bot, nil
}

func putBot(txn *badger.Txn, bot models.Bot) error {
	data, err := json.Marshal(bot)
	if err != nil {
		return err
	}
	return txn.Set(botKey(bot.ID), data)
}

func (s *badgerStore) UpsertBot(bot models.Bot) error {
	if bot.ID == "" {
		return errors.New("bot id is required")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return putBot(txn, bot)
	})
}

func (s *badgerStore) DeleteBot(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(botKey(id))
	})
}

func (s *badgerStore) MarkStopped(id, reason string, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		bot, err := getBot(txn, id)
		if err != nil {
			return err
		}
		bot.Status = models.BotStopped
		bot.StopReason = reason
		bot.StoppedAt = at
		bot.UpdatedAt = at
		return putBot(txn, *bot)
	})
}

// SaveRuntimeSnapshot overwrites the previous snapshot; no history is kept.
func (s *badgerStore) SaveRuntimeSnapshot(snap models.RuntimeSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(snap.BotID), data)
	})
}

// LoadRuntimeSnapshot returns (nil, nil) to indicate no snapshot is present.
func (s *badgerStore) LoadRuntimeSnapshot(botID string) (*models.RuntimeSnapshot, error) {
	var snap models.RuntimeSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(botID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("snapshot value is empty in database")
			}
			return json.Unmarshal(val, &snap)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// SyncBots makes the stored registry match defs. Configs are replaced in place;
// a status is only applied when the desired status in the file changed, so a
// bot halted by a risk stop stays stopped until someone edits its status.
func (s *badgerStore) SyncBots(defs []models.BotDefinition, now time.Time) (SyncResult, error) {
	var res SyncResult
	err := s.db.Update(func(txn *badger.Txn) error {
		seen := make(map[string]bool, len(defs))
		for _, def := range defs {
			if def.ID == "" {
				return errors.New("bot definition without id")
			}
			if seen[def.ID] {
				return fmt.Errorf("duplicate bot id %q", def.ID)
			}
			seen[def.ID] = true

			desired := def.Status
			if desired == "" {
				desired = models.BotRunning
			}

			existing, err := getBot(txn, def.ID)
			if errors.Is(err, ErrBotNotFound) {
				res.Created++
				if err := putBot(txn, models.Bot{
					ID:            def.ID,
					Name:          def.Name,
					Config:        def.Config,
					Status:        desired,
					DesiredStatus: desired,
					UpdatedAt:     now,
				}); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			bot := *existing
			changed := false
			if bot.Config.Hash() != def.Config.Hash() || bot.Name != def.Name {
				bot.Config = def.Config
				bot.Name = def.Name
				res.Updated++
				changed = true
			}
			if bot.DesiredStatus != desired {
				bot.DesiredStatus = desired
				switch {
				case desired == models.BotRunning && bot.Status != models.BotRunning:
					bot.Status = models.BotRunning
					bot.StopReason = ""
					bot.StoppedAt = time.Time{}
					res.Restarted++
				case desired == models.BotStopped && bot.Status == models.BotRunning:
					bot.Status = models.BotStopped
					bot.StopReason = ManualStopReason
					bot.StoppedAt = now
					res.Stopped++
				}
				changed = true
			}
			if !changed {
				continue
			}
			bot.UpdatedAt = now
			if err := putBot(txn, bot); err != nil {
				return err
			}
		}

		// badger rejects writes while an iterator is open on the txn
		var stale [][]byte
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		for it.Seek(botPrefix); it.ValidForPrefix(botPrefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if !seen[string(key[len(botPrefix):])] {
				stale = append(stale, key)
			}
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
			res.Deleted++
		}
		return nil
	})
	if err != nil {
		return SyncResult{}, err
	}
	return res, nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
