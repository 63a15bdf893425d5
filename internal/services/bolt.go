package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/eduzmena/chatbot/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB stores chats and their transcripts in a bbolt file. Chats live in one bucket; each chat's
// messages live in a bucket of their own, keyed by a sequence-prefixed id so that iteration follows
// insertion order.
type BoltDB struct {
	db *bolt.DB
}

var (
	chatsBucket = []byte("chats")

	// ErrChatNotFound is returned when a message is added to a chat that does not exist.
	ErrChatNotFound = errors.New("chat not found")
)

// NewBoltDB opens, or creates with 0600 permissions, the database at path.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create chats bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

// Chats returns every chat, most recent first.
func (b BoltDB) Chats(context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			chats = append(chats, chat)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(chats)
	return chats, nil
}

// Chat returns one chat. The second result is false when it does not exist.
func (b BoltDB) Chat(_ context.Context, chatID string) (models.Chat, bool, error) {
	var (
		chat  models.Chat
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(chatsBucket).Get([]byte(chatID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &chat)
	})
	if err != nil {
		return models.Chat{}, false, fmt.Errorf("failed to get chat: %w", err)
	}
	return chat, found, nil
}

// AddChat stores a chat and creates its message bucket. The stored id is the chat's id prefixed with
// a zero-padded sequence number; it is returned.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(chatsBucket)

		seq, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%020d-%s", seq, chat.ID)
		chat.ID = newID
		if chat.CreatedAt.IsZero() {
			chat.CreatedAt = time.Now()
		}

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}
		return bkt.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateChat replaces a stored chat. Unknown chats are ignored.
func (b BoltDB) UpdateChat(_ context.Context, chat models.Chat) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(chatsBucket)
		if bkt.Get([]byte(chat.ID)) == nil {
			return nil
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}
		return bkt.Put([]byte(chat.ID), v)
	})
}

// Messages returns the transcript of a chat in insertion order. Unknown chats have no messages.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(chatID))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage appends a message to a chat and returns its stored id.
func (b BoltDB) AddMessage(_ context.Context, chatID string, message models.Message) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(chatID))
		if bkt == nil {
			return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
		}

		seq, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		// Zero padding keeps the byte order of keys equal to insertion order.
		newID = fmt.Sprintf("%020d-%s", seq, message.ID)
		message.ID = newID

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bkt.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateMessage replaces a stored message. Unknown chats are ignored.
func (b BoltDB) UpdateMessage(_ context.Context, chatID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(chatID))
		if bkt == nil {
			return nil
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bkt.Put([]byte(message.ID), v)
	})
}
