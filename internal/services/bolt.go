package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a chat or chunk does not exist.
var ErrNotFound = errors.New("not found")

var (
	chatsBucket    = []byte("chats")
	chunksBucket   = []byte("chunks")
	settingsBucket = []byte("settings")
)

// BoltDB persists role-play chats with their messages, text chunks and settings blobs. Messages and
// chunks are keyed by a bucket sequence so iteration returns them in insertion order.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{chatsBucket, chunksBucket, settingsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})

	return BoltDB{db: db}, err
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Chats retrieves all stored chat records from the database, newest first.
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

// Chat returns the chat with the given ID.
func (b BoltDB) Chat(_ context.Context, id string) (models.Chat, error) {
	var chat models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(chatsBucket).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("chat %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(v, &chat)
	})
	return chat, err
}

// AddChat stores a new chat record in the database and creates an associated message bucket. It
// generates a unique ID for the chat by combining a sequence number with the chat's original ID,
// and returns the new ID or an error if the operation fails.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chatsBucket)

		idPrefix, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		// Zero padded so the key order follows creation order.
		newID = fmt.Sprintf("%010d-%s", idPrefix, chat.ID)
		chat.ID = newID

		if _, err = tx.CreateBucketIfNotExists(messageBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}

		return b.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateChat modifies an existing chat record in the database.
func (b BoltDB) UpdateChat(_ context.Context, chat models.Chat) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chatsBucket)
		if b.Get([]byte(chat.ID)) == nil {
			return fmt.Errorf("chat %s: %w", chat.ID, ErrNotFound)
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}

		return b.Put([]byte(chat.ID), v)
	})
}

// DeleteChat removes the chat and all of its messages.
func (b BoltDB) DeleteChat(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(chatsBucket).Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.DeleteBucket(messageBucketName(id)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		return nil
	})
}

// Messages retrieves all messages associated with the specified chat ID. It returns the messages
// in their stored order or an error if the database operation fails.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(chatID))
		if b == nil {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}

		return b.ForEach(func(_, v []byte) error {
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

// AddMessage appends a message to the chat.
func (b BoltDB) AddMessage(_ context.Context, chatID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(chatID))
		if b == nil {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		return putSeq(b, message)
	})
}

// SetMessages replaces every message of the chat with messages, in order.
func (b BoltDB) SetMessages(_ context.Context, chatID string, messages []models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		name := messageBucketName(chatID)
		if tx.Bucket(name) == nil {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		if err := tx.DeleteBucket(name); err != nil {
			return fmt.Errorf("failed to clear messages: %w", err)
		}
		b, err := tx.CreateBucket(name)
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		for _, msg := range messages {
			if err := putSeq(b, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

func putSeq(b *bolt.Bucket, value any) error {
	seq, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to get next sequence: %w", err)
	}
	v, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return b.Put(seqKey(seq), v)
}

// Chunks returns every stored chunk in insertion order.
func (b BoltDB) Chunks(context.Context) ([]models.TextChunk, error) {
	var chunks []models.TextChunk
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chunksBucket).ForEach(func(_, v []byte) error {
			var chunk models.TextChunk
			if err := json.Unmarshal(v, &chunk); err != nil {
				return fmt.Errorf("failed to unmarshal chunk: %w", err)
			}
			chunks = append(chunks, chunk)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// Chunk returns the chunk with the given ID.
func (b BoltDB) Chunk(_ context.Context, id string) (models.TextChunk, error) {
	var chunk models.TextChunk
	err := b.db.View(func(tx *bolt.Tx) error {
		_, v := findChunk(tx.Bucket(chunksBucket), id)
		if v == nil {
			return fmt.Errorf("chunk %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(v, &chunk)
	})
	return chunk, err
}

// SaveChunk stores chunk, replacing the stored chunk with the same ID or appending it.
func (b BoltDB) SaveChunk(_ context.Context, chunk models.TextChunk) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chunksBucket)
		k, _ := findChunk(b, chunk.ID)
		if k == nil {
			return putSeq(b, chunk)
		}
		v, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk: %w", err)
		}
		return b.Put(slices.Clone(k), v)
	})
}

// DeleteChunk removes the chunk with the given ID.
func (b BoltDB) DeleteChunk(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chunksBucket)
		k, _ := findChunk(b, id)
		if k == nil {
			return fmt.Errorf("chunk %s: %w", id, ErrNotFound)
		}
		return b.Delete(k)
	})
}

// findChunk scans for the chunk with the given ID. The returned slices are only valid inside the
// transaction.
func findChunk(b *bolt.Bucket, id string) ([]byte, []byte) {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var head struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(v, &head) == nil && head.ID == id {
			return k, v
		}
	}
	return nil, nil
}

// Setting returns the raw blob stored under key, or nil when there is none.
func (b BoltDB) Setting(_ context.Context, key string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(settingsBucket).Get([]byte(key)); v != nil {
			raw = slices.Clone(v)
		}
		return nil
	})
	return raw, err
}

// PutSetting stores value under key. value must be valid JSON.
func (b BoltDB) PutSetting(_ context.Context, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("setting %s is not valid JSON", key)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(key), value)
	})
}
