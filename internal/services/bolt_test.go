package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/MegaGrindStone/ai-experiments/internal/models"
	"github.com/MegaGrindStone/ai-experiments/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBoltDB(t *testing.T) services.BoltDB {
	t.Helper()

	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBoltDBChats(t *testing.T) {
	ctx := context.Background()
	db := newBoltDB(t)

	chats, err := db.Chats(ctx)
	require.NoError(t, err)
	assert.Empty(t, chats)

	id1, err := db.AddChat(ctx, models.Chat{ID: "tavern", Title: "Tavern", Characters: []string{"Alice", "Bob"}})
	require.NoError(t, err)
	assert.Equal(t, "0000000001-tavern", id1)

	id2, err := db.AddChat(ctx, models.Chat{ID: "castle", Title: "Castle"})
	require.NoError(t, err)
	assert.Equal(t, "0000000002-castle", id2)

	chats, err = db.Chats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, id2, chats[0].ID)
	assert.Equal(t, id1, chats[1].ID)

	chat, err := db.Chat(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob"}, chat.Characters)

	chat.Description = "A noisy tavern."
	require.NoError(t, db.UpdateChat(ctx, chat))
	chat, err = db.Chat(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "A noisy tavern.", chat.Description)

	err = db.UpdateChat(ctx, models.Chat{ID: "missing"})
	assert.ErrorIs(t, err, services.ErrNotFound)

	require.NoError(t, db.DeleteChat(ctx, id1))
	_, err = db.Chat(ctx, id1)
	assert.ErrorIs(t, err, services.ErrNotFound)
	_, err = db.Messages(ctx, id1)
	assert.ErrorIs(t, err, services.ErrNotFound)

	require.NoError(t, db.DeleteChat(ctx, "never-existed"))
}

func TestBoltDBMessages(t *testing.T) {
	ctx := context.Background()
	db := newBoltDB(t)

	id, err := db.AddChat(ctx, models.Chat{ID: "c"})
	require.NoError(t, err)

	msgs, err := db.Messages(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// More than nine messages so lexical and numeric key order would differ.
	var want []models.Message
	for i := range 12 {
		msg := models.NewMessage(models.MessageTypeMessage, "Alice", fmt.Sprintf("line %d", i))
		want = append(want, msg)
		require.NoError(t, db.AddMessage(ctx, id, msg))
	}

	msgs, err = db.Messages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 12)
	for i := range want {
		assert.Equal(t, want[i].ID, msgs[i].ID)
		assert.Equal(t, want[i].Content, msgs[i].Content)
	}

	require.NoError(t, db.SetMessages(ctx, id, want[:2]))
	msgs, err = db.Messages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "line 1", msgs[1].Content)

	err = db.AddMessage(ctx, "missing", want[0])
	assert.ErrorIs(t, err, services.ErrNotFound)
	err = db.SetMessages(ctx, "missing", want)
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestBoltDBChunks(t *testing.T) {
	ctx := context.Background()
	db := newBoltDB(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, db.SaveChunk(ctx, models.TextChunk{ID: id, Title: "Chunk " + id}))
	}

	chunk, err := db.Chunk(ctx, "b")
	require.NoError(t, err)
	chunk.Content = "updated"
	require.NoError(t, db.SaveChunk(ctx, chunk))

	chunks, err := db.Chunks(ctx)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "a", chunks[0].ID)
	assert.Equal(t, "updated", chunks[1].Content)
	assert.Equal(t, "c", chunks[2].ID)

	require.NoError(t, db.DeleteChunk(ctx, "a"))
	_, err = db.Chunk(ctx, "a")
	assert.ErrorIs(t, err, services.ErrNotFound)
	assert.ErrorIs(t, db.DeleteChunk(ctx, "a"), services.ErrNotFound)

	chunks, err = db.Chunks(ctx)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
}

func TestBoltDBSettings(t *testing.T) {
	ctx := context.Background()
	db := newBoltDB(t)

	raw, err := db.Setting(ctx, "ui")
	require.NoError(t, err)
	assert.Nil(t, raw)

	assert.Error(t, db.PutSetting(ctx, "ui", json.RawMessage(`{"theme":`)))

	require.NoError(t, db.PutSetting(ctx, "ui", json.RawMessage(`{"theme":"dark"}`)))
	raw, err = db.Setting(ctx, "ui")
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"dark"}`, string(raw))
}
