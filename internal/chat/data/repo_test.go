package data

import (
	"context"
	"testing"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/biz"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	apperrors "github.com/lk2023060901/ai-chat-stream/internal/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threadAt(updated int64, content string) *types.Thread {
	t := types.NewThread(types.NewUserMessage(content, nil))
	t.UpdatedAt = updated
	return t
}

// runRepoContract checks the behaviour every ThreadRepo shares
func runRepoContract(t *testing.T, repo biz.ThreadRepo) {
	ctx := context.Background()

	t.Run("missing thread", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing")
		assert.True(t, apperrors.Is(err, apperrors.ErrThreadNotFound))
		assert.True(t, apperrors.Is(repo.Delete(ctx, "missing"), apperrors.ErrThreadNotFound))
	})

	t.Run("save and get", func(t *testing.T) {
		thread := threadAt(100, "hello")
		thread.PreviousResponseID = "resp_1"
		thread.UploadedFileIDs = []string{"file_1"}
		require.NoError(t, repo.Save(ctx, thread))

		got, err := repo.Get(ctx, thread.ID)
		require.NoError(t, err)
		assert.Equal(t, thread.Title, got.Title)
		assert.Equal(t, "resp_1", got.PreviousResponseID)
		assert.Equal(t, []string{"file_1"}, got.UploadedFileIDs)
		require.Len(t, got.Messages, 1)
		assert.Equal(t, "hello", got.Messages[0].Content)

		thread.Title = "Greeting"
		require.NoError(t, repo.Save(ctx, thread))
		got, err = repo.Get(ctx, thread.ID)
		require.NoError(t, err)
		assert.Equal(t, "Greeting", got.Title)

		require.NoError(t, repo.Delete(ctx, thread.ID))
		_, err = repo.Get(ctx, thread.ID)
		assert.True(t, apperrors.Is(err, apperrors.ErrThreadNotFound))
	})

	t.Run("list newest first", func(t *testing.T) {
		old := threadAt(100, "old")
		newest := threadAt(300, "newest")
		middle := threadAt(200, "middle")
		for _, th := range []*types.Thread{old, newest, middle} {
			require.NoError(t, repo.Save(ctx, th))
		}
		t.Cleanup(func() {
			for _, th := range []*types.Thread{old, newest, middle} {
				_ = repo.Delete(ctx, th.ID)
			}
		})

		list, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{newest.ID, middle.ID, old.ID}, []string{list[0].ID, list[1].ID, list[2].ID})

		// a later save moves a thread to the front
		old.UpdatedAt = 400
		require.NoError(t, repo.Save(ctx, old))
		list, err = repo.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, old.ID, list[0].ID)
		assert.Len(t, list, 3)
	})
}
