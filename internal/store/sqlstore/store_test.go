package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pliu/chatroom/internal/models"
)

var testStore *SQLStore

func SetupTestDB(t *testing.T) {
	var err error
	testStore, err = New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
}

func TeardownTestDB() {
	testStore.db.Close()
}

func mustCreateUser(t *testing.T, username string) *models.User {
	t.Helper()
	user := &models.User{Username: username, Email: username + "@example.com", Password: "pass"}
	require.NoError(t, testStore.CreateUser(context.Background(), user))
	return user
}

func mustCreateRoom(t *testing.T, name string, owner *models.User, members ...*models.User) *models.ChatRoom {
	t.Helper()
	ctx := context.Background()
	room := &models.ChatRoom{Name: name, Slug: name, CreatedBy: owner.ID}
	require.NoError(t, testStore.CreateRoom(ctx, room))
	_, err := testStore.AddMember(ctx, room.ID, owner.ID, true)
	require.NoError(t, err)
	for _, m := range members {
		_, err := testStore.AddMember(ctx, room.ID, m.ID, false)
		require.NoError(t, err)
	}
	return room
}
