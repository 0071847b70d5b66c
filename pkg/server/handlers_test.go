package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studylink/studylink/pkg/protocol"
)

func TestResolveIdentity(t *testing.T) {
	srv, ts := newTestServer(t)
	_, alice := signup(t, ts, "alice")
	ctx := context.Background()

	t.Run("session identity wins", func(t *testing.T) {
		userID, err := srv.resolveIdentity(ctx, alice.ID, &protocol.AuthPayload{})
		require.NoError(t, err)
		assert.Equal(t, alice.ID, userID)
	})

	t.Run("session for missing user fails without falling through", func(t *testing.T) {
		// A valid token in the same envelope must not rescue a session
		// whose user no longer exists.
		_, err := srv.resolveIdentity(ctx, "ghost", &protocol.AuthPayload{
			Token: srv.issuer.Issue(alice.ID),
		})
		require.ErrorIs(t, err, errAuthFailed)
	})

	t.Run("token resolves user", func(t *testing.T) {
		userID, err := srv.resolveIdentity(ctx, "", &protocol.AuthPayload{
			Token: srv.issuer.Issue(alice.ID),
		})
		require.NoError(t, err)
		assert.Equal(t, alice.ID, userID)
	})

	t.Run("token for missing user fails", func(t *testing.T) {
		_, err := srv.resolveIdentity(ctx, "", &protocol.AuthPayload{
			Token: srv.issuer.Issue("ghost"),
		})
		require.ErrorIs(t, err, errAuthFailed)
	})

	t.Run("existence fallback", func(t *testing.T) {
		userID, err := srv.resolveIdentity(ctx, "", &protocol.AuthPayload{UserID: alice.ID})
		require.NoError(t, err)
		assert.Equal(t, alice.ID, userID)
	})

	t.Run("existence fallback for missing user fails", func(t *testing.T) {
		_, err := srv.resolveIdentity(ctx, "", &protocol.AuthPayload{UserID: "ghost"})
		require.ErrorIs(t, err, errAuthFailed)
	})

	t.Run("no credentials fails", func(t *testing.T) {
		_, err := srv.resolveIdentity(ctx, "", &protocol.AuthPayload{})
		require.ErrorIs(t, err, errAuthFailed)
	})
}
