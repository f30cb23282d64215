// ABOUTME: Tests for the websocket client transport against a live relay
// ABOUTME: Tests announcements, subscriptions, data both ways and close propagation
package transport_test

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Resonate-Protocol/agora/internal/relay"
	"github.com/Resonate-Protocol/agora/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func startRelay(t *testing.T) string {
	t.Helper()
	srv := relay.New(relay.Config{Name: "test"}, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/agora"
}

func dial(t *testing.T, ctx context.Context, url string) *transport.Client {
	t.Helper()
	c, err := transport.Dial(ctx, url, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, anns <-chan transport.Announcement, want transport.Announcement) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ann, ok := <-anns:
			require.True(t, ok, "directory closed")
			if ann == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %+v", want)
		}
	}
}

func nextRequest(t *testing.T, g transport.Group) transport.Request {
	t.Helper()
	select {
	case req := <-g.Requests():
		return req
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for request")
		return transport.Request{}
	}
}

// connectPeers publishes room/a from one client and subscribes to name
// from another.
func connectPeers(t *testing.T, name string) (transport.Group, <-chan transport.Announcement, transport.Channel, transport.Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	url := startRelay(t)
	alice := dial(t, ctx, url)
	bob := dial(t, ctx, url)

	anns, err := bob.Directory(ctx, "room/")
	require.NoError(t, err)

	g, err := alice.Publish(ctx, "room/a")
	require.NoError(t, err)
	waitFor(t, anns, transport.Announcement{Address: "room/a", Active: true})

	remote, err := bob.Consume("room/a")
	require.NoError(t, err)
	sub, err := remote.Subscribe(ctx, name, 1)
	require.NoError(t, err)

	req := nextRequest(t, g)
	assert.Equal(t, name, req.Name)
	return g, anns, sub, req.Channel
}

func TestClientDataBothWays(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, sub, served := connectPeers(t, "position")

	require.NoError(t, served.WriteJSON(map[string]float64{"x": 12.5}))
	raw, err := sub.ReadJSON(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":12.5}`, string(raw))

	require.NoError(t, sub.WriteFrame([]byte{0xde, 0xad}))
	msg, err := served.ReadMessage(ctx)
	require.NoError(t, err)
	assert.True(t, msg.Frame)
	assert.Equal(t, []byte{0xde, 0xad}, msg.Data)
}

func TestClientCloseReasonCrossesRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, sub, served := connectPeers(t, "bogus")
	served.Close(transport.ErrUnknownChannel)

	_, err := sub.ReadMessage(ctx)
	assert.ErrorIs(t, err, transport.ErrUnknownChannel)
}

func TestClientCleanCloseIsEOF(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, sub, served := connectPeers(t, "speaking")
	require.NoError(t, served.WriteJSON(1))
	served.Close(nil)

	raw, err := sub.ReadJSON(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", string(raw))
	_, err = sub.ReadJSON(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestClientGroupCloseWithdraws(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, anns, sub, _ := connectPeers(t, "audio")
	require.NoError(t, g.Close())

	waitFor(t, anns, transport.Announcement{Address: "room/a", Active: false})
	_, err := sub.ReadFrame(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestClientSubscribeNotFound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(t, ctx, startRelay(t))
	remote, err := c.Consume("room/nobody")
	require.NoError(t, err)

	_, err = remote.Subscribe(ctx, "position", 0)
	assert.ErrorIs(t, err, transport.ErrNotFound)
}

func TestClientClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(t, ctx, startRelay(t))
	anns, err := c.Directory(ctx, "room/")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("client not done")
	}
	assert.NoError(t, c.Err())

	select {
	case _, ok := <-anns:
		assert.False(t, ok)
	case <-time.After(waitTimeout):
		t.Fatal("directory not closed")
	}

	_, err = c.Publish(ctx, "room/a")
	assert.ErrorIs(t, err, transport.ErrClosed)
}
