package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warprelay/internal/signaling"
)

func TestFetchStats(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"mode":"buffered","peers":[{"id":"a","name":"Brave Otter"}],"rooms":[],"transfers":[],"namesFree":7}`))
	}))
	defer ts.Close()

	stats, err := fetchStats(context.Background(), ts.URL+"/stats")
	require.NoError(t, err)
	assert.Equal(t, signaling.ModeBuffered, stats.Mode)
	require.Len(t, stats.Peers, 1)
	assert.Equal(t, "Brave Otter", stats.Peers[0].Name)
	assert.Equal(t, 7, stats.NamesFree)

	_, err = fetchStats(context.Background(), ts.URL+"/missing")
	assert.ErrorContains(t, err, "unexpected status 404")
}

func TestPoolWarning(t *testing.T) {
	_, ok := poolWarning(signaling.Stats{NamesFree: 3})
	assert.False(t, ok)

	msg, ok := poolWarning(signaling.Stats{Peers: []signaling.DeviceInfo{{ID: "a"}, {ID: "b"}}})
	require.True(t, ok)
	assert.Equal(t, "Name pool exhausted with 2 devices online; new registrations will fail", msg)
}
