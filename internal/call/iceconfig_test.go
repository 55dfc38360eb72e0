package call

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestICEConfigClient_FetchesServers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"urls":["stun:stun.example.org:3478"]},
			{"urls":["turn:turn.example.org:3478"],"username":"u","credential":"p"}
		]`))
	}))
	defer srv.Close()

	c := NewICEConfigClient(srv.URL)
	servers := c.Servers(context.Background())
	require.Len(t, servers, 2)
	require.Equal(t, []string{"stun:stun.example.org:3478"}, servers[0].URLs)
	require.Equal(t, "u", servers[1].Username)
	require.Equal(t, "p", servers[1].Credential)
}

func TestICEConfigClient_FallsBackOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewICEConfigClient(srv.URL)
	servers := c.Servers(context.Background())
	require.Equal(t, defaultICEServers(), servers)
}

func TestICEConfigClient_FallsBackWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewICEConfigClient(url)
	require.Equal(t, defaultICEServers(), c.Servers(context.Background()))
}

func TestICEConfigClient_FallsBackOnBadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"}`))
	}))
	defer srv.Close()

	c := NewICEConfigClient(srv.URL)
	require.Equal(t, defaultICEServers(), c.Servers(context.Background()))
}

func TestICEConfigClient_NilClientUsesDefault(t *testing.T) {
	var c *ICEConfigClient
	require.Equal(t, defaultICEServers(), c.Servers(context.Background()))
}
