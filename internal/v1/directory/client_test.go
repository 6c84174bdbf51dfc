package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_UserExists_True(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/exists/user-a", r.URL.Path)
		w.Write([]byte(`{"exists":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	exists, err := c.UserExists(context.Background(), "user-a")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestClient_UserExists_NotFoundMeansFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	exists, err := c.UserExists(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClient_ResolveInstall_Found(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"userId":"user-a"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	userID, ok, err := c.ResolveInstall(context.Background(), "install-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "user-a", string(userID))
}

func TestClient_Friends_ReturnsList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"friends":["user-b","user-c"]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	friends, err := c.Friends(context.Background(), "user-a")
	require.NoError(t, err)
	got := make([]string, len(friends))
	for i, f := range friends {
		got[i] = string(f)
	}
	assert.ElementsMatch(t, []string{"user-b", "user-c"}, got)
}

func TestClient_Nick_ReturnsValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"nick":"Ash"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	nick, err := c.Nick(context.Background(), "user-a")
	require.NoError(t, err)
	assert.Equal(t, "Ash", nick)
}

func TestClient_DeliverQueued_PostsAndSucceeds(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	err := c.DeliverQueued(context.Background(), "user-a")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
}

func TestClient_ServerError_Propagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	_, err := c.UserExists(context.Background(), "user-a")
	assert.Error(t, err)
}

