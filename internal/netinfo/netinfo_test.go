package netinfo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMachineIPReturnsNonEmptyAddress(t *testing.T) {
	ip, err := MachineIP()
	assert.NoError(t, err)
	assert.NotEmpty(t, ip)
}

func TestPublicIPResolverUsesEchoService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("203.0.113.42\n"))
	}))
	defer srv.Close()

	resolver := NewPublicIPResolver(srv.URL, time.Second)
	ip := resolver.Resolve(context.Background(), "10.0.0.1")
	assert.Equal(t, "203.0.113.42", ip)
}

func TestPublicIPResolverFallsBackToLocalOnFailure(t *testing.T) {
	resolver := NewPublicIPResolver("http://127.0.0.1:1", 50*time.Millisecond)
	ip := resolver.Resolve(context.Background(), "10.0.0.1")
	assert.Equal(t, "10.0.0.1", ip)
}

func TestPublicIPResolverCachesResult(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("198.51.100.7"))
	}))
	defer srv.Close()

	resolver := NewPublicIPResolver(srv.URL, time.Second)
	first := resolver.Resolve(context.Background(), "10.0.0.1")
	second := resolver.Resolve(context.Background(), "10.0.0.1")

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}
