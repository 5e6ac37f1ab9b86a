package workflow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestHook_PostsToWorkflowPath(t *testing.T) {
	var path, auth atomic.Value
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		auth.Store(r.Header.Get("Authorization"))
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	h := NewHook(srv.URL, "key-1", time.Second, zap.NewNop())
	h.Notify("abandoned-cart", map[string]string{"checkoutId": "chk_1"})
	h.Wait()

	assert.Equal(t, "/abandoned-cart", path.Load())
	assert.Equal(t, "Bearer key-1", auth.Load())
	assert.Equal(t, "chk_1", body["checkoutId"])
}

func TestHook_FailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	h := NewHook(srv.URL, "", 20*time.Millisecond, zap.NewNop())
	start := time.Now()
	h.Notify("order-confirmed", nil)
	assert.Less(t, time.Since(start), 20*time.Millisecond)
	h.Wait()
}

func TestNilHook_IsNoop(t *testing.T) {
	h := NewHook("", "", 0, zap.NewNop())
	assert.Nil(t, h)
	h.Notify("anything", nil)
	h.Wait()
}
