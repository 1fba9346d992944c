package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"busattend/internal/auth"
)

func hit(t *testing.T, r *gin.Engine, device string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	if device != "" {
		req.Header.Set("X-Device", device)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

// Devices behind one NAT address must each get their own bucket, which
// requires the limiter to run after claims are set.
func TestTokenBucket_KeyedPerDevice(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewTokenBucket(1, 1)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("claims", auth.DeviceClaims{DeviceID: c.GetHeader("X-Device")})
	}, limiter.GinMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, device := range []string{"bus-1", "bus-2"} {
		if code := hit(t, r, device); code != http.StatusOK {
			t.Errorf("device %s: status = %d, want 200; devices sharing an IP must not share a bucket", device, code)
		}
	}

	if code := hit(t, r, "bus-1"); code != http.StatusTooManyRequests {
		t.Errorf("drained device bucket: status = %d, want 429", code)
	}
}

func TestTokenBucket_FallsBackToClientIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewTokenBucket(1, 1)

	r := gin.New()
	r.Use(limiter.GinMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	if code := hit(t, r, ""); code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", code)
	}
	if code := hit(t, r, ""); code != http.StatusTooManyRequests {
		t.Errorf("second request from the same IP: status = %d, want 429", code)
	}
}
