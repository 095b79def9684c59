package integration

import (
	"net/http"
	"testing"
)

func TestHarnessStartup(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		resp := h.GET("/health", "")
		h.AssertStatus(t, resp, http.StatusOK)

		var body map[string]any
		h.ParseJSON(resp, &body)
		if body["status"] != "ok" {
			t.Errorf("health status = %v, want ok", body["status"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		resp := h.GET("/ready", "")
		h.AssertStatus(t, resp, http.StatusOK)
	})
}

func TestAuthenticationRequired(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("no token returns 401", func(t *testing.T) {
		resp := h.GET("/v1/executions", "")
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("expired token returns 401", func(t *testing.T) {
		resp := h.GET("/v1/executions", h.GenerateExpiredToken())
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("invalid token returns 401", func(t *testing.T) {
		resp := h.GET("/v1/executions", "not.a.token")
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("valid token returns 200", func(t *testing.T) {
		resp := h.GET("/v1/executions", h.GenerateToken())
		h.AssertStatus(t, resp, http.StatusOK)
	})

	t.Run("health bypasses auth", func(t *testing.T) {
		resp := h.GET("/health", "")
		h.AssertStatus(t, resp, http.StatusOK)
	})
}

func TestAuthDisabled(t *testing.T) {
	h := NewTestHarness(t, WithoutAuth())

	resp := h.GET("/v1/executions", "")
	h.AssertStatus(t, resp, http.StatusOK)
}
