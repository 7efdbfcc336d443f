package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/dg-devloper/mjopen-api-sub001/internal/config"
	"github.com/dg-devloper/mjopen-api-sub001/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestActionFromCustomID(t *testing.T) {
	cases := []struct {
		customID string
		want     model.TaskAction
	}{
		{"MJ::JOB::upsample::1::abc", model.ActionUpscale},
		{"MJ::JOB::variation::2::abc", model.ActionVariation},
		{"MJ::JOB::reroll::0::abc::SOLO", model.ActionReroll},
		{"MJ::JOB::pan_left::1::abc", model.ActionPan},
		{"MJ::Outpaint::50::abc::2::1", model.ActionZoom},
		{"MJ::CustomZoom::abc", model.ActionZoom},
		{"MJ::Inpaint::1::abc::SOLO", model.ActionInpaint},
		{"MJ::Job::PicReader::1", model.ActionDescribe},
		{"MJ::BOOKMARK::abc", model.ActionAction},
	}
	for _, tc := range cases {
		if got := actionFromCustomID(tc.customID); got != tc.want {
			t.Errorf("actionFromCustomID(%s) = %s, want %s", tc.customID, got, tc.want)
		}
	}
}

func TestSubmitBaseBotDefaults(t *testing.T) {
	if got := (submitBase{}).bot(); got != model.BotMidJourney {
		t.Fatalf("default bot = %s", got)
	}
	if got := (submitBase{BotType: "niji"}).bot(); got != model.BotNiji {
		t.Fatalf("niji bot = %s", got)
	}
	if got := (submitBase{BotType: "unknown"}).bot(); got != model.BotMidJourney {
		t.Fatalf("unknown bot = %s", got)
	}
}

// authRouter builds a router wearing only the auth middleware, the way
// the /mj group does.
func authRouter(secret string) *gin.Engine {
	s := &Server{log: testLogger(), cfg: &config.Config{APISecret: secret}}
	r := gin.New()
	grp := r.Group("/mj")
	grp.Use(s.authMiddleware())
	grp.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	return r
}

func TestAuthMiddleware(t *testing.T) {
	t.Run("open when unset", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/mj/ping", nil)
		authRouter("").ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
	})

	t.Run("rejects missing secret", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/mj/ping", nil)
		authRouter("s").ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
	})

	t.Run("accepts header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/mj/ping", nil)
		req.Header.Set("mj-api-secret", "s")
		authRouter("s").ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
	})

	t.Run("accepts bearer", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/mj/ping", nil)
		req.Header.Set("Authorization", "Bearer s")
		authRouter("s").ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
	})
}

func TestAdminAuthMiddleware(t *testing.T) {
	s := &Server{log: testLogger(), cfg: &config.Config{AdminSecret: "admin"}}
	r := gin.New()
	grp := r.Group("/admin")
	grp.Use(s.adminAuthMiddleware())
	grp.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/admin/ping", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status without key = %d, want 403", w.Code)
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/admin/ping", nil)
	req.Header.Set("X-Admin-Key", "admin")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status with key = %d, want 200", w.Code)
	}
}

func TestResponseEnvelope(t *testing.T) {
	ok := respOK("task-1")
	if ok.Code != CodeSuccess || ok.Result != "task-1" {
		t.Fatalf("respOK = %+v", ok)
	}
	er := respErr(CodeQueueFull, "queue full")
	if er.Code != CodeQueueFull || er.Description != "queue full" {
		t.Fatalf("respErr = %+v", er)
	}
}
