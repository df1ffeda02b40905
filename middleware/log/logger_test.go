package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/Gopher0727/GroupChat/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("stdout json", func(t *testing.T) {
		l, err := NewLogger(&config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"})
		require.NoError(t, err)
		l.Info("hello")
		assert.NoError(t, l.Close())
	})

	t.Run("file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "chat.log")
		l, err := NewLogger(&config.LoggingConfig{Level: "debug", Format: "json", Output: "file", FilePath: path})
		require.NoError(t, err)

		l.Info("user joined", ConnField("conn-1"))
		require.NoError(t, l.Close())

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), "user joined")
		assert.Contains(t, string(content), `"conn":"conn-1"`)
	})

	t.Run("file output requires path", func(t *testing.T) {
		_, err := NewLogger(&config.LoggingConfig{Output: "file"})
		assert.Error(t, err)
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("info"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("bogus"))
}

func TestTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "abc")
	assert.Equal(t, "abc", GetTraceID(ctx))

	generated := GetTraceID(WithTraceID(context.Background(), ""))
	assert.Len(t, generated, 36)

	assert.Empty(t, GetTraceID(context.Background()))
}

func TestGinLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinLogger(NewNop()), GinRecovery(NewNop()))

	var seen string
	r.GET("/ok", func(c *gin.Context) {
		seen = GetTraceID(c.Request.Context())
		c.Status(http.StatusOK)
	})
	r.GET("/boom", func(c *gin.Context) {
		panic("boom")
	})

	t.Run("propagates incoming trace id", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.Header.Set(TraceHeader, "trace-1")
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "trace-1", seen)
		assert.Equal(t, "trace-1", w.Header().Get(TraceHeader))
	})

	t.Run("generates trace id", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
		assert.NotEmpty(t, w.Header().Get(TraceHeader))
	})

	t.Run("recovers panics", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
