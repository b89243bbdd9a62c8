package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNew_FallsBackToInfo(t *testing.T) {
	require.Equal(t, zerolog.InfoLevel, New("nonsense", false).GetLevel())
	require.Equal(t, zerolog.InfoLevel, New("", true).GetLevel())
	require.Equal(t, zerolog.DebugLevel, New("debug", false).GetLevel())
}

func TestGinLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	log := NewWithWriter(&buf, zerolog.DebugLevel)

	r := gin.New()
	r.Use(GinLogger(log))
	r.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/items/7", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "warn", line["level"])
	require.Equal(t, "/items/:id", line["path"])
	require.EqualValues(t, 404, line["status"])
}
