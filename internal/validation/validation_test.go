package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/sentinelroad/backend/internal/geo"
)

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "he", SanitizeString("hello", 2))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestValidateCollectsErrors(t *testing.T) {
	errs := Validate(
		Required("title", ""),
		MaxLength("note", strings.Repeat("x", 20), 10),
		Required("source", "news"),
	)
	assert.Len(t, errs, 2)
	assert.Equal(t, "title", errs[0].Field)
	assert.Equal(t, "note", errs[1].Field)
	assert.Contains(t, errs.Error(), "title")
}

func TestValidCoordinates(t *testing.T) {
	lat, lon := 18.52, 73.85
	bad := 118.52

	assert.Nil(t, ValidCoordinates(nil, nil)())
	assert.Nil(t, ValidCoordinates(&lat, &lon)())
	assert.NotNil(t, ValidCoordinates(&lat, nil)())
	assert.NotNil(t, ValidCoordinates(nil, &lon)())
	assert.NotNil(t, ValidCoordinates(&bad, &lon)())
}

func TestValidBBox(t *testing.T) {
	assert.Nil(t, ValidBBox(geo.BBox{MinLat: 18.4, MinLon: 73.7, MaxLat: 18.6, MaxLon: 74.0})())
	assert.NotNil(t, ValidBBox(geo.BBox{MinLat: 18.6, MinLon: 73.7, MaxLat: 18.4, MaxLon: 74.0})())
	assert.NotNil(t, ValidBBox(geo.BBox{})())
}

func TestPositiveInt(t *testing.T) {
	assert.Nil(t, PositiveInt("count", "", 500)())
	assert.Nil(t, PositiveInt("count", "150", 500)())
	assert.NotNil(t, PositiveInt("count", "0", 500)())
	assert.NotNil(t, PositiveInt("count", "-3", 500)())
	assert.NotNil(t, PositiveInt("count", "abc", 500)())
	assert.NotNil(t, PositiveInt("count", "501", 500)())
}

func TestOneOf(t *testing.T) {
	assert.Nil(t, OneOf("source", "", "official", "news")())
	assert.Nil(t, OneOf("source", "news", "official", "news")())
	assert.NotNil(t, OneOf("source", "telegram", "official", "news")())
}

func TestCoordParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/locations/:lat/:lon", CoordParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		path string
		want int
	}{
		{"/locations/18.52/73.85", http.StatusOK},
		{"/locations/abc/73.85", http.StatusBadRequest},
		{"/locations/118.52/73.85", http.StatusBadRequest},
		{"/locations/18.52/200.0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, tt.want, w.Code, tt.path)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/", RequestSizeMiddleware(16), func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 64)))
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("ok"))
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
