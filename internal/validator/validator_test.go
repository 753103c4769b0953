package validator

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type startBody struct {
	AccessToken string `json:"access_token" binding:"required,examref"`
	Password    string `json:"password" binding:"max=128"`
}

func bind(body string) map[string]string {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	var dst startBody
	return Bind(c, &dst)
}

func TestBind(t *testing.T) {
	Setup()

	assert.Nil(t, bind(`{"access_token":"MATH-42"}`))
	assert.Nil(t, bind(`{"access_token":"4f5b8a9e-3c1d-4e2f-9a7b-1c2d3e4f5a6b","password":"x"}`))

	fields := bind(`{}`)
	assert.Contains(t, fields["access_token"], "required")

	fields = bind(`{"access_token":"??"}`)
	assert.Equal(t, "access_token must be an exam id or a share code", fields["access_token"])

	fields = bind(`{"access_token":`)
	assert.Contains(t, fields, "detail")
}

func TestIsExamRef(t *testing.T) {
	assert.True(t, IsExamRef("BIO-7"))
	assert.True(t, IsExamRef(" 4f5b8a9e-3c1d-4e2f-9a7b-1c2d3e4f5a6b "))
	assert.False(t, IsExamRef("a"))
	assert.False(t, IsExamRef("has space"))
}
