package backendtest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-client/internal/backend"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/response"
)

// NewServer serves f over HTTP using the backend's wire format.
// Close the returned server when done.
func NewServer(f *Fake) *httptest.Server {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(response.RequestIDMiddleware())

	api := r.Group("/api/v1/student")
	{
		api.GET("/share-codes/:code", func(c *gin.Context) {
			examID, err := f.ResolveShareCode(c.Request.Context(), c.Param("code"))
			if err != nil {
				fail(c, err)
				return
			}
			response.Success(c, http.StatusOK, gin.H{"exam_id": examID})
		})

		api.POST("/exams/:exam_id/attempts", func(c *gin.Context) {
			var req model.StartAttemptRequest
			if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
				response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
				return
			}
			a, err := f.StartAttempt(c.Request.Context(), c.Param("exam_id"), req.Password)
			if err != nil {
				fail(c, err)
				return
			}
			response.Success(c, http.StatusCreated, a)
		})

		api.PATCH("/attempts/:attempt_id/answers", func(c *gin.Context) {
			var req model.UpdateAnswersRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
				return
			}
			if err := f.UpdateAnswers(c.Request.Context(), c.Param("attempt_id"), req.Answers); err != nil {
				fail(c, err)
				return
			}
			response.Success(c, http.StatusOK, gin.H{"status": "saved"})
		})

		api.POST("/attempts/:attempt_id/submit", func(c *gin.Context) {
			res, err := f.SubmitAttempt(c.Request.Context(), c.Param("attempt_id"))
			if err != nil {
				fail(c, err)
				return
			}
			response.Success(c, http.StatusOK, res)
		})

		api.GET("/attempts/:attempt_id", func(c *gin.Context) {
			state, err := f.GetAttempt(c.Request.Context(), c.Param("attempt_id"))
			if err != nil {
				fail(c, err)
				return
			}
			response.Success(c, http.StatusOK, state)
		})

		api.POST("/attempts/:attempt_id/integrity-events", func(c *gin.Context) {
			var ev model.IntegrityEvent
			if err := json.Unmarshal([]byte(c.PostForm("event")), &ev); err != nil {
				response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
				return
			}
			if fh, err := c.FormFile("evidence"); err == nil {
				file, err := fh.Open()
				if err != nil {
					response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
					return
				}
				data, _ := io.ReadAll(file)
				file.Close()
				ev.Evidence = &model.Evidence{
					Filename:    fh.Filename,
					ContentType: fh.Header.Get("Content-Type"),
					Data:        data,
				}
			}
			ev.AttemptID = c.Param("attempt_id")
			if err := f.ReportIntegrity(c.Request.Context(), &ev); err != nil {
				fail(c, err)
				return
			}
			response.Success(c, http.StatusAccepted, gin.H{"status": "recorded"})
		})
	}

	return httptest.NewServer(r)
}

func fail(c *gin.Context, err error) {
	if apiErr, ok := backend.AsAPIError(err); ok {
		response.FailWithBody(c, apiErr.StatusCode, &response.ErrorBody{
			Code:          apiErr.Code,
			Message:       apiErr.Message,
			WindowOpensAt: apiErr.WindowOpensAt,
		})
		return
	}
	response.Fail(c, http.StatusServiceUnavailable, response.ErrInternal)
}
