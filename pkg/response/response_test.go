package response_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/livepoll/backend/internal/errors"
	"github.com/livepoll/backend/pkg/response"
)

func TestError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := map[string]struct {
		err        error
		wantStatus int
		wantMsg    string
	}{
		"not found": {
			err:        errors.NotFound("poll not found"),
			wantStatus: http.StatusNotFound,
			wantMsg:    "poll not found",
		},
		"precondition": {
			err:        errors.FailedPrecondition("previous question not completed yet"),
			wantStatus: http.StatusConflict,
			wantMsg:    "previous question not completed yet",
		},
		"plain error hides details": {
			err:        fmt.Errorf("dial tcp 10.0.0.1:5432: refused"),
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "internal error",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			response.Error(c, tc.err)

			require.Equal(t, tc.wantStatus, w.Code)
			var body response.Body
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			require.False(t, body.Success)
			require.Equal(t, tc.wantMsg, body.Error)
			require.Len(t, c.Errors, 1)
		})
	}
}
