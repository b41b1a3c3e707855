package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	type task struct {
		Unit string `json:"unit"`
	}
	cases := []struct {
		name, body, wantErr string
	}{
		{name: "ok", body: `{"unit":"echo"}` + "\n"},
		{name: "empty", body: "", wantErr: "empty body"},
		{name: "syntax", body: `{"unit":`, wantErr: "bad request"},
		{name: "trailing", body: `{"unit":"a"}{"unit":"b"}`, wantErr: "trailing data"},
		{name: "too large", body: `{"unit":"` + strings.Repeat("x", 64) + `"}`, wantErr: "exceeds 32 bytes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var got task
			err := DecodeJSON(httptest.NewRecorder(), req, 32, &got)
			if tc.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "echo", got.Unit)
				return
			}
			assert.ErrorIs(t, err, ErrBadRequest)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestWriteJSONAndError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusCreated, map[string]int{"queued": 2})
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"queued":2}`, rr.Body.String())

	rr = httptest.NewRecorder()
	Error(rr, http.StatusConflict, "session already active")
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "session already active", body["error"])
}
