package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/flavourstalk/chat-core/internal/chaterr"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestPreferencesPayload_Criteria(t *testing.T) {
	p := preferencesPayload{
		Interests: []string{"music", "gaming"},
		AgeMin:    20,
		AgeMax:    30,
		Location:  "Berlin",
		Gender:    "other",
		Modality:  "text",
	}
	c := p.criteria()

	if len(c.Interests) != 2 {
		t.Errorf("interests = %v, want 2 entries", c.Interests)
	}
	if c.AgeRange == nil || c.AgeRange.Min != 20 || c.AgeRange.Max != 30 {
		t.Errorf("age range = %v, want [20,30]", c.AgeRange)
	}
	if c.Location != "Berlin" || c.Gender != "other" || c.Modality != "text" {
		t.Errorf("unexpected criteria: %+v", c)
	}
}

func TestPreferencesPayload_Criteria_NoAge(t *testing.T) {
	p := preferencesPayload{Interests: []string{"music"}, Modality: "text"}
	if c := p.criteria(); c.AgeRange != nil {
		t.Errorf("expected nil age range when omitted, got %v", c.AgeRange)
	}
}

func TestBindingError_NamesFields(t *testing.T) {
	v := validator.New()
	err := v.Struct(struct {
		Modality string `validate:"required,oneof=text audio video"`
	}{Modality: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected a validation failure")
	}

	got := bindingError("preferences", err)
	if chaterr.CodeOf(got) != chaterr.CodeValidation {
		t.Fatalf("expected validation error, got %v", got)
	}
	if !strings.Contains(got.Error(), "Modality") {
		t.Errorf("error should name the failing field: %v", got)
	}
}

func TestBindingError_NonValidator(t *testing.T) {
	got := bindingError("report", http.ErrBodyNotAllowed)
	if chaterr.CodeOf(got) != chaterr.CodeValidation {
		t.Errorf("expected validation error, got %v", got)
	}
}

func TestBindOptionalJSON(t *testing.T) {
	newCtx := func(body string) *gin.Context {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		c.Request.Header.Set("Content-Type", "application/json")
		return c
	}

	// A reason-less block is legal: an empty body must bind to the zero
	// payload rather than fail.
	var empty blockPayload
	if err := bindOptionalJSON(newCtx(""), &empty); err != nil {
		t.Fatalf("empty body should bind cleanly, got %v", err)
	}
	if empty.Reason != "" {
		t.Errorf("empty body should leave the zero payload, got %+v", empty)
	}

	var filled blockPayload
	if err := bindOptionalJSON(newCtx(`{"reason":"spam"}`), &filled); err != nil {
		t.Fatalf("valid body error: %v", err)
	}
	if filled.Reason != "spam" {
		t.Errorf("reason = %q, want spam", filled.Reason)
	}

	var bad blockPayload
	if err := bindOptionalJSON(newCtx(`{"reason":`), &bad); err == nil {
		t.Error("malformed JSON must still fail")
	}
}

func TestAbortWithError_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", chaterr.Validationf("bad input"), http.StatusBadRequest},
		{"unauthorized", chaterr.Unauthorizedf("not yours"), http.StatusForbidden},
		{"not found", chaterr.NotFoundf("gone"), http.StatusNotFound},
		{"invalid state", chaterr.InvalidStatef("ended"), http.StatusUnprocessableEntity},
		{"conflict", chaterr.Conflictf("claimed"), http.StatusConflict},
		{"blocked", chaterr.Blockedf("excluded"), http.StatusForbidden},
		{"unknown", http.ErrBodyNotAllowed, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			abortWithError(c, tc.err)
			if w.Code != tc.status {
				t.Errorf("status = %d, want %d", w.Code, tc.status)
			}
		})
	}
}

func TestAbortWithError_HidesInternalDetail(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	abortWithError(c, http.ErrServerClosed)
	if got := w.Body.String(); got != `{"error":"internal error"}` {
		t.Errorf("internal errors must not leak detail, got %s", got)
	}
}
