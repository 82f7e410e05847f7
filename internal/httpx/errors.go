package httpx

import (
	"errors"
	"log"
	"net/http"

	"github.com/ariefcatur/go-order-reservation/internal/faults"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

type errorBody struct {
	Error string `json:"error"`
}

// StatusOf maps a fault to the HTTP status the API answers with.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, faults.ErrValidation), errors.Is(err, faults.ErrVoucherRejected):
		return http.StatusBadRequest
	case errors.Is(err, faults.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, faults.ErrInsufficientResource), errors.Is(err, faults.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, faults.ErrPayment):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	render.Status(r, code)
	render.JSON(w, r, v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.Printf("[http] %s %s req=%s: %v", r.Method, r.URL.Path, middleware.GetReqID(r.Context()), err)
		msg = "internal error"
	}
	writeJSON(w, r, code, errorBody{Error: msg})
}
