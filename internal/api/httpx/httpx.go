package httpx

import (
	"errors"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"librarylend/internal/apperr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is the body of every non-data response.
type Message struct {
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteMessage(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, Message{Message: msg})
}

// WriteError maps err to its status. Store faults are reported as
// "Server Error: <fault>".
func WriteError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		WriteMessage(w, status, "Server Error: "+err.Error())
		return
	}
	msg := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	}
	WriteMessage(w, status, msg)
}

// DecodeJSON reads the request body into v. An empty body decodes as {}.
func DecodeJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, err, "Unreadable request body")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, err, "Invalid JSON body")
	}
	return nil
}
