package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"agentboard/pkg/redact"
	"agentboard/services/bootstrap"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error        string         `json:"error"`
	ErrorDetails string         `json:"errorDetails,omitempty"`
	Kind         bootstrap.Kind `json:"kind"`
}

// decodeJSON decodes the request body into dest. An empty body leaves dest
// untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest any, allowEmpty bool) error {
	if r.Body == nil {
		if allowEmpty {
			return nil
		}
		return invalidInput("request body required", "")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return invalidInput("request body required", "")
		}
		return invalidInput("invalid JSON body", err.Error())
	}
	return nil
}

// check runs struct validation and reports the first failing field.
func (a *API) check(v any) error {
	err := a.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return invalidInput(fe.Field()+" is required", "")
		default:
			return invalidInput(fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()), "")
		}
	}
	return invalidInput("invalid request", err.Error())
}

func invalidInput(summary, details string) error {
	return &bootstrap.Error{Kind: bootstrap.KindInvalidInput, Summary: summary, Details: details}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	status := statusFor(err)
	body := errorResponse{Kind: bootstrap.KindOf(err)}

	var be *bootstrap.Error
	if errors.As(err, &be) {
		body.Error = be.Summary
		body.ErrorDetails = be.Details
	} else {
		body.Error = http.StatusText(status)
		body.ErrorDetails = err.Error()
	}
	body.Error = redact.String(body.Error)
	body.ErrorDetails = redact.String(body.ErrorDetails)

	evt := a.log.Debug()
	if status >= http.StatusInternalServerError {
		evt = a.log.Error()
	}
	evt.Str("path", r.URL.Path).
		Str("details", body.ErrorDetails).
		Str("kind", string(body.Kind)).
		Int("status", status).
		Msg(body.Error)

	respondJSON(w, status, body)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bootstrap.ErrRunNotFound), errors.Is(err, bootstrap.ErrCredentialNotFound):
		return http.StatusNotFound
	case errors.Is(err, bootstrap.ErrStepNotRunnable),
		errors.Is(err, bootstrap.ErrStepBlocked),
		errors.Is(err, bootstrap.ErrRetryNotAllowed),
		errors.Is(err, bootstrap.ErrActiveRunExists):
		return http.StatusConflict
	}

	switch bootstrap.KindOf(err) {
	case bootstrap.KindInvalidInput:
		return http.StatusBadRequest
	case bootstrap.KindResourceNotFound:
		return http.StatusNotFound
	case bootstrap.KindInvalidCredentials:
		return http.StatusUnauthorized
	case bootstrap.KindConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
