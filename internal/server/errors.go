package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"dify-bridge/internal/apierr"
)

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		return decodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return decodeError(err)
		}
		return apierr.Validation("request body must contain a single JSON object")
	}
	return nil
}

func decodeError(err error) error {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, io.EOF):
		return apierr.Validation("request body is required")
	case errors.As(err, &maxErr):
		return apierr.Validationf("request body exceeds %d bytes", maxErr.Limit)
	}

	var classified *apierr.Error
	if errors.As(err, &classified) {
		return classified
	}
	return apierr.Validationf("invalid JSON payload: %v", err)
}

// handleError renders every failure as an OpenAI error envelope. Responses
// that are already committed, such as a running stream, are left alone.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		s.logger.Debug("error after response was committed", "error", err)
		return
	}

	env := envelopeFor(err)
	s.metrics.RecordError(env.Type)

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(env.Code)
		return
	}
	if writeErr := c.JSON(env.Code, apierr.Body{Error: env}); writeErr != nil {
		s.logger.Warn("failed to write error response", "error", writeErr)
	}
}

func envelopeFor(err error) apierr.Envelope {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		errType := apierr.TypeInvalidRequest
		if he.Code >= http.StatusInternalServerError {
			errType = apierr.TypeInternal
		}
		msg := http.StatusText(he.Code)
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		return apierr.Envelope{Message: msg, Type: errType, Code: he.Code}
	}
	return apierr.Map(err)
}
