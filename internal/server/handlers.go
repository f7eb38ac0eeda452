package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"dify-bridge/internal/proxy"
	"dify-bridge/internal/translator"
)

type healthResponse struct {
	Status string `json:"status"`
	Proxy  string `json:"proxy"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "healthy", Proxy: "dify-openai"})
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.FromModels(s.cfg.ModelList()))
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	// Authentication is checked before the body is read.
	credential, err := proxy.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return err
	}

	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	if req.Stream {
		return s.streamChatCompletion(c, credential, req)
	}

	resp, err := s.proxy.Complete(c.Request().Context(), credential, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}
