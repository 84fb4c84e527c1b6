package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/lectern/transcriber/internal/model"
	"github.com/lectern/transcriber/internal/queue"
	"github.com/lectern/transcriber/pkg/response"
)

// TranscriptAPI is the slice of the transcript service the HTTP layer uses
type TranscriptAPI interface {
	GetTranscript(ctx context.Context, videoID, videoRef string, mode model.ProcessingMode) (*model.TranscriptResult, error)
	Start(ctx context.Context, videoID, videoRef string, mode model.ProcessingMode) (*model.StatusResponse, error)
	Status(ctx context.Context, videoID string) (*model.StatusResponse, error)
	Resubmit(ctx context.Context, videoID string) (*model.ResubmitResponse, error)
	Import(ctx context.Context, videoID, text, language string) (*model.TranscriptResponse, error)
	Delete(ctx context.Context, videoID string) error
	DeadLetters(ctx context.Context) ([]model.DeadLetterResponse, error)
}

type TranscriptHandler struct {
	service   TranscriptAPI
	validator *validator.Validate
}

func NewTranscriptHandler(svc TranscriptAPI, v *validator.Validate) *TranscriptHandler {
	return &TranscriptHandler{
		service:   svc,
		validator: v,
	}
}

// Get handles GET /api/transcripts/:videoId
func (h *TranscriptHandler) Get(c *fiber.Ctx) error {
	mode := model.ProcessingMode(c.Query("mode"))
	result, err := h.service.GetTranscript(c.UserContext(), c.Params("videoId"), c.Query("videoRef"), mode)
	if err != nil {
		return serviceError(c, err)
	}
	if result.Ready {
		return response.OK(c, result.Transcript)
	}
	if result.Status.OverallStatus.IsInFlight() {
		return response.Accepted(c, result.Status)
	}
	return response.OK(c, result.Status)
}

// Start handles POST /api/transcripts/:videoId/start
func (h *TranscriptHandler) Start(c *fiber.Ctx) error {
	var req model.StartRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Start(c.UserContext(), c.Params("videoId"), req.VideoRef, req.Mode)
	if err != nil {
		return serviceError(c, err)
	}
	return response.Accepted(c, result)
}

// Status handles GET /api/transcripts/:videoId/status
func (h *TranscriptHandler) Status(c *fiber.Ctx) error {
	result, err := h.service.Status(c.UserContext(), c.Params("videoId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Resubmit handles POST /api/transcripts/:videoId/resubmit
func (h *TranscriptHandler) Resubmit(c *fiber.Ctx) error {
	result, err := h.service.Resubmit(c.UserContext(), c.Params("videoId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.Accepted(c, result)
}

// Import handles PUT /api/transcripts/:videoId
func (h *TranscriptHandler) Import(c *fiber.Ctx) error {
	var req model.ImportRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Import(c.UserContext(), c.Params("videoId"), req.Transcript, req.Language)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Delete handles DELETE /api/transcripts/:videoId
func (h *TranscriptHandler) Delete(c *fiber.Ctx) error {
	if err := h.service.Delete(c.UserContext(), c.Params("videoId")); err != nil {
		return serviceError(c, err)
	}
	return response.NoContent(c)
}

// DeadLetters handles GET /api/queue/dead-letters
func (h *TranscriptHandler) DeadLetters(c *fiber.Ctx) error {
	result, err := h.service.DeadLetters(c.UserContext())
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, fiber.Map{"deadLetters": result})
}

func serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrValidation):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, model.ErrNotFound):
		return response.NotFound(c, "Transcript not found")
	case errors.Is(err, queue.ErrJobActive):
		return response.Conflict(c, "A chunk job is still running, retry shortly")
	case errors.Is(err, model.ErrProviderUnavailable):
		return response.ProviderUnavailable(c, err.Error())
	default:
		return response.ServiceError(c, err.Error())
	}
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
