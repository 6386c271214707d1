package http

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-outbox/outbox"
	"github.com/LerianStudio/lib-outbox/outbox/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// ConsumerService registers and inspects consumers. *outbox.ConsumerRegistry implements it.
type ConsumerService interface {
	Register(ctx context.Context, name string, consumeFromLastMessage bool) (*outbox.Consumer, error)
	CanRegister(ctx context.Context, name string) (bool, error)
}

// MessageFetcher is implemented by *outbox.Retriever.
type MessageFetcher interface {
	Fetch(ctx context.Context, consumerName string, limit int) (*outbox.RetrievedBatch, error)
}

// CursorCommitter is implemented by *outbox.CursorAdvancer.
type CursorCommitter interface {
	Commit(ctx context.Context, consumerName string, lastConsumedMessageID int64) error
}

// RegisterConsumerRequest is the body of POST /v1/outbox/consumers.
type RegisterConsumerRequest struct {
	ConsumerName           string `json:"consumerName"           validate:"required,min=3,max=100"`
	ConsumeFromLastMessage bool   `json:"consumeFromLastMessage"`
}

// CommitRequest is the body of POST /v1/outbox/consumers/:name/commit.
type CommitRequest struct {
	LastConsumedMessageID *int64 `json:"lastConsumedMessageId" validate:"required,gte=0"`
}

type ConsumerResponse struct {
	ID                    uuid.UUID `json:"id"`
	Name                  string    `json:"name"`
	LastConsumedMessageID int64     `json:"lastConsumedMessageId"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

type AvailabilityResponse struct {
	ConsumerName string `json:"consumerName"`
	Available    bool   `json:"available"`
}

// MessageResponse renders a payload inline when it is JSON and as base64 otherwise.
type MessageResponse struct {
	ID          int64     `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	MessageType string    `json:"messageType"`
	VersionType int       `json:"versionType"`
	Key         string    `json:"key,omitempty"`
	Payload     any       `json:"payload"`
}

type MessagesResponse struct {
	Messages []MessageResponse `json:"messages"`
	Count    int               `json:"count"`
	HasMore  bool              `json:"hasMore"`
}

type Option func(*Handler)

func WithLogger(logger libLog.Logger) Option {
	return func(h *Handler) {
		if !nilcheck.IsNil(logger) {
			h.logger = logger
		}
	}
}

// Handler serves the outbox consumer API.
type Handler struct {
	consumers ConsumerService
	messages  MessageFetcher
	cursor    CursorCommitter
	logger    libLog.Logger
}

func NewHandler(consumers ConsumerService, messages MessageFetcher, cursor CursorCommitter, opts ...Option) (*Handler, error) {
	if field := nilcheck.FirstNil("consumers", consumers, "messages", messages, "cursor", cursor); field != "" {
		return nil, fmt.Errorf("%w: %s", outbox.ErrDependencyRequired, field)
	}

	h := &Handler{consumers: consumers, messages: messages, cursor: cursor, logger: libLog.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	return h, nil
}

// Routes mounts the handlers on router.
func (h *Handler) Routes(router fiber.Router) {
	group := router.Group("/v1/outbox/consumers")

	group.Post("/", h.RegisterConsumer)
	group.Get("/:name/availability", h.Availability)
	group.Get("/:name/messages", h.GetMessages)
	group.Post("/:name/commit", h.CommitConsumed)
}

func (h *Handler) RegisterConsumer(c *fiber.Ctx) error {
	var req RegisterConsumerRequest
	if err := ParseBodyAndValidate(c, &req); err != nil {
		return h.fail(c, err)
	}

	consumer, err := h.consumers.Register(c.UserContext(), req.ConsumerName, req.ConsumeFromLastMessage)
	if err != nil {
		return h.fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(ConsumerResponse{
		ID:                    consumer.ID,
		Name:                  consumer.Name,
		LastConsumedMessageID: consumer.LastConsumedMessageID,
		CreatedAt:             consumer.CreatedAt,
		UpdatedAt:             consumer.UpdatedAt,
	})
}

func (h *Handler) Availability(c *fiber.Ctx) error {
	name := c.Params("name")

	available, err := h.consumers.CanRegister(c.UserContext(), name)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(AvailabilityResponse{ConsumerName: name, Available: available})
}

func (h *Handler) GetMessages(c *fiber.Ctx) error {
	limit := 0

	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return RespondError(c, fiber.StatusBadRequest, "invalid_request", "limit must be an integer")
		}

		limit = parsed
	}

	batch, err := h.messages.Fetch(c.UserContext(), c.Params("name"), limit)
	if err != nil {
		return h.fail(c, err)
	}

	out := MessagesResponse{
		Messages: make([]MessageResponse, 0, len(batch.Messages)),
		Count:    batch.Count,
		HasMore:  batch.HasMore,
	}

	for _, msg := range batch.Messages {
		out.Messages = append(out.Messages, toMessageResponse(msg))
	}

	return c.JSON(out)
}

func (h *Handler) CommitConsumed(c *fiber.Ctx) error {
	var req CommitRequest
	if err := ParseBodyAndValidate(c, &req); err != nil {
		return h.fail(c, err)
	}

	if err := h.cursor.Commit(c.UserContext(), c.Params("name"), *req.LastConsumedMessageID); err != nil {
		return h.fail(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) fail(c *fiber.Ctx, err error) error {
	status, title, message := errorMapping(err)

	if status >= fiber.StatusInternalServerError {
		h.logger.Log(c.UserContext(), libLog.LevelError, "outbox request failed",
			libLog.String("method", c.Method()),
			libLog.String("path", c.Path()),
			libLog.String("error", outbox.SanitizeError(err)))
	}

	return RespondError(c, status, title, message)
}

func toMessageResponse(msg *outbox.Message) MessageResponse {
	var payload any = msg.Payload
	if json.Valid(msg.Payload) {
		payload = json.RawMessage(msg.Payload)
	}

	return MessageResponse{
		ID:          msg.ID,
		CreatedAt:   msg.CreatedAt,
		MessageType: msg.MessageType,
		VersionType: msg.VersionType,
		Key:         msg.Key,
		Payload:     payload,
	}
}
