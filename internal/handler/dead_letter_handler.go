package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notification-engine/internal/domain"
	"github.com/kursadbilgin/notification-engine/internal/repository"
)

type DeadLetterService interface {
	List(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetter, int64, error)
	Reprocess(ctx context.Context, id string) (*domain.Notification, error)
}

type DeadLetterHandler struct {
	service DeadLetterService
}

func NewDeadLetterHandler(service DeadLetterService) (*DeadLetterHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("dead letter service is required")
	}
	return &DeadLetterHandler{service: service}, nil
}

func RegisterDeadLetterRoutes(router fiber.Router, service DeadLetterService) error {
	h, err := NewDeadLetterHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/dead-letters", h.ListDeadLetters)
	v1.Post("/dead-letters/:id/reprocess", h.ReprocessDeadLetter)

	return nil
}

type deadLetterResponse struct {
	ID             string     `json:"id"`
	NotificationID string     `json:"notificationId"`
	Channel        string     `json:"channel"`
	Attempts       int        `json:"attempts"`
	FailureKind    string     `json:"failureKind"`
	FailureReason  string     `json:"failureReason"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReprocessedAt  *time.Time `json:"reprocessedAt,omitempty"`
}

type listDeadLettersResponse struct {
	Data []deadLetterResponse `json:"data"`
	Meta listMeta             `json:"meta"`
}

func (h *DeadLetterHandler) ListDeadLetters(c *fiber.Ctx) error {
	page, pageSize, err := parsePage(c)
	if err != nil {
		return err
	}
	params := repository.DeadLetterListParams{
		Page:               page,
		PageSize:           pageSize,
		IncludeReprocessed: c.QueryBool("includeReprocessed", false),
	}
	if raw := strings.TrimSpace(c.Query("channel")); raw != "" {
		ch, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return err
		}
		params.Channel = &ch
	}

	letters, total, err := h.service.List(requestContext(c), params)
	if err != nil {
		return err
	}

	data := make([]deadLetterResponse, 0, len(letters))
	for _, dl := range letters {
		data = append(data, deadLetterResponse{
			ID:             dl.ID,
			NotificationID: dl.NotificationID,
			Channel:        dl.Channel.String(),
			Attempts:       dl.Attempts,
			FailureKind:    dl.FailureKind.String(),
			FailureReason:  dl.FailureReason,
			CreatedAt:      dl.CreatedAt,
			ReprocessedAt:  dl.ReprocessedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(listDeadLettersResponse{
		Data: data,
		Meta: listMeta{Page: page, PageSize: pageSize, Total: total},
	})
}

func (h *DeadLetterHandler) ReprocessDeadLetter(c *fiber.Ctx) error {
	n, err := h.service.Reprocess(requestContext(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(toNotificationResponse(n))
}
