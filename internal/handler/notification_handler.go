package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notification-engine/internal/domain"
	"github.com/kursadbilgin/notification-engine/internal/observability"
	"github.com/kursadbilgin/notification-engine/internal/repository"
	"github.com/kursadbilgin/notification-engine/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100

	headerCorrelationID = "X-Correlation-ID"
)

type NotificationService interface {
	Submit(ctx context.Context, cmd domain.SendNotificationCommand) (*service.SubmitResult, error)
	GetByID(ctx context.Context, id string) (*service.NotificationDetail, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
	Retry(ctx context.Context, id string) (*service.NotificationDetail, error)
	ConfirmAttempt(ctx context.Context, attemptID string) (*service.NotificationDetail, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.CreateNotification)
	v1.Get("/notifications", h.ListNotifications)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Post("/notifications/:id/retry", h.RetryNotification)
	v1.Post("/attempts/:id/confirm", h.ConfirmAttempt)

	return nil
}

type createNotificationRequest struct {
	UserID        string            `json:"userId"`
	Type          string            `json:"type"`
	Urgency       string            `json:"urgency"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Channels      []string          `json:"channels"`
	Metadata      map[string]string `json:"metadata"`
	DedupKey      string            `json:"dedupKey"`
	CorrelationID string            `json:"correlationId"`
	ScheduledAt   *string           `json:"scheduledAt"`
	MaxRetries    *int              `json:"maxRetries,omitempty"`
}

type notificationResponse struct {
	ID                string            `json:"id"`
	UserID            string            `json:"userId"`
	Type              string            `json:"type"`
	Urgency           string            `json:"urgency"`
	Title             string            `json:"title"`
	Body              string            `json:"body"`
	RequestedChannels []string          `json:"requestedChannels"`
	Channels          []string          `json:"channels"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	DedupKey          *string           `json:"dedupKey,omitempty"`
	CorrelationID     string            `json:"correlationId"`
	SourceEventID     *string           `json:"sourceEventId,omitempty"`
	Status            string            `json:"status"`
	FailureReason     *string           `json:"failureReason,omitempty"`
	ScheduledAt       *time.Time        `json:"scheduledAt,omitempty"`
	SentAt            *time.Time        `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time        `json:"deliveredAt,omitempty"`
	FailedAt          *time.Time        `json:"failedAt,omitempty"`
	RetryCount        int               `json:"retryCount"`
	MaxRetries        int               `json:"maxRetries"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

type attemptResponse struct {
	ID            string     `json:"id"`
	Channel       string     `json:"channel"`
	AttemptNumber int        `json:"attemptNumber"`
	Status        string     `json:"status"`
	AttemptedAt   time.Time  `json:"attemptedAt"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
	ProviderRef   *string    `json:"providerRef,omitempty"`
	FailureKind   *string    `json:"failureKind,omitempty"`
	FailureReason *string    `json:"failureReason,omitempty"`
	StatusCode    *int       `json:"statusCode,omitempty"`
}

type transitionResponse struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

type notificationDetailResponse struct {
	notificationResponse
	Duplicate   bool                 `json:"duplicate,omitempty"`
	Attempts    []attemptResponse    `json:"attempts"`
	Transitions []transitionResponse `json:"transitions"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *NotificationHandler) CreateNotification(c *fiber.Ctx) error {
	var req createNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	cmd, err := requestToCommand(req, requestCorrelationID(c))
	if err != nil {
		return err
	}

	result, err := h.service.Submit(requestContext(c), cmd)
	if err != nil {
		return err
	}

	status := fiber.StatusCreated
	if result.Duplicate {
		status = fiber.StatusOK
	}
	resp := toDetailResponse(result.Detail)
	resp.Duplicate = result.Duplicate
	return c.Status(status).JSON(resp)
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	detail, err := h.service.GetByID(requestContext(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toDetailResponse(detail))
}

func (h *NotificationHandler) RetryNotification(c *fiber.Ctx) error {
	detail, err := h.service.Retry(requestContext(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toDetailResponse(detail))
}

func (h *NotificationHandler) ConfirmAttempt(c *fiber.Ctx) error {
	detail, err := h.service.ConfirmAttempt(requestContext(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toDetailResponse(detail))
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return err
	}

	notifications, total, err := h.service.List(requestContext(c), params)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: toNotificationResponses(notifications),
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	page, pageSize, err := parsePage(c)
	if err != nil {
		return repository.ListParams{}, err
	}
	params := repository.ListParams{Page: page, PageSize: pageSize}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawType := strings.TrimSpace(c.Query("type")); rawType != "" {
		t, err := domain.ParseTypeFromString(rawType)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Type = &t
	}

	if userID := strings.TrimSpace(c.Query("userId")); userID != "" {
		params.UserID = &userID
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	if from != nil && to != nil && from.After(*to) {
		return repository.ListParams{}, fmt.Errorf("%w: from must not be after to", domain.ErrValidation)
	}
	params.From = from
	params.To = to

	return params, nil
}

func parsePage(c *fiber.Ctx) (int, int, error) {
	page := c.QueryInt("page", defaultPage)
	pageSize := c.QueryInt("pageSize", defaultPageSize)

	if page < 1 {
		return 0, 0, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return 0, 0, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}
	return page, pageSize, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestToCommand(req createNotificationRequest, fallbackCorrelationID string) (domain.SendNotificationCommand, error) {
	notificationType, err := domain.ParseTypeFromString(req.Type)
	if err != nil {
		return domain.SendNotificationCommand{}, err
	}

	var urgency domain.Urgency
	if strings.TrimSpace(req.Urgency) != "" {
		urgency, err = domain.ParseUrgencyFromString(req.Urgency)
		if err != nil {
			return domain.SendNotificationCommand{}, err
		}
	}

	channels, err := domain.ParseChannels(req.Channels)
	if err != nil {
		return domain.SendNotificationCommand{}, err
	}

	scheduledAt, err := parseRFC3339Query(stringValue(req.ScheduledAt), "scheduledAt")
	if err != nil {
		return domain.SendNotificationCommand{}, err
	}

	cmd := domain.SendNotificationCommand{
		UserID:        strings.TrimSpace(req.UserID),
		Type:          notificationType,
		Urgency:       urgency,
		Title:         req.Title,
		Body:          req.Body,
		Channels:      channels,
		Metadata:      req.Metadata,
		DedupKey:      strings.TrimSpace(req.DedupKey),
		CorrelationID: strings.TrimSpace(req.CorrelationID),
		ScheduledAt:   scheduledAt,
		MaxRetries:    req.MaxRetries,
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = strings.TrimSpace(fallbackCorrelationID)
	}

	return cmd, nil
}

func stringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(headerCorrelationID)); value != "" {
		return value
	}
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

// requestContext carries the request's correlation id into the services,
// minting one when the caller sent none.
func requestContext(c *fiber.Ctx) context.Context {
	ctx, _ := observability.EnsureCorrelationID(
		observability.WithCorrelationID(c.UserContext(), requestCorrelationID(c)),
	)
	return ctx
}

func toNotificationResponses(notifications []domain.Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for i := range notifications {
		responses = append(responses, toNotificationResponse(&notifications[i]))
	}
	return responses
}

func toNotificationResponse(n *domain.Notification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	return notificationResponse{
		ID:                n.ID,
		UserID:            n.UserID,
		Type:              n.Type.String(),
		Urgency:           n.Urgency.String(),
		Title:             n.Title,
		Body:              n.Body,
		RequestedChannels: channelStrings(n.RequestedChannels),
		Channels:          channelStrings(n.Channels),
		Metadata:          n.Metadata,
		DedupKey:          n.DedupKey,
		CorrelationID:     n.CorrelationID,
		SourceEventID:     n.SourceEventID,
		Status:            n.Status.String(),
		FailureReason:     n.FailureReason,
		ScheduledAt:       n.ScheduledAt,
		SentAt:            n.SentAt,
		DeliveredAt:       n.DeliveredAt,
		FailedAt:          n.FailedAt,
		RetryCount:        n.RetryCount,
		MaxRetries:        n.MaxRetries,
		CreatedAt:         n.CreatedAt,
		UpdatedAt:         n.UpdatedAt,
	}
}

func toDetailResponse(detail *service.NotificationDetail) notificationDetailResponse {
	if detail == nil {
		return notificationDetailResponse{}
	}

	resp := notificationDetailResponse{
		notificationResponse: toNotificationResponse(&detail.Notification),
		Attempts:             make([]attemptResponse, 0, len(detail.Attempts)),
		Transitions:          make([]transitionResponse, 0, len(detail.Transitions)),
	}
	for _, a := range detail.Attempts {
		item := attemptResponse{
			ID:            a.ID,
			Channel:       a.Channel.String(),
			AttemptNumber: a.AttemptNumber,
			Status:        a.Status.String(),
			AttemptedAt:   a.AttemptedAt,
			DeliveredAt:   a.DeliveredAt,
			ProviderRef:   a.ProviderRef,
			FailureReason: a.FailureReason,
			StatusCode:    a.StatusCode,
		}
		if a.FailureKind != nil {
			kind := a.FailureKind.String()
			item.FailureKind = &kind
		}
		resp.Attempts = append(resp.Attempts, item)
	}
	for _, tr := range detail.Transitions {
		resp.Transitions = append(resp.Transitions, transitionResponse{
			From:      tr.From.String(),
			To:        tr.To.String(),
			Reason:    tr.Reason,
			CreatedAt: tr.CreatedAt,
		})
	}
	return resp
}

func channelStrings(channels []domain.Channel) []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch.String())
	}
	return out
}
