package handlers

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"chat-sync/internal/metrics"
	"chat-sync/internal/models"
	"chat-sync/internal/services"
	"chat-sync/internal/store"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
)

// envelope is the {success, data, error} body of every API response.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func ok(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(envelope{Success: true, Data: data})
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(envelope{Success: false, Error: msg})
}

// ErrorHandler renders errors that escape a handler in the API envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return fail(c, code, err.Error())
}

// storeStatus maps domain errors to HTTP status codes.
func storeStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, store.ErrNotMember):
		return fiber.StatusForbidden
	case errors.Is(err, store.ErrSelfRoom),
		errors.Is(err, services.ErrRecipientRequired),
		errors.Is(err, models.ErrEmptyBody),
		errors.Is(err, models.ErrBodyTooLong):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

// API holds the REST handlers.
type API struct {
	users  *services.UserService
	chat   *services.ChatService
	notify *Notifier
	log    *slog.Logger
}

func NewAPI(users *services.UserService, chat *services.ChatService, notify *Notifier, logger *slog.Logger) *API {
	return &API{users: users, chat: chat, notify: notify, log: logger.WithGroup("api")}
}

func (a *API) internal(c *fiber.Ctx, op string, err error) error {
	status := storeStatus(err)
	if status == fiber.StatusInternalServerError {
		a.log.Error("request failed", "op", op, "path", c.Path(), "error", err)
		return fail(c, status, "internal error")
	}
	return fail(c, status, err.Error())
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}

func (a *API) Register(c *fiber.Ctx) error {
	var req models.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid request")
	}
	user, err := a.users.Register(c.Context(), req)
	if err != nil {
		if errors.Is(err, services.ErrUserExists) {
			return fail(c, fiber.StatusConflict, "username already exists")
		}
		if errors.Is(err, services.ErrMissingCredentials) {
			return fail(c, fiber.StatusBadRequest, err.Error())
		}
		return a.internal(c, "register", err)
	}
	return ok(c, fiber.StatusCreated, user)
}

func (a *API) Login(c *fiber.Ctx) error {
	var req models.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid request")
	}
	res, err := a.users.Login(c.Context(), req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			return fail(c, fiber.StatusUnauthorized, err.Error())
		}
		return a.internal(c, "login", err)
	}
	return ok(c, fiber.StatusOK, res)
}

func (a *API) CreateDirectRoom(c *fiber.Ctx) error {
	var req models.CreateDirectRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid request")
	}
	res, err := a.chat.GetOrCreateDirectRoom(c.Context(), userID(c), req.RecipientID)
	if err != nil {
		return a.internal(c, "create room", err)
	}
	status := fiber.StatusOK
	if res.IsNew {
		status = fiber.StatusCreated
	}
	return ok(c, status, res)
}

func (a *API) ListRooms(c *fiber.Ctx) error {
	rooms, err := a.chat.GetUserRooms(c.Context(), userID(c))
	if err != nil {
		return a.internal(c, "list rooms", err)
	}
	return ok(c, fiber.StatusOK, rooms)
}

// GetMessages serves one newest-first page. `before` (RFC 3339) wins over
// `page`.
func (a *API) GetMessages(c *fiber.Ctx) error {
	q := models.PageQuery{
		Limit: c.QueryInt("limit", 20),
		Page:  c.QueryInt("page", 0),
	}
	if q.Limit <= 0 || q.Page < 0 {
		return fail(c, fiber.StatusBadRequest, "invalid limit or page")
	}
	if raw := c.Query("before"); raw != "" {
		before, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fail(c, fiber.StatusBadRequest, "invalid before: "+strconv.Quote(raw))
		}
		q.Before = before
	}

	page, err := a.chat.GetMessages(c.Context(), c.Params("roomId"), userID(c), q)
	if err != nil {
		return a.internal(c, "get messages", err)
	}
	return ok(c, fiber.StatusOK, page)
}

func (a *API) SendMessage(c *fiber.Ctx) error {
	var req models.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid request")
	}
	// Params alias the request buffer; the id outlives the request.
	roomID, sender := utils.CopyString(c.Params("roomId")), userID(c)
	msg, err := a.notify.Publish(roomID, func() (*models.Message, error) {
		saved, err := a.chat.SendMessage(c.Context(), roomID, sender, req)
		if err == nil {
			metrics.ServerMessages.Inc()
		}
		return saved, err
	})
	if err != nil {
		return a.internal(c, "send message", err)
	}

	// The sender's own copy is read for them.
	out := *msg
	out.IsRead = true
	return ok(c, fiber.StatusCreated, out)
}

func (a *API) MarkRead(c *fiber.Ctx) error {
	roomID := c.Params("roomId")
	updated, err := a.chat.MarkRead(c.Context(), roomID, userID(c))
	if err != nil {
		return a.internal(c, "mark read", err)
	}
	a.notify.Read(roomID, userID(c))
	return ok(c, fiber.StatusOK, models.MarkReadResponse{Updated: updated})
}

func (a *API) UnreadCount(c *fiber.Ctx) error {
	total, err := a.chat.TotalUnread(c.Context(), userID(c))
	if err != nil {
		return a.internal(c, "unread count", err)
	}
	return ok(c, fiber.StatusOK, models.UnreadCountResponse{TotalUnreadCount: total})
}
