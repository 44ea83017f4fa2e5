package handlers

import (
	"log/slog"
	"strings"

	"chat-sync/internal/models"
	"chat-sync/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// WebSocketHandler handles the websocket connection
func WebSocketHandler(hub *Hub, logger *slog.Logger) fiber.Handler {
	log := logger.WithGroup("ws")
	return websocket.New(func(c *websocket.Conn) {
		// Retrieve user info from locals (set by middleware)
		userID, _ := c.Locals("user_id").(string)
		client := hub.Register(c, userID)

		defer func() {
			if room := hub.Unregister(client.ID); room != "" && !hub.IsUserInRoom(userID, room) {
				broadcastLeft(hub, room, userID)
			}
			log.Debug("socket closed", "conn", client.ID, "user", userID,
				"connections", hub.CountUserConnections(userID))
			c.Close()
		}()

		// Send welcome message
		if err := client.Send(models.WSEvent{Event: models.EventConnected, UserID: userID}); err != nil {
			return
		}
		log.Debug("socket opened", "conn", client.ID, "user", userID,
			"connections", hub.CountUserConnections(userID))

		for {
			msgType, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Info("socket closed unexpectedly", "conn", client.ID, "error", err)
				}
				break
			}

			HandleMessage(hub, client, msgType, msg)
		}
	})
}

// WSUpgradeMiddleware upgrades the connection to WebSocket
func WSUpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// AuthMiddleware verifies the JWT from the `access_token` query parameter or
// the Authorization header and stores the identity in locals.
func AuthMiddleware(users *services.UserService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Query("access_token")
		if token == "" {
			authHeader := c.Get(fiber.HeaderAuthorization)
			if after, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
				token = after
			}
		}

		if token == "" {
			return fail(c, fiber.StatusUnauthorized, "missing token")
		}

		claims, err := users.ValidateToken(token)
		if err != nil {
			return fail(c, fiber.StatusUnauthorized, "invalid token")
		}

		c.Locals("user_id", claims.UserID)
		c.Locals("username", claims.Username)
		return c.Next()
	}
}
