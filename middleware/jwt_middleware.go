package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"seqmail/config"
	"seqmail/utils"
)

// Protected guards the admin API with the operator JWT.
func Protected() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid authorization format",
				})
			}
			token = tokenParts[1]
		} else {
			token = c.Cookies("access_token")
			if token == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Authorization required",
				})
			}
		}

		claims, err := utils.ParseJWTToken(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		if claims.Email != config.AppConfig.OperatorEmail {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Unknown operator",
			})
		}

		c.Locals("operator", claims.Email)
		return c.Next()
	}
}
