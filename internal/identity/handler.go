package identity

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/timebank/timebank/internal/credits"
)

// Handler exposes identity endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an identity HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type userResponse struct {
	UserID    int64  `json:"user_id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Register handles user onboarding.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.service.Register(c.UserContext(), Registration{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUserExists):
			return fiber.NewError(http.StatusConflict, err.Error())
		case errors.Is(err, ErrInvalidRegistration):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		default:
			return fiber.NewError(http.StatusInternalServerError, "registration failed")
		}
	}

	body := fiber.Map{
		"user":          toResponse(res.User),
		"bonus_granted": res.BonusGranted,
	}
	if res.BonusGranted {
		body["bonus"] = credits.NewEntryResponse(res.Bonus)
	}
	return c.Status(http.StatusCreated).JSON(body)
}

// Get returns a user profile.
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := credits.ParseID(c, "userId")
	if err != nil {
		return err
	}
	user, err := h.service.Get(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return fiber.NewError(http.StatusNotFound, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(toResponse(user))
}

func toResponse(u User) userResponse {
	return userResponse{UserID: u.ID, Email: u.Email, FirstName: u.FirstName, LastName: u.LastName}
}
