package accounts

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/phoenixgw/gateway/internal/token"
)

// AuthHandler exposes the two HTTP routes the gateway's HTTP layer needs
// from this companion: minting a join token at login, and resolving the
// caller's own identity.
type AuthHandler struct {
	store  *Store
	minter *token.Minter
}

func NewAuthHandler(store *Store, minter *token.Minter) *AuthHandler {
	return &AuthHandler{store: store, minter: minter}
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	user, err := h.store.FindByUsername(c.Request.Context(), req.Username)
	if err != nil || user == nil || !h.store.ValidatePassword(user.PasswordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = user.DefaultChannel
	}
	tok, err := h.minter.Mint(user.ID, channel)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "error minting token"})
		return
	}
	c.JSON(http.StatusOK, LoginResponse{Token: tok})
}

// Me handles GET /api/v1/auth/me, returning the user record behind the
// bearer token's external identity.
func (h *AuthHandler) Me(c *gin.Context) {
	user, err := h.store.FindByID(c.Request.Context(), ExternalID(c))
	if err != nil || user == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "user not found"})
		return
	}
	user.PasswordHash = ""
	c.JSON(http.StatusOK, user)
}
