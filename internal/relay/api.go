package relay

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/middleware"
)

const (
	claimsKey    = "claims"
	defaultPage  = 50
	maxPageLimit = 200
)

// requireToken rejects requests without a valid access token and stores the
// verified claims on the context.
func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := s.tokens.Verify(c.Request().Header.Get(echo.HeaderAuthorization), KindAccess)
		if err != nil {
			middleware.FromContext(c.Request().Context()).Debug("Rejected API request", "error", err)
			return c.JSON(http.StatusUnauthorized, response{Message: "invalid token"})
		}
		c.Set(claimsKey, claims)
		return next(c)
	}
}

func claimsFrom(c echo.Context) Claims {
	claims, _ := c.Get(claimsKey).(Claims)
	return claims
}

// pageParams reads limit and offset, clamping limit to maxPageLimit.
func pageParams(c echo.Context) (limit, offset int, err error) {
	limit, offset = defaultPage, 0
	err = echo.QueryParamsBinder(c).
		Int("limit", &limit).
		Int("offset", &offset).
		BindError()
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return limit, offset, err
}

func (s *Server) handleOnlineUsers(c echo.Context) error {
	reader := claimsFrom(c).UserID
	users := make([]chat.User, 0)
	for _, u := range s.presence.Snapshot() {
		if !u.Online {
			continue
		}
		u.UnreadCount = s.history.Unread(reader, u.ID)
		users = append(users, u)
	}
	return c.JSON(http.StatusOK, response{Success: true, Data: users})
}

func (s *Server) handleRooms(c echo.Context) error {
	names := append(s.history.Rooms(), s.opts.DefaultRoom)
	sort.Strings(names)

	rooms := make([]chat.Room, 0, len(names))
	for i, name := range names {
		if i > 0 && names[i-1] == name {
			continue
		}
		rooms = append(rooms, chat.Room{ID: name, Name: name})
	}
	return c.JSON(http.StatusOK, response{Success: true, Data: rooms})
}

func (s *Server) handleRoomMessages(c echo.Context) error {
	limit, offset, err := pageParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, response{Message: "limit and offset must be integers"})
	}
	msgs := s.history.Room(c.Param("roomId"), limit, offset)
	return c.JSON(http.StatusOK, response{Success: true, Data: msgs})
}

func (s *Server) handlePrivateMessages(c echo.Context) error {
	claims := claimsFrom(c)
	if chat.ID(c.Param("userId")) != claims.UserID {
		return c.JSON(http.StatusForbidden, response{Message: "cannot read another user's messages"})
	}
	other := chat.ID(c.QueryParam("otherUserId"))
	if other == "" {
		return c.JSON(http.StatusBadRequest, response{Message: "otherUserId is required"})
	}
	limit, offset, err := pageParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, response{Message: "limit and offset must be integers"})
	}
	msgs := s.history.Conversation(claims.UserID, other, limit, offset)
	return c.JSON(http.StatusOK, response{Success: true, Data: msgs})
}

func (s *Server) handleMarkAllRead(c echo.Context) error {
	claims := claimsFrom(c)
	if chat.ID(c.QueryParam("userId")) != claims.UserID {
		return c.JSON(http.StatusForbidden, response{Message: "cannot mark another user's messages"})
	}
	other := chat.ID(c.QueryParam("otherUserId"))
	if other == "" {
		return c.JSON(http.StatusBadRequest, response{Message: "otherUserId is required"})
	}
	n := s.history.MarkRead(claims.UserID, other)
	return c.JSON(http.StatusOK, response{Success: true, Data: map[string]int{"updated": n}})
}
