package usecase

import (
	"net/netip"

	"sessiond/cmd/session"

	"github.com/google/uuid"
)

type CreateSessionRequest struct {
	Device     session.Device
	IPAddress  netip.Addr
	SessionKey []byte
}

type AddUserToSessionRequest struct {
	SessionID        uuid.UUID
	LatestIPAddress  netip.Addr
	UserID           uuid.UUID
	SessionKey       []byte
	UserPasswordHash []byte
}

type UpdateSessionIPRequest struct {
	SessionID       uuid.UUID
	LatestIPAddress netip.Addr
	SessionKey      []byte
}

type GetSessionRequest struct {
	ID string
}

type ClearSessionRequest struct {
	SessionID  uuid.UUID
	SessionKey []byte
}
