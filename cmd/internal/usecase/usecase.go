package usecase

import (
	"context"

	"sessiond/cmd/session"
)

// UseCase is one caller-visible operation.
type UseCase[Req, Res any] interface {
	Execute(ctx context.Context, req Req) (Res, error)
}

type CreateSession struct{ h *Handle }

type AddUserToSession struct{ h *Handle }

type UpdateSessionIP struct{ h *Handle }

type GetSession struct{ h *Handle }

// ClearSession never reports repository failures (they are logged by the
// repository). Its error is only ever a guard wait failure.
type ClearSession struct{ h *Handle }

func (u CreateSession) Execute(ctx context.Context, req CreateSessionRequest) (session.Session, error) {
	var out session.Session
	err := u.h.Do(ctx, CreationLane, func(repo session.Repository) error {
		var err error
		out, err = repo.CreateSession(ctx, req.Device, req.IPAddress, req.SessionKey)
		return err
	})
	return out, err
}

func (u AddUserToSession) Execute(ctx context.Context, req AddUserToSessionRequest) (session.Session, error) {
	var out session.Session
	id := req.SessionID.String()
	err := u.h.Do(ctx, id, func(repo session.Repository) error {
		var err error
		out, err = repo.AddSessionToUser(ctx, id, req.LatestIPAddress, req.UserID.String(), req.SessionKey, req.UserPasswordHash)
		return err
	})
	return out, err
}

func (u UpdateSessionIP) Execute(ctx context.Context, req UpdateSessionIPRequest) (session.Session, error) {
	var out session.Session
	id := req.SessionID.String()
	err := u.h.Do(ctx, id, func(repo session.Repository) error {
		var err error
		out, err = repo.UpdateSessionIP(ctx, id, req.LatestIPAddress, req.SessionKey)
		return err
	})
	return out, err
}

func (u GetSession) Execute(ctx context.Context, req GetSessionRequest) (session.Session, error) {
	var out session.Session
	err := u.h.Do(ctx, req.ID, func(repo session.Repository) error {
		var err error
		out, err = repo.GetSession(ctx, req.ID)
		return err
	})
	return out, err
}

func (u ClearSession) Execute(ctx context.Context, req ClearSessionRequest) (struct{}, error) {
	id := req.SessionID.String()
	err := u.h.Do(ctx, id, func(repo session.Repository) error {
		repo.ClearSession(ctx, id, req.SessionKey)
		return nil
	})
	return struct{}{}, err
}

// Set bundles the five use cases over one handle.
type Set struct {
	CreateSession    UseCase[CreateSessionRequest, session.Session]
	AddUserToSession UseCase[AddUserToSessionRequest, session.Session]
	UpdateSessionIP  UseCase[UpdateSessionIPRequest, session.Session]
	GetSession       UseCase[GetSessionRequest, session.Session]
	ClearSession     UseCase[ClearSessionRequest, struct{}]
}

// New wires every use case to h.
func New(h *Handle) Set {
	return Set{
		CreateSession:    CreateSession{h: h},
		AddUserToSession: AddUserToSession{h: h},
		UpdateSessionIP:  UpdateSessionIP{h: h},
		GetSession:       GetSession{h: h},
		ClearSession:     ClearSession{h: h},
	}
}
