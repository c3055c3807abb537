package auth

import (
	"errors"
	"strings"
)

// ErrActorRequired is returned when an operation needs an authenticated
// actor and none was supplied.
var ErrActorRequired = errors.New("actor_id required")

// ForbiddenError indicates the actor may not act on an entity.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string {
	if e.Reason == "" {
		return "forbidden"
	}
	return e.Reason
}

// RequireActor rejects an empty actor id.
func RequireActor(actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return ErrActorRequired
	}
	return nil
}

// RequireOwner checks that actorID owns an entity described by what, for
// example "AssetCard".
func RequireOwner(ownerID, actorID, what string) error {
	if err := RequireActor(actorID); err != nil {
		return err
	}
	if ownerID != actorID {
		return ForbiddenError{Reason: what + " does not belong to user"}
	}
	return nil
}
