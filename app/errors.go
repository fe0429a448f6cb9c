package ephemeral

import (
	"net/http"

	"github.com/putto11262002/ephemeral/core"
	"github.com/putto11262002/ephemeral/pkg/router"
)

func registerErrorMappers(r *router.Router) {
	r.RegisterErrorMapper(core.ErrValidation, func(err error) router.JsonError {
		return router.NewJsonError(http.StatusBadRequest, err.Error())
	})
	r.RegisterErrorMapper(core.ErrUnauthenticated, func(error) router.JsonError {
		return router.NewJsonError(http.StatusUnauthorized, "unauthenticated")
	})
	r.RegisterErrorMapper(core.ErrNotRoomMember, func(err error) router.JsonError {
		return router.NewJsonError(http.StatusForbidden, core.ErrNotRoomMember.Error())
	})
	r.RegisterErrorMapper(core.ErrDependencyUnavailable, func(error) router.JsonError {
		return router.NewJsonError(http.StatusServiceUnavailable, "service temporarily unavailable")
	})
}
