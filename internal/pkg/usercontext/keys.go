package usercontext

// Locals keys shared by middlewares and controllers.
const (
	KeyUserContext   = "USER_CONTEXT"
	KeyUserID        = "user_id"
	KeyIsAdmin       = "isAdmin"
	KeyFromProtected = "from_protected"
)

// Headers set by the fronting application for authenticated requests.
const (
	HeaderUserID        = "X-User-ID"
	HeaderUserRole      = "X-User-Role"
	HeaderInternalToken = "X-Internal-Token"
)
