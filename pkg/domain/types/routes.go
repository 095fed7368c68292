package types

// UI routes stored under KeyAppRedirect. The engine never renders routes; it
// only records where the UI should navigate after a transition.
const (
	RouteHome   = "/"
	RouteSignIn = "/signin"
)
