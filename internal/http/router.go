package httpapi

import "net/http"

// NewRouter wires the REST, tool and health endpoints. wsHandler is mounted
// at /ws/agents/ when non-nil; mw wraps every handler when non-nil.
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.Handler {
		handler := http.Handler(h)
		if mw != nil {
			handler = mw(handler)
		}
		return handler
	}

	mux.Handle("GET /healthz", wrap(svc.handleHealth))

	mux.Handle("POST /api/agents", wrap(svc.handleRegisterAgent))
	mux.Handle("GET /api/agents", wrap(svc.handleListAgents))
	mux.Handle("GET /api/agents/{name}", wrap(svc.handleWhois))
	mux.Handle("DELETE /api/agents/{name}", wrap(svc.handleDeregister))
	mux.Handle("GET /api/agents/{name}/contacts", wrap(svc.handleListContacts))
	mux.Handle("POST /api/agents/{name}/contacts", wrap(svc.handleRequestContact))

	mux.Handle("POST /api/reservations", wrap(svc.handleReserve))
	mux.Handle("GET /api/reservations", wrap(svc.handleListReservations))
	mux.Handle("POST /api/reservations/release", wrap(svc.handleRelease))
	mux.Handle("POST /api/reservations/renew", wrap(svc.handleRenew))

	mux.Handle("POST /api/messages", wrap(svc.handleSendMessage))
	mux.Handle("POST /api/messages/{id}/read", wrap(svc.handleMessageAction(false)))
	mux.Handle("POST /api/messages/{id}/ack", wrap(svc.handleMessageAction(true)))
	mux.Handle("GET /api/inbox/{agent}", wrap(svc.handleInbox))

	mux.Handle("GET /api/tools", wrap(svc.handleListTools))
	mux.Handle("POST /api/tools/{name}", wrap(svc.handleCallTool))

	if wsHandler != nil {
		if mw != nil {
			mux.Handle("/ws/agents/", mw(wsHandler))
		} else {
			mux.Handle("/ws/agents/", wsHandler)
		}
	}
	return mux
}
