// Package httpserver hosts the admin API and the webhook ingress on a
// gorilla/mux router. Health and metrics live on the separate httpapi server.
package httpserver

import "github.com/gorilla/mux"

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}
