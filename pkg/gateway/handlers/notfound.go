package handlers

import (
	"net/http"

	"github.com/vango-go/vai-transcribe/pkg/core"
	"github.com/vango-go/vai-transcribe/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	mw.WriteJSONError(w, http.StatusNotFound, core.NewNotFoundError("not found").WithRequestID(reqID))
}

type MethodNotAllowedHandler struct{}

func (h MethodNotAllowedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	mw.WriteJSONError(w, http.StatusMethodNotAllowed, core.NewInvalidRequestError("method not allowed", "method_not_allowed").WithRequestID(reqID))
}
