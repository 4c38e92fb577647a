package handlers

import (
	"context"
	"net/http"

	"llm-edge-gateway/internal/llm"
)

// ModelLister aggregates model listings. *llm.Registry implements it.
type ModelLister interface {
	ListModels(ctx context.Context) ([]llm.ModelDescriptor, error)
}

type ModelsHandler struct {
	models ModelLister
}

func NewModelsHandler(models ModelLister) *ModelsHandler {
	return &ModelsHandler{models: models}
}

type modelList struct {
	Object string                `json:"object"`
	Data   []llm.ModelDescriptor `json:"data"`
}

// List handles GET /v1/models.
func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	models, err := h.models.ListModels(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, modelList{Object: "list", Data: models})
}
