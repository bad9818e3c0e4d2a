package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/mistakeknot/intercom/internal/coord"
	"github.com/mistakeknot/intercom/internal/core"
)

const maxToolBody = 1 << 20

type toolsResponse struct {
	Tools []coord.Tool `json:"tools"`
}

type toolResult struct {
	Tool   string `json:"tool"`
	Result any    `json:"result"`
}

// GET /api/tools
func (s *Service) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toolsResponse{Tools: coord.Tools()})
}

// POST /api/tools/{name}
func (s *Service) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxToolBody+1))
	if err != nil {
		s.writeError(w, r, core.Invalid("read arguments: %v", err))
		return
	}
	if len(body) > maxToolBody {
		s.writeError(w, r, core.Invalid("arguments larger than %d bytes", maxToolBody))
		return
	}
	res, err := s.coord.Call(r.Context(), name, json.RawMessage(body))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toolResult{Tool: name, Result: res})
}
