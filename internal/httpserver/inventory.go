package httpserver

import (
	"io"
	"net/http"
	"strings"
)

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return false
	}
	return true
}

func (s *Server) handleListInventory(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	products, err := s.deps.Store.ListInventoryProducts(r.Context())
	if err != nil {
		s.failed(w, "list_inventory", err)
		return
	}
	total := 0
	for _, p := range products {
		total += p.Count
	}
	writeJSON(w, map[string]any{"products": products, "total": total})
}

// handleAddInventory stores one code per non-empty body line.
func (s *Server) handleAddInventory(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	product := strings.TrimSpace(r.PathValue("product"))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	lines := strings.Split(strings.ReplaceAll(string(body), "\r\n", "\n"), "\n")
	added, err := s.deps.Store.AddInventoryItems(r.Context(), product, lines)
	if err != nil {
		s.failed(w, "add_inventory", err)
		return
	}
	count, err := s.deps.Store.CountInventory(r.Context(), product)
	if err != nil {
		s.failed(w, "count_inventory", err)
		return
	}
	s.logger.Info("inventory added", "product", product, "added", added, "count", count)
	writeJSON(w, map[string]any{"product": product, "added": added, "count": count})
}

func (s *Server) handleDeleteInventory(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	product := strings.TrimSpace(r.PathValue("product"))
	deleted, err := s.deps.Store.DeleteInventoryProduct(r.Context(), product)
	if err != nil {
		s.failed(w, "delete_inventory", err)
		return
	}
	s.logger.Info("inventory deleted", "product", product, "deleted", deleted)
	writeJSON(w, map[string]any{"product": product, "deleted": deleted})
}
