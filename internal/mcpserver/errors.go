package mcpserver

import (
	"encoding/json"
	"net/http"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
)

// writeJSONRPCError answers with a JSON-RPC error envelope carrying a null id.
func writeJSONRPCError(w http.ResponseWriter, status int, code int64, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(jsonrpc.NullID(), code, message))
}
