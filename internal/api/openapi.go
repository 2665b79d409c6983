package api

import "net/http"

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the deadman HTTP API.
func buildOpenAPIDoc() map[string]any {
	keyParameter := map[string]any{
		"name":        "key",
		"in":          "path",
		"required":    true,
		"description": "Heartbeat key, at most 256 bytes.",
		"schema":      map[string]any{"type": "string", "maxLength": MaxKeyBytes},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "deadman",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/ping/{key}": map[string]any{
				"parameters": []any{keyParameter},
				"post": operation("ping", "Register a heartbeat for key", map[string]any{
					"200": response("Ping accepted"),
					"400": response("Invalid key"),
					"503": response("Ping queue full or watchdog stopped"),
				}),
				"delete": operation("forget", "Stop tracking key without raising an alert", map[string]any{
					"200": response("Key forgotten"),
					"404": response("Key not tracked"),
				}),
			},
			"/keys": map[string]any{
				"get": operation("listKeys", "Tracked keys and their deadlines", map[string]any{
					"200": response("Tracked keys"),
				}),
			},
			"/alerts": map[string]any{
				"get": withQuery(operation("listAlerts", "Recent alert deliveries", map[string]any{
					"200": response("Delivery history, newest first"),
					"400": response("Invalid limit"),
				}), "limit", "integer"),
			},
			"/healthz": map[string]any{
				"get": operation("healthz", "Liveness and counters", map[string]any{
					"200": response("Healthy"),
				}),
			},
			"/events": map[string]any{
				"get": operation("events", "Server-sent event stream", map[string]any{
					"200": map[string]any{
						"description": "Event stream",
						"content":     map[string]any{"text/event-stream": map[string]any{}},
					},
				}),
			},
		},
	}
}

func operation(id, summary string, responses map[string]any) map[string]any {
	return map[string]any{
		"operationId": id,
		"summary":     summary,
		"responses":   responses,
	}
}

func response(description string) map[string]any {
	return map[string]any{"description": description}
}

func withQuery(op map[string]any, name, typ string) map[string]any {
	op["parameters"] = []any{map[string]any{
		"name":     name,
		"in":       "query",
		"required": false,
		"schema":   map[string]any{"type": typ},
	}}
	return op
}
