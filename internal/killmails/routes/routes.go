package routes

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"wanderer-kills/internal/killmails/dto"
	"wanderer-kills/internal/killmails/services"
)

const (
	systemIDMin = 30000000
	systemIDMax = 50000000
)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// Routes handles the killmail HTTP surface: single killmail and per-system
// lookups through the typed API, and the offset-based killfeed polling
// endpoints as direct handlers (they answer 204 with no body).
type Routes struct {
	service *services.Service
}

// NewRoutes creates a new Routes instance.
func NewRoutes(service *services.Service) *Routes {
	return &Routes{service: service}
}

// RegisterRoutes registers the typed killmail operations.
func (r *Routes) RegisterRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getKillmail",
		Method:      http.MethodGet,
		Path:        "/killmail/{id}",
		Summary:     "Get a killmail",
		Description: "Returns a stored killmail by ID",
		Tags:        []string{"Killmails"},
	}, r.GetKillmail)

	huma.Register(api, huma.Operation{
		OperationID: "getSystemKillmails",
		Method:      http.MethodGet,
		Path:        "/system_killmails/{system_id}",
		Summary:     "List killmails for a system",
		Description: "Returns all currently stored killmails for a solar system, newest first",
		Tags:        []string{"Killmails"},
	}, r.GetSystemKillmails)

	huma.Register(api, huma.Operation{
		OperationID: "getSystemKillCount",
		Method:      http.MethodGet,
		Path:        "/system_kill_count/{system_id}",
		Summary:     "Get a system's kill count",
		Description: "Returns the number of kills observed in a solar system",
		Tags:        []string{"Killmails"},
	}, r.GetSystemKillCount)
}

// RegisterHTTPRoutes registers the killfeed polling endpoints.
func (r *Routes) RegisterHTTPRoutes(router chi.Router) {
	router.Get("/api/killfeed", r.handleKillfeed)
	router.Get("/api/killfeed/next", r.handleKillfeedNext)
}

// GetKillmail returns a stored killmail by ID.
func (r *Routes) GetKillmail(ctx context.Context, input *dto.KillmailInput) (*dto.KillmailOutput, error) {
	km, ok := r.service.Store().GetKillmail(input.ID)
	if !ok {
		return nil, huma.Error404NotFound("killmail not found")
	}
	return &dto.KillmailOutput{Body: *km}, nil
}

// GetSystemKillmails lists a system's stored killmails, newest first.
func (r *Routes) GetSystemKillmails(ctx context.Context, input *dto.SystemInput) (*dto.SystemKillmailsOutput, error) {
	kills := r.service.Store().ListBySystem(input.SystemID)
	return &dto.SystemKillmailsOutput{
		Body: dto.SystemKillmailsResponse{
			SystemID:  input.SystemID,
			Killmails: kills,
			Count:     len(kills),
		},
	}, nil
}

// GetSystemKillCount returns a system's kill count.
func (r *Routes) GetSystemKillCount(ctx context.Context, input *dto.SystemInput) (*dto.SystemKillCountOutput, error) {
	return &dto.SystemKillCountOutput{
		Body: dto.SystemKillCountResponse{
			SystemID: input.SystemID,
			Count:    r.service.Store().KillCount(input.SystemID),
		},
	}, nil
}

// handleKillfeed returns all undelivered events for the client across the
// requested systems, advancing the client's offsets. 204 when nothing is
// pending.
func (r *Routes) handleKillfeed(w http.ResponseWriter, req *http.Request) {
	clientID, systems, ok := parseKillfeedQuery(w, req)
	if !ok {
		return
	}

	events := r.service.Store().FetchForClient(clientID, systems)
	if len(events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, dto.KillfeedResponse{Events: events})
}

// handleKillfeedNext returns the single oldest undelivered event. 204 when
// nothing is pending.
func (r *Routes) handleKillfeedNext(w http.ResponseWriter, req *http.Request) {
	clientID, systems, ok := parseKillfeedQuery(w, req)
	if !ok {
		return
	}

	event, found := r.service.Store().FetchOne(clientID, systems)
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// parseKillfeedQuery validates client_id and the systems list, writing a
// 400 response on failure.
func parseKillfeedQuery(w http.ResponseWriter, req *http.Request) (string, []int64, bool) {
	clientID := req.URL.Query().Get("client_id")
	if !clientIDPattern.MatchString(clientID) {
		writeError(w, http.StatusBadRequest, "client_id must match [A-Za-z0-9_-]{1,100}")
		return "", nil, false
	}

	var systems []int64
	raw := req.URL.Query().Get("systems")
	if raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "systems must be a comma-separated list of integers")
				return "", nil, false
			}
			if id < systemIDMin || id > systemIDMax {
				writeError(w, http.StatusBadRequest, "system IDs must lie in [30000000, 50000000]")
				return "", nil, false
			}
			systems = append(systems, id)
		}
	}

	return clientID, systems, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
