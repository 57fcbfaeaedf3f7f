package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"

	"github.com/dispatchgrid/consolehub/bsu"
	"github.com/dispatchgrid/consolehub/config"
	"github.com/dispatchgrid/consolehub/globals"
	"github.com/dispatchgrid/consolehub/store"
	"github.com/dispatchgrid/consolehub/types"
	"github.com/dispatchgrid/consolehub/ws"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// apiServer is the thin HTTP collaborator layer around the stores and the
// hub. It carries no business logic of its own.
type apiServer struct {
	cfg      *config.Config
	store    *store.Store
	bsuStore *bsu.Store
	hub      *ws.Hub
}

func newRouter(cfg *config.Config, st *store.Store, bsuStore *bsu.Store, hub *ws.Hub) *mux.Router {
	api := &apiServer{cfg: cfg, store: st, bsuStore: bsuStore, hub: hub}
	router := mux.NewRouter()
	router.HandleFunc("/api/data", api.getData).Methods(http.MethodGet)
	router.HandleFunc("/api/groups", api.getGroups).Methods(http.MethodGet)
	router.HandleFunc("/api/groups", api.addGroup).Methods(http.MethodPost)
	router.HandleFunc("/api/abonents", api.getAbonents).Methods(http.MethodGet)
	router.HandleFunc("/api/abonents", api.addAbonent).Methods(http.MethodPost)
	router.HandleFunc("/api/settings", api.getSettings).Methods(http.MethodGet)
	router.HandleFunc("/api/settings", api.setSettings).Methods(http.MethodPost)
	router.HandleFunc("/api/encryptionKey", api.getEncryptionKey).Methods(http.MethodGet)
	router.HandleFunc("/api/bsu/data", api.getBsuData).Methods(http.MethodGet)
	router.HandleFunc("/api/bsu/retranslators", api.addRetranslator).Methods(http.MethodPost)
	router.HandleFunc("/api/bsu/retranslators/{id}", api.deleteRetranslator).Methods(http.MethodDelete)
	router.HandleFunc("/api/bsu/timeslots", api.addTimeslot).Methods(http.MethodPost)
	router.HandleFunc("/api/bsu/timeslots/{id}", api.deleteTimeslot).Methods(http.MethodDelete)
	router.HandleFunc("/healthz", api.health).Methods(http.MethodGet)
	router.HandleFunc("/ws", api.websocketHandler).Methods(http.MethodGet)
	return router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		globals.AppLogger.Error("could not write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (a *apiServer) getData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.Load())
}

func (a *apiServer) getGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.Load().Groups)
}

func (a *apiServer) addGroup(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Title   string   `json:"title"`
		Members []string `json:"members"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title must not be empty")
		return
	}
	if req.Members == nil {
		req.Members = make([]string, 0)
	}
	var group types.Group
	_, err := a.store.Update(func(ds *types.Dataset) error {
		for i := range ds.Groups {
			if ds.Groups[i].Title == req.Title {
				// re-creation only updates membership, the status belongs to
				// the broadcast events
				ds.Groups[i].Members = req.Members
				group = ds.Groups[i]
				return nil
			}
		}
		group = types.Group{
			Id:        ds.NextGroupId(),
			Title:     req.Title,
			Status:    types.StatusOffline,
			Members:   req.Members,
			CreatedAt: time.Now(),
		}
		ds.Groups = append(ds.Groups, group)
		return nil
	})
	if err != nil {
		globals.AppLogger.Error("could not save group", "error", err)
		writeError(w, http.StatusInternalServerError, "could not save group")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "group": group})
}

func (a *apiServer) getAbonents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.Load().Abonents)
}

func (a *apiServer) addAbonent(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Id    string `json:"id"`
		Name  string `json:"name"`
		Color string `json:"color"`
		Icon  string `json:"icon"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name must not be empty")
		return
	}
	if req.Id == "" {
		req.Id = uuid.NewString()
	}
	var abonent types.Abonent
	_, err := a.store.Update(func(ds *types.Dataset) error {
		if existing := ds.Abonent(req.Id); existing != nil {
			existing.Name = req.Name
			existing.Color = req.Color
			existing.Icon = req.Icon
			abonent = *existing
			return nil
		}
		abonent = types.Abonent{
			Id:        req.Id,
			Name:      req.Name,
			Color:     req.Color,
			Icon:      req.Icon,
			CreatedAt: time.Now(),
		}
		ds.Abonents = append(ds.Abonents, abonent)
		return nil
	})
	if err != nil {
		globals.AppLogger.Error("could not save abonent", "error", err)
		writeError(w, http.StatusInternalServerError, "could not save abonent")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "abonent": abonent})
}

func (a *apiServer) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.Load().Settings)
}

func (a *apiServer) setSettings(w http.ResponseWriter, r *http.Request) {
	settings := make(map[string]interface{})
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := a.store.Update(func(ds *types.Dataset) error {
		ds.Settings = settings
		return nil
	}); err != nil {
		globals.AppLogger.Error("could not save settings", "error", err)
		writeError(w, http.StatusInternalServerError, "could not save settings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *apiServer) getBsuData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.bsuStore.Load())
}

func (a *apiServer) addRetranslator(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Ip     string                 `json:"ip"`
		Config map[string]interface{} `json:"config"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Ip == "" {
		writeError(w, http.StatusBadRequest, "ip must not be empty")
		return
	}
	var retranslator bsu.Retranslator
	if _, err := a.bsuStore.Update(func(ds *bsu.Dataset) error {
		retranslator = ds.AddRetranslator(req.Ip, req.Config)
		return nil
	}); err != nil {
		globals.AppLogger.Error("could not save retranslator", "error", err)
		writeError(w, http.StatusInternalServerError, "could not save retranslator")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "retranslator": retranslator})
}

func (a *apiServer) deleteRetranslator(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := a.bsuStore.Update(func(ds *bsu.Dataset) error {
		ds.DeleteRetranslator(id)
		return nil
	}); err != nil {
		globals.AppLogger.Error("could not delete retranslator", "error", err)
		writeError(w, http.StatusInternalServerError, "could not delete retranslator")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *apiServer) addTimeslot(w http.ResponseWriter, r *http.Request) {
	// consoles send times and frequencies in mixed representations, decode
	// them weakly the way the signaling frames are decoded
	body := make(map[string]interface{})
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req := struct {
		StartTime string `mapstructure:"startTime"`
		EndTime   string `mapstructure:"endTime"`
		Frequency string `mapstructure:"frequency"`
	}{}
	if err := mapstructure.WeakDecode(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StartTime == "" || req.EndTime == "" {
		writeError(w, http.StatusBadRequest, "startTime and endTime must not be empty")
		return
	}
	var timeslot bsu.Timeslot
	if _, err := a.bsuStore.Update(func(ds *bsu.Dataset) error {
		timeslot = ds.AddTimeslot(req.StartTime, req.EndTime, req.Frequency)
		return nil
	}); err != nil {
		globals.AppLogger.Error("could not save timeslot", "error", err)
		writeError(w, http.StatusInternalServerError, "could not save timeslot")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "timeslot": timeslot})
}

func (a *apiServer) deleteTimeslot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := a.bsuStore.Update(func(ds *bsu.Dataset) error {
		ds.DeleteTimeslot(id)
		return nil
	}); err != nil {
		globals.AppLogger.Error("could not delete timeslot", "error", err)
		writeError(w, http.StatusInternalServerError, "could not delete timeslot")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *apiServer) getEncryptionKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"key": a.cfg.EncryptionKey})
}

func (a *apiServer) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": a.hub.NoClients(),
	})
}

// websocketHandler upgrades the request and hands the connection to the hub.
func (a *apiServer) websocketHandler(w http.ResponseWriter, r *http.Request) {
	abonentId := r.URL.Query().Get("userId")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("websocket upgrade error", "error", err)
		return
	}
	c := a.hub.Accept(conn, abonentId)
	go c.WriteLoop()
	c.ReadLoop()
}
