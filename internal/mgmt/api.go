package mgmt

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sdko-org/usage-proxy/internal/cert"
	"github.com/sdko-org/usage-proxy/internal/directory"
	"github.com/sdko-org/usage-proxy/internal/listener"
	"github.com/sdko-org/usage-proxy/internal/meter"
	"github.com/sdko-org/usage-proxy/internal/models"
	"github.com/sdko-org/usage-proxy/internal/registry"
)

// API is the local control plane. It is a thin marshaling layer over the
// registry, directory and meter; all failures are synchronous JSON
// responses and never affect live traffic.
type API struct {
	reg      *registry.Registry
	dir      *directory.Directory
	usage    *meter.Meter
	shutdown func()
	log      *logrus.Entry
}

func New(logger *logrus.Logger, reg *registry.Registry, dir *directory.Directory, usage *meter.Meter, shutdown func()) *API {
	return &API{
		reg:      reg,
		dir:      dir,
		usage:    usage,
		shutdown: shutdown,
		log:      logger.WithField("component", "management_api"),
	}
}

func (a *API) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/services", a.listServices).Methods("GET")
	r.HandleFunc("/services", a.createService).Methods("POST")
	r.HandleFunc("/services/{service}", a.getService).Methods("GET")
	r.HandleFunc("/services/{service}", a.replaceService).Methods("PUT")
	r.HandleFunc("/services/{service}", a.deleteService).Methods("DELETE")
	r.HandleFunc("/services/{service}/cert", a.getCert).Methods("GET")
	r.HandleFunc("/services/{service}/stats", a.serviceStats).Methods("GET")

	r.HandleFunc("/services/{service}/users", a.listUsers).Methods("GET")
	r.HandleFunc("/services/{service}/users", a.createUser).Methods("POST")
	r.HandleFunc("/services/{service}/users/{user}", a.getUser).Methods("GET")
	r.HandleFunc("/services/{service}/users/{user}", a.deleteUser).Methods("DELETE")
	r.HandleFunc("/services/{service}/users/{user}/revoke", a.revokeUser).Methods("POST")
	r.HandleFunc("/services/{service}/users/{user}/stats", a.userStats).Methods("GET")
	r.HandleFunc("/services/{service}/users/{user}/stats", a.purgeUserStats).Methods("DELETE")
	r.HandleFunc("/services/{service}/users/{user}/endpoints", a.endpointStats).Methods("GET")

	r.HandleFunc("/stats", a.globalStats).Methods("GET")
	r.HandleFunc("/control/shutdown", a.postShutdown).Methods("POST")

	return r
}

func (a *API) listServices(w http.ResponseWriter, _ *http.Request) {
	services := a.reg.List()
	out := make([]models.Service, 0, len(services))
	for _, v := range services {
		out = append(out, v.Model())
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createService(w http.ResponseWriter, r *http.Request) {
	var cs models.CreateService
	if err := json.NewDecoder(r.Body).Decode(&cs); err != nil {
		writeError(w, http.StatusBadRequest, "malformed service definition: "+err.Error())
		return
	}
	vs, err := a.reg.Add(cs)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, vs.Model())
}

func (a *API) getService(w http.ResponseWriter, r *http.Request) {
	vs, ok := a.reg.Get(mux.Vars(r)["service"])
	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	writeJSON(w, http.StatusOK, vs.Model())
}

func (a *API) replaceService(w http.ResponseWriter, r *http.Request) {
	var cs models.CreateService
	if err := json.NewDecoder(r.Body).Decode(&cs); err != nil {
		writeError(w, http.StatusBadRequest, "malformed service definition: "+err.Error())
		return
	}
	vs, err := a.reg.Replace(mux.Vars(r)["service"], cs)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vs.Model())
}

func (a *API) deleteService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["service"]
	if _, err := a.reg.Remove(name); err != nil {
		a.fail(w, err)
		return
	}
	// Users go with the service; counters stay for a final billing read.
	a.dir.DropService(name)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (a *API) getCert(w http.ResponseWriter, r *http.Request) {
	vs, ok := a.reg.Get(mux.Vars(r)["service"])
	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	if vs.Certificate == nil {
		writeError(w, http.StatusNotFound, "service has no certificate")
		return
	}
	writeJSON(w, http.StatusOK, models.CertConfig{
		Path:        vs.Certificate.Path,
		KeyPath:     vs.Certificate.KeyPath,
		Fingerprint: vs.Certificate.Fingerprint,
	})
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["service"]
	if _, ok := a.reg.Get(name); !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	users := a.dir.List(name)
	out := make([]models.User, 0, len(users))
	for _, u := range users {
		out = append(out, u.Model())
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["service"]
	if _, ok := a.reg.Get(name); !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	var cu models.CreateUser
	if err := json.NewDecoder(r.Body).Decode(&cu); err != nil {
		writeError(w, http.StatusBadRequest, "malformed user definition: "+err.Error())
		return
	}
	if cu.Username == "" || cu.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	user, err := a.dir.Create(name, cu.Username, cu.Password)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user.Model())
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	user, err := a.dir.Get(vars["service"], vars["user"])
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user.Model())
}

func (a *API) revokeUser(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.dir.Revoke(vars["service"], vars["user"]); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, err := a.dir.Delete(vars["service"], vars["user"]); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (a *API) userStats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, ok := a.statsUser(w, vars)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, models.UserStats{
		Requests: a.usage.UserTotal(vars["service"], id),
	})
}

func (a *API) purgeUserStats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, ok := a.statsUser(w, vars)
	if !ok {
		return
	}
	a.usage.PurgeUser(vars["service"], id)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (a *API) endpointStats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, ok := a.statsUser(w, vars)
	if !ok {
		return
	}
	var stats map[string]uint64
	if r.URL.Query().Get("reset") == "true" {
		stats = a.usage.SnapshotAndReset(vars["service"], id)
	} else {
		stats = a.usage.Snapshot(vars["service"], id)
	}
	writeJSON(w, http.StatusOK, models.EndpointStats(stats))
}

func (a *API) serviceStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["service"]
	if _, ok := a.reg.Get(name); !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	reset := r.URL.Query().Get("reset") == "true"
	writeJSON(w, http.StatusOK, a.usage.ServiceSnapshot(name, reset))
}

func (a *API) globalStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, models.GlobalStats{
		Users:    a.dir.UserCount(),
		Services: len(a.reg.List()),
		Requests: models.UserStats{Requests: a.usage.Total()},
	})
}

func (a *API) postShutdown(w http.ResponseWriter, _ *http.Request) {
	a.log.Info("Shutdown requested")
	writeJSON(w, http.StatusOK, struct{}{})
	if a.shutdown != nil {
		go a.shutdown()
	}
}

// statsUser resolves a path reference (id or username) to the counter key.
// Deleted users no longer resolve in the directory, but their counters are
// retained for a final billing read by id; a reference backed by neither a
// live user nor retained counters is a 404, distinguishing an unknown
// service from an unknown user.
func (a *API) statsUser(w http.ResponseWriter, vars map[string]string) (string, bool) {
	name := vars["service"]
	if user, err := a.dir.Get(name, vars["user"]); err == nil {
		return user.ID, true
	}
	if a.usage.UserTotal(name, vars["user"]) > 0 {
		return vars["user"], true
	}
	if _, ok := a.reg.Get(name); !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return "", false
	}
	writeError(w, http.StatusNotFound, "user not found")
	return "", false
}

func (a *API) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrServiceNotFound),
		errors.Is(err, directory.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrServiceExists),
		errors.Is(err, directory.ErrDuplicateUser),
		errors.Is(err, directory.ErrDuplicateCredential),
		errors.Is(err, directory.ErrNotRevoked),
		errors.Is(err, listener.ErrBind),
		errors.Is(err, listener.ErrBindDraining):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrConfig),
		errors.Is(err, registry.ErrAmbiguousBind),
		errors.Is(err, cert.ErrNotFound),
		errors.Is(err, cert.ErrUnreadable),
		errors.Is(err, cert.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.log.WithError(err).Error("Unhandled management error")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{Message: message})
}
