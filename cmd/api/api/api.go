// Package api exposes the VM store over HTTP. Every route operates within an
// owning context taken from request headers, so distinct callers never see
// each other's VMs.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/substratehq/substrate/lib/instances"
	"github.com/substratehq/substrate/lib/vmconfig"
)

// Context headers. Package is required; class and user default to the
// device-protected system user.
const (
	HeaderPackage      = "X-Substrate-Package"
	HeaderUser         = "X-Substrate-User"
	HeaderStorageClass = "X-Substrate-Storage-Class"
)

// ApiService implements the HTTP surface over a Registry.
type ApiService struct {
	registry *instances.Registry
	log      *slog.Logger

	// MaxDescriptorBytes caps import request bodies. Zero means no limit.
	MaxDescriptorBytes int64
}

func New(registry *instances.Registry, log *slog.Logger) *ApiService {
	return &ApiService{registry: registry, log: log}
}

// Routes mounts the service on a chi router.
func (s *ApiService) Routes(r chi.Router) {
	r.Get("/health", s.GetHealth)
	r.Route("/vms", func(r chi.Router) {
		r.Get("/", s.ListVMs)
		r.Post("/", s.CreateVM)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.GetVM)
			r.Delete("/", s.DeleteVM)
			r.Put("/config", s.SetVMConfig)
			r.Post("/run", s.RunVM)
			r.Post("/stop", s.StopVM)
			r.Get("/export", s.ExportVM)
			r.Post("/import", s.ImportVM)
			r.Post("/grants", s.GrantSecretAccess)
			r.Get("/secret", s.GetInstanceSecret)
			r.Get("/attestation", s.GetAttestationChain)
		})
	})
}

func (s *ApiService) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// manager resolves the owning context of a request.
func (s *ApiService) manager(r *http.Request) (*instances.Manager, error) {
	octx := instances.OwningContext{
		Class:   instances.DeviceProtected,
		Package: r.Header.Get(HeaderPackage),
	}
	if class := r.Header.Get(HeaderStorageClass); class != "" {
		octx.Class = instances.StorageClass(class)
	}
	if user := r.Header.Get(HeaderUser); user != "" {
		id, err := strconv.Atoi(user)
		if err != nil {
			return nil, errors.New("malformed " + HeaderUser + " header")
		}
		octx.UserID = id
	}
	return s.registry.ManagerFor(octx)
}

type vmResponse struct {
	Name   string          `json:"name"`
	State  instances.State `json:"state"`
	Config vmconfig.Config `json:"config"`
}

func toResponse(vm *instances.VM) vmResponse {
	return vmResponse{Name: vm.Name(), State: vm.Status(), Config: vm.Config()}
}

type createRequest struct {
	Name   string          `json:"name"`
	Config vmconfig.Config `json:"config"`
}

func (s *ApiService) CreateVM(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	vm, err := m.Create(r.Context(), req.Name, req.Config)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(vm))
}

func (s *ApiService) ListVMs(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	names, err := m.List(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"vms": names})
}

// lookup fetches the VM addressed by the route, translating absence into 404.
func (s *ApiService) lookup(w http.ResponseWriter, r *http.Request) (*instances.VM, bool) {
	m, err := s.manager(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return nil, false
	}
	vm, err := m.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return nil, false
	}
	if vm == nil {
		s.writeError(w, r, http.StatusNotFound, instances.ErrNotFound)
		return nil, false
	}
	return vm, true
}

func (s *ApiService) GetVM(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toResponse(vm))
}

func (s *ApiService) DeleteVM(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := m.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ApiService) SetVMConfig(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var cfg vmconfig.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := vm.SetConfig(r.Context(), cfg); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(vm))
}

func (s *ApiService) RunVM(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ch, err := vm.Run(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	// Drain the run's events into the log. The channel buffers without an
	// observer, but a finished run should not hold its backlog forever.
	go func() {
		for e := range ch.Events() {
			s.log.Info("vm event", "vm", vm.Name(), "kind", e.Kind,
				"reason", e.Reason, "exit_code", e.ExitCode)
		}
	}()
	writeJSON(w, http.StatusAccepted, toResponse(vm))
}

func (s *ApiService) StopVM(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var err error
	if r.URL.Query().Get("force") == "true" {
		err = vm.ForceStop(r.Context())
	} else {
		err = vm.Stop(r.Context())
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(vm))
}

func (s *ApiService) ExportVM(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.lookup(w, r)
	if !ok {
		return
	}
	desc, err := vm.ToDescriptor()
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *ApiService) ImportVM(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	body := r.Body
	if s.MaxDescriptorBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.MaxDescriptorBytes)
	}
	var desc instances.Descriptor
	if err := json.NewDecoder(body).Decode(&desc); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	vm, err := m.ImportFromDescriptor(r.Context(), chi.URLParam(r, "name"), &desc)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(vm))
}

func (s *ApiService) GrantSecretAccess(w http.ResponseWriter, r *http.Request) {
	m, err := s.manager(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	grant, err := m.GrantSecretAccess(chi.URLParam(r, "name"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"grant": grant})
}

func (s *ApiService) GetInstanceSecret(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.lookup(w, r)
	if !ok {
		return
	}
	secret, err := vm.InstanceSecret(r.Context(), bearerToken(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]byte{"secret": secret})
}

func (s *ApiService) GetAttestationChain(w http.ResponseWriter, r *http.Request) {
	vm, ok := s.lookup(w, r)
	if !ok {
		return
	}
	chain, err := vm.AttestationChain(r.Context(), bearerToken(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]byte{"chain": chain})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// writeDomainError maps store errors onto status codes.
func (s *ApiService) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, instances.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, instances.ErrAlreadyExists),
		errors.Is(err, instances.ErrInvalidState),
		errors.Is(err, vmconfig.ErrIncompatible):
		status = http.StatusConflict
	case errors.Is(err, instances.ErrInvalidName),
		errors.Is(err, vmconfig.ErrConfig):
		status = http.StatusBadRequest
	case errors.Is(err, instances.ErrPermissionDenied):
		status = http.StatusForbidden
	}
	s.writeError(w, r, status, err)
}

func (s *ApiService) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
