package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"keymesh/internal/model"
	"keymesh/internal/service/blob"
	"keymesh/internal/service/directory"
	"keymesh/internal/utils/log"
)

type (
	// HttpServer exposes the directory and the blob store over REST. It
	// holds no protocol state of its own; everything lives behind the two
	// services, so any number of instances can front the same backends.
	HttpServer struct {
		directory directory.Service
		blobs     blob.Store
		addr      string
		srv       *http.Server
	}
)

func NewHttpServer(addr string, dir directory.Service, blobs blob.Store) *HttpServer {
	return &HttpServer{
		directory: dir,
		blobs:     blobs,
		addr:      addr,
	}
}

// Handler builds the REST router, split out so tests can mount it on an
// httptest server.
func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/v1/bundles", s.PublishBundle()).Methods(http.MethodPost)
	r.HandleFunc("/v1/bundles/{user}/{device}", s.FetchBundle()).Methods(http.MethodGet)
	r.HandleFunc("/v1/bundles/{user}/{device}/one-time/{id}/consume", s.ConsumeOneTimeKey()).Methods(http.MethodPost)
	r.HandleFunc("/v1/capabilities", s.PublishCapabilities()).Methods(http.MethodPost)
	r.HandleFunc("/v1/capabilities/{user}/{device}", s.FetchCapabilities()).Methods(http.MethodGet)

	// Blob keys are slash-separated, the pattern has to swallow them.
	r.HandleFunc("/v1/blobs/{key:.+}", s.PutBlob()).Methods(http.MethodPut)
	r.HandleFunc("/v1/blobs/{key:.+}", s.GetBlob()).Methods(http.MethodGet)
	r.HandleFunc("/v1/blobs/{key:.+}", s.DeleteBlob()).Methods(http.MethodDelete)

	return r
}

// Run starts listening without blocking. Stop with Shutdown.
func (s *HttpServer) Run() {
	s.srv = &http.Server{Addr: s.addr, Handler: s.Handler()}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen failed", zap.Error(err))
		}
	}()
	log.Info("keymeshd listening", zap.String("addr", s.addr))
}

func (s *HttpServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *HttpServer) PublishBundle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var bundle model.PublishedBundle
		if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
			http.Error(w, "malformed bundle", http.StatusBadRequest)
			return
		}
		if bundle.Device.User == "" || bundle.Device.Device == "" {
			http.Error(w, "device cannot be empty", http.StatusBadRequest)
			return
		}

		if err := s.directory.PublishBundle(r.Context(), &bundle); err != nil {
			log.Error("publish bundle failed", zap.String("device", bundle.Device.String()), zap.Error(err))
			http.Error(w, "publish failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) FetchBundle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bundle, err := s.directory.FetchBundle(r.Context(), pathDevice(r))
		if err != nil {
			writeDirectoryErr(w, err)
			return
		}
		writeJSON(w, bundle)
	}
}

func (s *HttpServer) ConsumeOneTimeKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
		if err != nil {
			http.Error(w, "malformed key id", http.StatusBadRequest)
			return
		}

		if err := s.directory.ConsumeOneTimeKey(r.Context(), pathDevice(r), uint32(id)); err != nil {
			writeDirectoryErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) PublishCapabilities() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var caps model.CapabilitySet
		if err := json.NewDecoder(r.Body).Decode(&caps); err != nil {
			http.Error(w, "malformed capability set", http.StatusBadRequest)
			return
		}
		if caps.Device.User == "" || caps.Device.Device == "" {
			http.Error(w, "device cannot be empty", http.StatusBadRequest)
			return
		}

		if err := s.directory.PublishCapabilities(r.Context(), &caps); err != nil {
			log.Error("publish capabilities failed", zap.String("device", caps.Device.String()), zap.Error(err))
			http.Error(w, "publish failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) FetchCapabilities() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caps, err := s.directory.FetchCapabilities(r.Context(), pathDevice(r))
		if err != nil {
			writeDirectoryErr(w, err)
			return
		}
		writeJSON(w, caps)
	}
}

func (s *HttpServer) PutBlob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}

		var ttl time.Duration
		if raw := r.URL.Query().Get("ttl"); raw != "" {
			secs, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || secs < 0 {
				http.Error(w, "malformed ttl", http.StatusBadRequest)
				return
			}
			ttl = time.Duration(secs) * time.Second
		}

		key := mux.Vars(r)["key"]
		if err := s.blobs.Put(r.Context(), key, data, ttl); err != nil {
			log.Error("put blob failed", zap.String("key", key), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) GetBlob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := s.blobs.Get(r.Context(), mux.Vars(r)["key"])
		switch {
		case errors.Is(err, blob.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, blob.ErrExpired):
			http.Error(w, "expired", http.StatusGone)
		case err != nil:
			log.Error("get blob failed", zap.String("key", mux.Vars(r)["key"]), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		default:
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(data)
		}
	}
}

func (s *HttpServer) DeleteBlob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := mux.Vars(r)["key"]
		if err := s.blobs.Delete(r.Context(), key); err != nil {
			log.Error("delete blob failed", zap.String("key", key), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func pathDevice(r *http.Request) model.DeviceID {
	vars := mux.Vars(r)
	return model.DeviceID{User: vars["user"], Device: vars["device"]}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encode response failed", zap.Error(err))
	}
}

func writeDirectoryErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, directory.ErrPrekeyConsumed):
		http.Error(w, "one-time key already consumed", http.StatusConflict)
	default:
		log.Error("directory request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
