package objstore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/gorilla/mux"
)

// API exposes the object store over HTTP for external tooling. The routes
// mirror the store operations one to one; it has no notion of documents.
type API struct {
	store  Store
	logger *slog.Logger
}

func NewAPI(store Store, logger *slog.Logger) *API {
	return &API{store: store, logger: logger.With("component", "objstore-api")}
}

// Register mounts the API on the given router.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/blobs", a.createBlob).Methods(http.MethodPost)
	r.HandleFunc("/blobs/{sha}", a.getBlob).Methods(http.MethodGet)
	r.HandleFunc("/blobs/{sha}/raw", a.getBlobRaw).Methods(http.MethodGet)
	r.HandleFunc("/trees", a.createTree).Methods(http.MethodPost)
	r.HandleFunc("/trees/{sha}", a.getTree).Methods(http.MethodGet)
	r.HandleFunc("/commits", a.createCommit).Methods(http.MethodPost)
	r.HandleFunc("/commits/{sha}", a.getCommit).Methods(http.MethodGet)
}

type blobRequest struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type blobResponse struct {
	SHA      string `json:"sha"`
	Size     int    `json:"size,omitempty"`
	Content  string `json:"content,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

func (a *API) createBlob(w http.ResponseWriter, r *http.Request) {
	var req blobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, http.StatusUnprocessableEntity, err)
		return
	}
	content, err := decodeContent(req.Content, req.Encoding)
	if err != nil {
		a.fail(w, http.StatusUnprocessableEntity, err)
		return
	}
	sha, err := a.store.CreateBlob(r.Context(), content)
	if err != nil {
		a.fail(w, http.StatusInternalServerError, err)
		return
	}
	a.respond(w, http.StatusCreated, blobResponse{SHA: sha})
}

func (a *API) getBlob(w http.ResponseWriter, r *http.Request) {
	sha := mux.Vars(r)["sha"]
	content, err := a.store.GetBlob(r.Context(), sha)
	if err != nil {
		a.failStore(w, err)
		return
	}
	resp := blobResponse{SHA: sha, Size: len(content)}
	if utf8.Valid(content) {
		resp.Content, resp.Encoding = string(content), "utf-8"
	} else {
		resp.Content, resp.Encoding = base64.StdEncoding.EncodeToString(content), "base64"
	}
	a.respond(w, http.StatusOK, resp)
}

func (a *API) getBlobRaw(w http.ResponseWriter, r *http.Request) {
	sha := mux.Vars(r)["sha"]
	content, err := a.store.GetBlob(r.Context(), sha)
	if err != nil {
		a.failStore(w, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(content))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

type treeRequest struct {
	Tree []TreeEntry `json:"tree"`
}

type treeResponse struct {
	SHA  string      `json:"sha"`
	Tree []TreeEntry `json:"tree"`
}

func (a *API) createTree(w http.ResponseWriter, r *http.Request) {
	var req treeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, http.StatusUnprocessableEntity, err)
		return
	}
	if len(req.Tree) == 0 {
		a.fail(w, http.StatusUnprocessableEntity, errors.New("tree has no entries"))
		return
	}
	sha, err := a.store.CreateTree(r.Context(), req.Tree)
	if err != nil {
		a.fail(w, http.StatusInternalServerError, err)
		return
	}
	entries, err := a.store.GetTree(r.Context(), sha, false)
	if err != nil {
		a.fail(w, http.StatusInternalServerError, err)
		return
	}
	a.respond(w, http.StatusCreated, treeResponse{SHA: sha, Tree: entries})
}

func (a *API) getTree(w http.ResponseWriter, r *http.Request) {
	sha := mux.Vars(r)["sha"]
	recursive := r.URL.Query().Get("recursive") != ""
	entries, err := a.store.GetTree(r.Context(), sha, recursive)
	if err != nil {
		a.failStore(w, err)
		return
	}
	a.respond(w, http.StatusOK, treeResponse{SHA: sha, Tree: entries})
}

type commitRequest struct {
	Tree    string    `json:"tree"`
	Parents []string  `json:"parents"`
	Message string    `json:"message"`
	Author  Signature `json:"author"`
}

func (a *API) createCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, http.StatusUnprocessableEntity, err)
		return
	}
	if req.Tree == "" {
		a.fail(w, http.StatusUnprocessableEntity, errors.New("commit has no tree"))
		return
	}
	c := Commit{
		Tree:      req.Tree,
		Parents:   req.Parents,
		Author:    req.Author,
		Committer: req.Author,
		Message:   req.Message,
	}
	sha, err := a.store.CreateCommit(r.Context(), c)
	if err != nil {
		a.fail(w, http.StatusInternalServerError, err)
		return
	}
	a.respond(w, http.StatusCreated, map[string]string{"sha": sha})
}

func (a *API) getCommit(w http.ResponseWriter, r *http.Request) {
	sha := mux.Vars(r)["sha"]
	c, err := a.store.GetCommit(r.Context(), sha)
	if err != nil {
		a.failStore(w, err)
		return
	}
	a.respond(w, http.StatusOK, c)
}

func decodeContent(content, encoding string) ([]byte, error) {
	switch encoding {
	case "", "utf-8":
		return []byte(content), nil
	case "base64":
		return base64.StdEncoding.DecodeString(content)
	default:
		return nil, errors.New("unsupported encoding: " + encoding)
	}
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Warn("write response", "err", err)
	}
}

func (a *API) failStore(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		a.fail(w, http.StatusNotFound, err)
		return
	}
	a.fail(w, http.StatusInternalServerError, err)
}

func (a *API) fail(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "status", status, "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": err.Error()})
}
