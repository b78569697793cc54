// Package awxtest runs an in-memory AWX API for tests.
package awxtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Object is one stored AWX resource.
type Object = map[string]any

// Server is a fake AWX.  Collections are keyed by their API path segment
// ("inventories", "hosts", ...).
type Server struct {
	*httptest.Server

	// Token, when set, is the only bearer accepted.  OAuth grants issue it.
	Token string

	mu       sync.Mutex
	nextID   int
	objs     map[string][]Object
	members  map[int][]int
	stdout   map[int]string
	calls    map[string]int
	failNext int
	failCode int
}

// New starts a server with one organization and the Source Control
// credential type.
func New() *Server {
	s := &Server{
		nextID:  100,
		objs:    map[string][]Object{},
		members: map[int][]int{},
		stdout:  map[int]string{},
		calls:   map[string]int{},
	}
	s.objs["organizations"] = []Object{{"id": 1, "name": "Default"}}
	s.objs["credential_types"] = []Object{{"id": 2, "name": "Source Control"}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/o/token/{$}", s.token)
	mux.HandleFunc("GET /api/v2/ping/{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Object{"version": "23.0.0"})
	})
	mux.HandleFunc("GET /api/v2/inventories/{id}/hosts/{$}", s.inventoryHosts)
	mux.HandleFunc("GET /api/v2/groups/{id}/hosts/{$}", s.groupHosts)
	mux.HandleFunc("POST /api/v2/groups/{id}/hosts/{$}", s.addGroupHost)
	mux.HandleFunc("POST /api/v2/projects/{id}/update/{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, Object{"project_update": 1})
	})
	mux.HandleFunc("POST /api/v2/job_templates/{id}/launch/{$}", s.launch)
	mux.HandleFunc("GET /api/v2/jobs/{id}/stdout/{$}", s.jobStdout)
	mux.HandleFunc("GET /api/v2/jobs/{$}", s.listJobs)
	mux.HandleFunc("GET /api/v2/{coll}/{$}", s.list)
	mux.HandleFunc("POST /api/v2/{coll}/{$}", s.create)
	mux.HandleFunc("GET /api/v2/{coll}/{id}/{$}", s.get)
	mux.HandleFunc("PATCH /api/v2/{coll}/{id}/{$}", s.patch)

	s.Server = httptest.NewServer(s.middleware(mux))
	return s
}

// Host returns host:port, suitable for AWX_SERVER.
func (s *Server) Host() string { return strings.TrimPrefix(s.URL, "http://") }

// FailNext makes the next n API requests answer code.
func (s *Server) FailNext(n, code int) {
	s.mu.Lock()
	s.failNext, s.failCode = n, code
	s.mu.Unlock()
}

// Calls returns how many times "METHOD /path/" was requested.  Numeric path
// segments are kept as-is.
func (s *Server) Calls(methodPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[methodPath]
}

// Objects returns a copy of a collection.
func (s *Server) Objects(coll string) []Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Object, len(s.objs[coll]))
	copy(out, s.objs[coll])
	return out
}

// Find returns the first object of coll whose name matches.
func (s *Server) Find(coll, name string) (Object, bool) {
	for _, o := range s.Objects(coll) {
		if o["name"] == name {
			return o, true
		}
	}
	return nil, false
}

// Members returns the host ids in a group.
func (s *Server) Members(group int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.members[group]...)
}

// AddInventory stores an inventory and returns its id.
func (s *Server) AddInventory(name string, totalHosts int) int {
	return s.add("inventories", Object{"name": name, "organization": 1, "total_hosts": totalHosts})
}

// AddJob stores a job with output and returns its id.
func (s *Server) AddJob(name, status, playbook, stdout string) int {
	id := s.add("jobs", Object{"name": name, "status": status, "playbook": playbook, "elapsed": 12.5})
	s.mu.Lock()
	s.stdout[id] = stdout
	s.mu.Unlock()
	return id
}

func (s *Server) add(coll string, o Object) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(coll, o)
}

func (s *Server) addLocked(coll string, o Object) int {
	s.nextID++
	o["id"] = s.nextID
	s.objs[coll] = append(s.objs[coll], o)
	return s.nextID
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.Method+" "+strings.TrimPrefix(r.URL.Path, "/api/v2")]++
		fail := s.failNext > 0 && strings.HasPrefix(r.URL.Path, "/api/v2/")
		if fail {
			s.failNext--
		}
		code, token := s.failCode, s.Token
		s.mu.Unlock()

		if fail {
			writeJSON(w, code, Object{"detail": "injected failure"})
			return
		}
		if token != "" && strings.HasPrefix(r.URL.Path, "/api/v2/") &&
			r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, Object{"detail": "Authentication credentials were not provided."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "password" {
		writeJSON(w, http.StatusBadRequest, Object{"error": "invalid_grant"})
		return
	}
	s.mu.Lock()
	if s.Token == "" {
		s.Token = "oauth-" + r.PostForm.Get("username")
	}
	tok := s.Token
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, Object{"access_token": tok, "token_type": "Bearer"})
}

func matches(o Object, q url.Values) bool {
	for k, vs := range q {
		switch k {
		case "page", "page_size", "order_by", "format":
			continue
		}
		if fmt.Sprint(o[k]) != vs[0] {
			return false
		}
	}
	return true
}

func page(w http.ResponseWriter, results []Object) {
	if results == nil {
		results = []Object{}
	}
	writeJSON(w, http.StatusOK, Object{"count": len(results), "next": nil, "results": results})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Object
	for _, o := range s.objs[r.PathValue("coll")] {
		if matches(o, r.URL.Query()) {
			out = append(out, o)
		}
	}
	page(w, out)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	jobs := append([]Object(nil), s.objs["jobs"]...)
	s.mu.Unlock()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i]["id"].(int) > jobs[j]["id"].(int) })
	if n, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && n < len(jobs) {
		jobs = jobs[:n]
	}
	page(w, jobs)
}

func (s *Server) lookup(coll, rawID string) (Object, bool) {
	id, _ := strconv.Atoi(rawID)
	for _, o := range s.objs[coll] {
		if o["id"] == id {
			return o, true
		}
	}
	return nil, false
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.lookup(r.PathValue("coll"), r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, Object{"detail": "Not found."})
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func readBody(r *http.Request) (Object, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	body := Object{}
	if len(raw) == 0 {
		return body, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	for k, v := range body {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				body[k] = int(i)
			}
		}
	}
	return body, nil
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil || body["name"] == nil {
		writeJSON(w, http.StatusBadRequest, Object{"name": []string{"This field is required."}})
		return
	}
	s.mu.Lock()
	coll := r.PathValue("coll")
	if coll == "inventories" {
		body["total_hosts"] = 0
	}
	s.addLocked(coll, body)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) patch(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Object{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.lookup(r.PathValue("coll"), r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, Object{"detail": "Not found."})
		return
	}
	for k, v := range body {
		o[k] = v
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) inventoryHosts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ := strconv.Atoi(r.PathValue("id"))
	var out []Object
	for _, h := range s.objs["hosts"] {
		if h["inventory"] == id {
			out = append(out, h)
		}
	}
	page(w, out)
}

func (s *Server) groupHosts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gid, _ := strconv.Atoi(r.PathValue("id"))
	var out []Object
	for _, hid := range s.members[gid] {
		if h, ok := s.lookup("hosts", strconv.Itoa(hid)); ok && matches(h, r.URL.Query()) {
			out = append(out, h)
		}
	}
	page(w, out)
}

func (s *Server) addGroupHost(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Object{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gid, _ := strconv.Atoi(r.PathValue("id"))
	hid, _ := body["id"].(int)
	for _, existing := range s.members[gid] {
		if existing == hid {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	s.members[gid] = append(s.members[gid], hid)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) launch(w http.ResponseWriter, r *http.Request) {
	body, _ := readBody(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	jt, ok := s.lookup("job_templates", r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, Object{"detail": "Not found."})
		return
	}
	job := Object{
		"name":       jt["name"],
		"status":     "pending",
		"playbook":   jt["playbook"],
		"extra_vars": body["extra_vars"],
	}
	id := s.addLocked("jobs", job)
	s.stdout[id] = "PLAY [all] ****\n"
	writeJSON(w, http.StatusCreated, Object{"job": id, "id": id, "status": "pending"})
}

func (s *Server) jobStdout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ := strconv.Atoi(r.PathValue("id"))
	out, ok := s.stdout[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, Object{"detail": "Not found."})
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
